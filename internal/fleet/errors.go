package fleet

import (
	"errors"
	"fmt"
	"strings"

	"evalgo.org/mockcloud/internal/validation"
)

var (
	// ErrNotFound is returned for UUIDs with no node.
	ErrNotFound = errors.New("server not found")

	// ErrConflict is returned when creating a UUID that already exists.
	ErrConflict = errors.New("server already exists")
)

// ValidationError lists every field of a payload that failed validation.
type ValidationError struct {
	Fields []validation.ValidationError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// CollaboratorError reports a failed call to an external collaborator while
// a node was being provisioned.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
