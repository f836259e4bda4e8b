package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoMetadata is returned when no source has a value for a key.
var ErrNoMetadata = errors.New("metadata key not found")

// StaticMetadata serves values from a fixed map.
type StaticMetadata map[string]string

// Get returns the value for key.
func (s StaticMetadata) Get(_ context.Context, key string) (string, error) {
	if v, ok := s[key]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrNoMetadata)
}

// CommandMetadata runs Command with the key appended, e.g. mdata-get
// datacenter_name, and returns the trimmed output.
type CommandMetadata struct {
	Runner  Runner
	Command []string
}

// Get runs the metadata command for key.
func (c *CommandMetadata) Get(ctx context.Context, key string) (string, error) {
	if len(c.Command) == 0 {
		return "", fmt.Errorf("%s: %w", key, ErrNoMetadata)
	}
	args := append(append([]string(nil), c.Command[1:]...), key)
	out, err := c.Runner.Run(ctx, c.Command[0], args...)
	if err != nil {
		return "", fmt.Errorf("metadata command %s %s failed: %w", c.Command[0], key, err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNoMetadata)
	}
	return v, nil
}

// LayeredMetadata asks each source in turn and returns the first value found.
type LayeredMetadata []Metadata

// Get returns the first value any source has for key.
func (l LayeredMetadata) Get(ctx context.Context, key string) (string, error) {
	var errs []error
	for _, m := range l {
		v, err := m.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%s: %w", key, ErrNoMetadata)
	}
	return "", errors.Join(errs...)
}
