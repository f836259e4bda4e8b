package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/mockcloud/internal/fleet"
	"evalgo.org/mockcloud/internal/validation"
)

// Stable error codes carried in every error body.
const (
	CodeBadRequest         = "BadRequest"
	CodeInvalidPayload     = "InvalidPayload"
	CodeNotFound           = "NotFound"
	CodeConflict           = "Conflict"
	CodeCollaboratorFailed = "CollaboratorFailed"
	CodeTimeout            = "Timeout"
	CodeInternal           = "InternalError"
)

// APIError represents a structured API error with HTTP status code.
type APIError struct {
	// Status is the HTTP status code
	Status int `json:"-"`

	// Code is the stable machine-readable error code
	Code string `json:"code"`

	// Title is the HTTP status text
	Title string `json:"error"`

	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// FieldErrors lists every failed rule in check order; a field may
	// appear more than once
	FieldErrors []validation.ValidationError `json:"field_errors,omitempty"`

	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// NewAPIError creates a new API error.
func NewAPIError(status int, code, message, details string) *APIError {
	return &APIError{
		Status:  status,
		Code:    code,
		Title:   getHTTPMessage(status),
		Message: message,
		Details: details,
	}
}

// Common error constructors
func BadRequestError(message, details string) *APIError {
	return NewAPIError(http.StatusBadRequest, CodeBadRequest, message, details)
}

func NotFoundError(resource, id string) *APIError {
	e := NewAPIError(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource), "")
	e.Context = map[string]interface{}{"id": id}
	return e
}

func ValidationError(message string, fieldErrors []validation.ValidationError) *APIError {
	e := NewAPIError(http.StatusBadRequest, CodeInvalidPayload, message, "")
	e.FieldErrors = fieldErrors
	return e
}

func InternalError(message, details string) *APIError {
	return NewAPIError(http.StatusInternalServerError, CodeInternal, message, details)
}

func ConflictError(message, details string) *APIError {
	return NewAPIError(http.StatusConflict, CodeConflict, message, details)
}

// fromServiceError maps fleet service errors onto API errors.
func fromServiceError(err error, id string) *APIError {
	var (
		apiErr    *APIError
		invalid   *fleet.ValidationError
		collabErr *fleet.CollaboratorError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &invalid):
		return ValidationError("Invalid server payload", invalid.Fields)
	case errors.Is(err, fleet.ErrNotFound):
		return NotFoundError("Server", id)
	case errors.Is(err, fleet.ErrConflict):
		e := ConflictError("Server already exists", "")
		e.Context = map[string]interface{}{"id": id}
		return e
	case errors.Is(err, context.DeadlineExceeded):
		return NewAPIError(http.StatusGatewayTimeout, CodeTimeout, "Request timed out", err.Error())
	case errors.As(err, &collabErr):
		e := NewAPIError(http.StatusBadGateway, CodeCollaboratorFailed,
			fmt.Sprintf("%s collaborator failed", collabErr.Collaborator), collabErr.Err.Error())
		e.Context = map[string]interface{}{"collaborator": collabErr.Collaborator}
		return e
	default:
		return InternalError("Internal server error", err.Error())
	}
}

// HTTPErrorHandler is a custom error handler for Echo.
func HTTPErrorHandler(err error, c echo.Context) {
	// Don't send response if already sent
	if c.Response().Committed {
		return
	}

	var apiErr *APIError
	if he, ok := err.(*echo.HTTPError); ok {
		apiErr = NewAPIError(he.Code, codeForStatus(he.Code), getHTTPMessage(he.Code), fmt.Sprintf("%v", he.Message))
	} else {
		apiErr = fromServiceError(err, c.Param("uuid"))
	}

	// Don't expose internal errors in production
	if apiErr.Status == http.StatusInternalServerError && !c.Echo().Debug {
		apiErr.Details = "An internal error occurred. Please try again later."
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(apiErr.Status)
	} else {
		err = c.JSON(apiErr.Status, apiErr)
	}
	if err != nil {
		c.Logger().Error(err)
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusInternalServerError:
		return CodeInternal
	}
	if status >= 400 && status < 500 {
		return CodeBadRequest
	}
	return http.StatusText(status)
}

// getHTTPMessage returns a user-friendly message for HTTP status codes.
func getHTTPMessage(code int) string {
	messages := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusNotFound:            "Resource not found",
		http.StatusMethodNotAllowed:    "Method not allowed",
		http.StatusConflict:            "Conflict",
		http.StatusTooManyRequests:     "Too many requests",
		http.StatusInternalServerError: "Internal server error",
		http.StatusBadGateway:          "Bad gateway",
		http.StatusServiceUnavailable:  "Service unavailable",
		http.StatusGatewayTimeout:      "Gateway timeout",
	}

	if msg, ok := messages[code]; ok {
		return msg
	}
	return http.StatusText(code)
}
