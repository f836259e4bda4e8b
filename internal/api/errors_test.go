package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/mockcloud/internal/fleet"
	"evalgo.org/mockcloud/internal/validation"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		apiError *APIError
		want     string
	}{
		{
			name:     "error with details",
			apiError: BadRequestError("Bad Request", "Invalid JSON format"),
			want:     "Bad Request: Invalid JSON format",
		},
		{
			name:     "error without details",
			apiError: NotFoundError("Server", "abc"),
			want:     "Server not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.apiError.Error())
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	nf := NotFoundError("Server", "abc123")
	assert.Equal(t, http.StatusNotFound, nf.Status)
	assert.Equal(t, CodeNotFound, nf.Code)
	assert.Equal(t, "abc123", nf.Context["id"])

	v := ValidationError("Invalid", []validation.ValidationError{{Field: "UUID", Message: "must be a UUID"}})
	assert.Equal(t, http.StatusBadRequest, v.Status)
	assert.Equal(t, CodeInvalidPayload, v.Code)
	require.Len(t, v.FieldErrors, 1)
	assert.Equal(t, "must be a UUID", v.FieldErrors[0].Message)

	assert.Equal(t, http.StatusConflict, ConflictError("dup", "").Status)
	assert.Equal(t, http.StatusInternalServerError, InternalError("boom", "").Status)
}

func TestFromServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not found",
			err:        fleet.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "wrapped conflict",
			err:        fmt.Errorf("create: %w", fleet.ErrConflict),
			wantStatus: http.StatusConflict,
			wantCode:   CodeConflict,
		},
		{
			name: "validation",
			err: &fleet.ValidationError{Fields: []validation.ValidationError{
				{Field: "UUID", Message: "must be a UUID"},
			}},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidPayload,
		},
		{
			name:       "collaborator",
			err:        &fleet.CollaboratorError{Collaborator: "address", Err: errors.New("exhausted")},
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeCollaboratorFailed,
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("boot: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   CodeTimeout,
		},
		{
			name:       "collaborator timed out",
			err:        &fleet.CollaboratorError{Collaborator: "address", Err: context.DeadlineExceeded},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   CodeTimeout,
		},
		{
			name:       "api error passes through",
			err:        BadRequestError("bad", ""),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeBadRequest,
		},
		{
			name:       "anything else",
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromServiceError(tt.err, "abc")
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.NotEmpty(t, got.Title)
		})
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		debug      bool
		wantStatus int
		wantCode   string
		wantFields []validation.ValidationError
	}{
		{
			name:       "echo http error",
			err:        echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"),
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   CodeBadRequest,
		},
		{
			name: "validation field errors",
			err: &fleet.ValidationError{Fields: []validation.ValidationError{
				{Field: "UUID", Message: "must be a UUID"},
				{Field: "System Type", Message: `must be "SunOS"`},
			}},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidPayload,
			wantFields: []validation.ValidationError{
				{Field: "UUID", Message: "must be a UUID"},
				{Field: "System Type", Message: `must be "SunOS"`},
			},
		},
		{
			name: "repeated field keeps every failure",
			err: &fleet.ValidationError{Fields: []validation.ValidationError{
				{Field: "Network Interfaces", Message: "admin NIC has no MAC Address"},
				{Field: "Network Interfaces", Message: "admin NIC has no ip4addr"},
			}},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidPayload,
			wantFields: []validation.ValidationError{
				{Field: "Network Interfaces", Message: "admin NIC has no MAC Address"},
				{Field: "Network Interfaces", Message: "admin NIC has no ip4addr"},
			},
		},
		{
			name:       "internal error hides details",
			err:        errors.New("secret path /var/db"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Debug = tt.debug
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			HTTPErrorHandler(tt.err, c)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["message"])
			assert.NotContains(t, rec.Body.String(), "secret")

			if tt.wantFields != nil {
				var typed APIError
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &typed))
				assert.Equal(t, tt.wantFields, typed.FieldErrors)
			}
		})
	}
}

func TestHTTPErrorHandler_CommittedResponse(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, c.String(http.StatusOK, "done"))

	HTTPErrorHandler(errors.New("late"), c)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done", rec.Body.String())
}
