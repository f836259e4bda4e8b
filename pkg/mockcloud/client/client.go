// Package client is a Go client for the mockcloud control API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"evalgo.org/mockcloud/models"
)

// Client talks to one mockcloud server.
type Client struct {
	http *resty.Client
}

// Error is an error body returned by the API.
type Error struct {
	Status      int          `json:"-"`
	Code        string       `json:"code"`
	Title       string       `json:"error"`
	Message     string       `json:"message"`
	Details     string       `json:"details,omitempty"`
	FieldErrors []FieldError `json:"field_errors,omitempty"`
}

// FieldError is one failed field rule.
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	for _, f := range e.FieldErrors {
		msg += fmt.Sprintf("\n  %s: %s", f.Field, f.Message)
	}
	return msg
}

// CreateResult is the response to a create.
type CreateResult struct {
	Server  models.ServerEntry `json:"server"`
	Dropped []string           `json:"dropped,omitempty"`
}

// LedgerEntry is one identity ledger record.
type LedgerEntry struct {
	Index int `json:"index"`
}

// New creates a client for the server at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}, nil
}

// ListServers returns every running server.
func (c *Client) ListServers(ctx context.Context) ([]models.ServerEntry, error) {
	var out []models.ServerEntry
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetServer returns one server.
func (c *Client) GetServer(ctx context.Context, id string) (*models.ServerEntry, error) {
	var out models.ServerEntry
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateServer creates a server from a raw sysinfo payload.
func (c *Client) CreateServer(ctx context.Context, payload []byte) (*CreateResult, error) {
	var out CreateResult
	if err := c.do(ctx, http.MethodPost, "/servers", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteServer deletes a server.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(id), nil, nil)
}

// Ledger returns the identity ledger.
func (c *Client) Ledger(ctx context.Context) (map[string]LedgerEntry, error) {
	out := make(map[string]LedgerEntry)
	if err := c.do(ctx, http.MethodGet, "/ledger", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result interface{}) error {
	apiErr := &Error{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if result != nil {
		req.SetResult(result)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}
