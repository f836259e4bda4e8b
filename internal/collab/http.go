package collab

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPAssigner requests leases from a remote address service with
// POST {baseURL}/leases.
type HTTPAssigner struct {
	client *resty.Client
	host   string
}

type leaseRequest struct {
	MAC  string `json:"mac"`
	UUID string `json:"uuid"`
}

// NewHTTPAssigner creates an assigner for the service at baseURL.
func NewHTTPAssigner(baseURL string, timeout time.Duration) (*HTTPAssigner, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid assigner URL: %w", err)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPAssigner{client: client, host: u.Hostname()}, nil
}

// Assign requests a lease for mac. When the service does not name the
// responding host, the service's own host is used.
func (a *HTTPAssigner) Assign(ctx context.Context, mac, uuid string) (Lease, error) {
	var lease Lease
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(leaseRequest{MAC: mac, UUID: uuid}).
		SetResult(&lease).
		ForceContentType("application/json").
		Post("/leases")
	if err != nil {
		return Lease{}, fmt.Errorf("failed to request lease: %w", err)
	}
	if resp.IsError() {
		return Lease{}, fmt.Errorf("address service returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if lease.IP == "" {
		return Lease{}, fmt.Errorf("address service returned no address for %s", mac)
	}
	if lease.ServerHost == "" {
		lease.ServerHost = a.host
	}
	return lease, nil
}

// HTTPBootParams fetches boot parameters with
// GET http://{host}:{port}/bootparams/{mac}.
type HTTPBootParams struct {
	client *resty.Client
	port   int
}

// NewHTTPBootParams creates a fetcher for boot servers listening on port.
func NewHTTPBootParams(port int, timeout time.Duration) *HTTPBootParams {
	return &HTTPBootParams{
		client: resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		port:   port,
	}
}

// Fetch returns the boot parameters for mac.
func (b *HTTPBootParams) Fetch(ctx context.Context, mac, host string) (map[string]string, error) {
	if host == "" {
		return nil, fmt.Errorf("boot server host is required")
	}

	params := map[string]string{}
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("mac", mac).
		SetResult(&params).
		ForceContentType("application/json").
		Get(fmt.Sprintf("http://%s:%d/bootparams/{mac}", host, b.port))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch boot parameters: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("boot server returned status %d", resp.StatusCode())
	}
	return params, nil
}
