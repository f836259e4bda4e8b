// Package collab holds the external collaborators consulted while a node
// record is completed: address assignment, boot parameters and host metadata.
package collab

import (
	"context"
)

// Lease is an address handed out for a node's admin NIC.
type Lease struct {
	// IP is the assigned IPv4 address
	IP string `json:"ip"`

	// ServerHost is the host that answered, also serving boot parameters
	ServerHost string `json:"server_host"`
}

// AddressAssigner hands out admin network addresses.
type AddressAssigner interface {
	Assign(ctx context.Context, mac, uuid string) (Lease, error)
}

// BootParamsFetcher fetches the flat boot parameter map for a MAC address
// from the given host.
type BootParamsFetcher interface {
	Fetch(ctx context.Context, mac, host string) (map[string]string, error)
}

// Metadata reads host metadata values such as the datacenter name.
type Metadata interface {
	Get(ctx context.Context, key string) (string, error)
}

// Runner runs a command on behalf of the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
