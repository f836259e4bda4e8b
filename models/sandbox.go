package models

import "time"

// SandboxState describes the live simulation of one node.
type SandboxState struct {
	// UUID is the node the sandbox simulates
	UUID string `json:"uuid"`

	// Status is the sandbox status (running, stopping, stopped)
	Status string `json:"status"`

	// NodeDir is the node's directory on disk
	NodeDir string `json:"nodeDir"`

	// Agents lists the embedded agents running in the sandbox
	Agents []string `json:"agents"`

	// StartedAt is when the sandbox was instantiated
	StartedAt *time.Time `json:"startedAt,omitempty"`

	// StoppedAt is when the sandbox was shut down
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}

// ServerEntry is one element of the fleet listing.
type ServerEntry struct {
	UUID    string        `json:"uuid"`
	Record  *NodeRecord   `json:"record"`
	Sandbox *SandboxState `json:"sandbox,omitempty"`
}
