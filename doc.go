// Package mockcloud is a mock fleet orchestrator for simulated compute nodes.
//
// # Overview
//
// mockcloud stands up a fleet of fake compute nodes on a single host. Each
// node is a directory under the servers root holding a sysinfo record, a disk
// descriptor file and the node's simulated /tmp. The orchestrator fills in
// whatever a create request leaves out, hands every node a stable identity
// index from which collision-free MAC addresses are derived, and keeps an
// in-process sandbox of agents running for every node directory on disk.
//
// The platform consists of five components:
//   - Identity Allocator: persistent UUID to index ledger
//   - Defaulting Pipeline: turns a partial payload into a complete record
//   - Per-Node Sandbox: isolated agents with a per-node filesystem view
//   - Fleet Reconciler: keeps running sandboxes in step with the servers root
//   - Control API: Echo REST server for list, get, create and delete
//
// # Architecture
//
//	┌─────────────────┐       ┌─────────────────┐
//	│  Control API    │──────►│  Event Stream   │
//	│  (Echo REST)    │       │  (WS / NATS)    │
//	└────────┬────────┘       └─────────────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  Fleet Service  │──────►│  Defaulting     │
//	│                 │       │  Pipeline       │
//	└────────┬────────┘       └────────┬────────┘
//	         │                         │
//	┌────────▼────────┐       ┌────────▼────────┐
//	│  Reconciler     │       │  Identity       │
//	│  (sandboxes)    │       │  Ledger         │
//	└─────────────────┘       └─────────────────┘
//
// # Usage
//
// Start the orchestrator and API server:
//
//	mockcloud server --config configs/config.yaml
//
// Run a single reconcile pass:
//
//	mockcloud reconcile
//
// Manage servers through a running instance:
//
//	mockcloud servers list
//	echo '{}' | mockcloud servers create
//	mockcloud servers delete <uuid>
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (configs/config.yaml)
//   - Environment variables (MC_ prefix)
//   - .env file
//
// Run "mockcloud config init" for a commented starting point.
//
// # API Endpoints
//
// Servers:
//   - GET    /servers          - List servers (limit/offset)
//   - GET    /servers/:uuid    - Get one server
//   - POST   /servers          - Create a server from a partial payload
//   - DELETE /servers/:uuid    - Delete a server and stop its sandbox
//   - GET    /ledger           - Identity ledger snapshot
//
// Operations:
//   - GET /health             - Liveness and fleet size
//   - GET /metrics            - Prometheus metrics
//   - GET /ws/events          - Fleet event stream
//   - GET /ws/stats           - Event stream statistics
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o mockcloud ./cmd/mockcloud
package mockcloud
