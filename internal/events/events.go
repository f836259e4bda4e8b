// Package events defines fleet events and the publishers that fan them out.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names a fleet event.
type Type string

const (
	NodeCreated        Type = "node.created"
	NodeDeleted        Type = "node.deleted"
	NodeRegistered     Type = "node.registered"
	NodeHeartbeat      Type = "node.heartbeat"
	SandboxStarted     Type = "sandbox.started"
	SandboxStopped     Type = "sandbox.stopped"
	ReconcileCompleted Type = "reconcile.completed"
)

// Event is one fleet event.
type Event struct {
	Type Type                   `json:"type"`
	UUID string                 `json:"uuid,omitempty"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, uuid string, data map[string]interface{}) Event {
	return Event{Type: t, UUID: uuid, Time: time.Now().UTC(), Data: data}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher, even when some fail.
type Multi []Publisher

// Publish delivers e to all publishers and joins their errors.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
