package sandbox

import (
	"context"

	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/models"
)

// Agent is an embedded per-node agent.
type Agent interface {
	Name() string
	Start(ctx context.Context) error
}

// Stopper is implemented by agents that must be stopped explicitly.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Env is what a sandbox hands to each of its agents.
type Env struct {
	UUID      string
	NodeDir   string
	LogDir    string
	Record    *models.NodeRecord
	Runner    Runner
	Logger    *zap.SugaredLogger
	Publisher events.Publisher

	// Watch subscribes to directory changes; nil when the sandbox is not watched
	Watch WatchFunc
}

// Factory builds an agent for one sandbox.
type Factory func(env Env) (Agent, error)

func (e Env) publish(ctx context.Context, t events.Type, data map[string]interface{}) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, events.New(t, e.UUID, data)); err != nil {
		e.Logger.Debugw("Failed to publish event", "type", t, "error", err)
	}
}
