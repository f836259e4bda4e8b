// Package sandbox runs the embedded agents of one simulated node.
//
// Each Sandbox owns a private command runner bound to its node, so every
// command an agent runs is tagged with that node's UUID no matter how many
// sandboxes share the process. Agents receive their runner, logger and
// directories through an Env when the sandbox is instantiated.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/models"
)

// Sandbox statuses.
const (
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
)

// Sandbox is the live simulation of one node.
type Sandbox struct {
	env    Env
	agents []Agent
	cancel context.CancelFunc

	mu    sync.Mutex
	state models.SandboxState
}

// Instantiate builds and starts one agent per factory. If any agent fails to
// build or start, the agents already started are stopped and the error is
// returned. The sandbox outlives ctx; it runs until Shutdown.
func Instantiate(ctx context.Context, env Env, factories ...Factory) (*Sandbox, error) {
	if env.UUID == "" {
		return nil, fmt.Errorf("sandbox requires a node UUID")
	}
	if env.Runner == nil {
		return nil, fmt.Errorf("sandbox requires a runner")
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop().Sugar()
	}
	env.Logger = env.Logger.With("uuid", env.UUID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Sandbox{env: env, cancel: cancel}

	for _, factory := range factories {
		agent, err := factory(env)
		if err == nil {
			err = agent.Start(runCtx)
		}
		if err != nil {
			s.stopAgents(ctx)
			cancel()
			name := "agent"
			if agent != nil {
				name = agent.Name()
			}
			return nil, fmt.Errorf("failed to start %s for %s: %w", name, env.UUID, err)
		}
		s.agents = append(s.agents, agent)
	}

	now := time.Now()
	s.state = models.SandboxState{
		UUID:      env.UUID,
		Status:    StatusRunning,
		NodeDir:   env.NodeDir,
		Agents:    s.agentNames(),
		StartedAt: &now,
	}

	env.Logger.Infow("Sandbox started", "agents", s.state.Agents)
	env.publish(ctx, events.SandboxStarted, map[string]interface{}{"agents": s.state.Agents})
	return s, nil
}

// UUID returns the node the sandbox simulates.
func (s *Sandbox) UUID() string {
	return s.env.UUID
}

// Record returns the node record the sandbox was started with.
func (s *Sandbox) Record() *models.NodeRecord {
	return s.env.Record
}

// Runner returns the sandbox's node-bound runner.
func (s *Sandbox) Runner() Runner {
	return s.env.Runner
}

// Agent returns the named agent.
func (s *Sandbox) Agent(name string) (Agent, bool) {
	for _, a := range s.agents {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// State returns a copy of the sandbox state.
func (s *Sandbox) State() models.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	state.Agents = append([]string(nil), s.state.Agents...)
	return state
}

// Shutdown stops the agents that must be stopped explicitly, then cancels the
// sandbox context, which ends the remaining agents. Calling Shutdown again is
// a no-op.
func (s *Sandbox) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Status != StatusRunning {
		s.mu.Unlock()
		return nil
	}
	s.state.Status = StatusStopping
	s.mu.Unlock()

	err := s.stopAgents(ctx)
	s.cancel()

	now := time.Now()
	s.mu.Lock()
	s.state.Status = StatusStopped
	s.state.StoppedAt = &now
	s.mu.Unlock()

	if err != nil {
		s.env.Logger.Warnw("Sandbox stopped with errors", "error", err)
	} else {
		s.env.Logger.Infow("Sandbox stopped")
	}
	s.env.publish(ctx, events.SandboxStopped, nil)
	return err
}

func (s *Sandbox) stopAgents(ctx context.Context) error {
	var errs []error
	for i := len(s.agents) - 1; i >= 0; i-- {
		stopper, ok := s.agents[i].(Stopper)
		if !ok {
			continue
		}
		if err := stopper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.agents[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sandbox) agentNames() []string {
	names := make([]string, len(s.agents))
	for i, a := range s.agents {
		names[i] = a.Name()
	}
	return names
}
