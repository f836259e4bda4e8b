package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TaskAgentName is the name of the task agent.
const TaskAgentName = "task-agent"

// TaskLogFile is the task agent's log file inside the node log directory.
const TaskLogFile = "task-agent.log"

// TaskAgent runs commands for its node through the node's runner and keeps a
// transcript in the node log directory. It is stopped by cancelling the
// sandbox context.
type TaskAgent struct {
	env      Env
	commands [][]string

	mu      sync.Mutex
	logFile *os.File
	done    chan struct{}
}

// NewTaskAgent returns a factory for task agents that run commands at start.
func NewTaskAgent(commands [][]string) Factory {
	return func(env Env) (Agent, error) {
		return &TaskAgent{env: env, commands: commands, done: make(chan struct{})}, nil
	}
}

// Name returns the agent name.
func (a *TaskAgent) Name() string {
	return TaskAgentName
}

// Start opens the transcript and runs the startup commands in the background.
func (a *TaskAgent) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.env.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := filepath.Join(a.env.LogDir, TaskLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	a.logFile = f

	go func() {
		for _, c := range a.commands {
			if len(c) == 0 {
				continue
			}
			if _, err := a.Exec(ctx, c[0], c[1:]...); err != nil {
				a.env.Logger.Warnw("Startup command failed", "uuid", a.env.UUID, "command", c[0], "error", err)
			}
		}
		close(a.done)
		<-ctx.Done()
		a.closeLog()
	}()
	return nil
}

// Ready is closed once the startup commands have run.
func (a *TaskAgent) Ready() <-chan struct{} {
	return a.done
}

// Exec runs a command as this node and records it in the transcript.
func (a *TaskAgent) Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := a.env.Runner.Run(ctx, name, args...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		fmt.Fprintf(a.logFile, "[%s] $ %s\n", time.Now().UTC().Format(time.RFC3339), strings.Join(append([]string{name}, args...), " "))
		if len(out) > 0 {
			a.logFile.Write(out)
			if out[len(out)-1] != '\n' {
				a.logFile.Write([]byte("\n"))
			}
		}
		if err != nil {
			fmt.Fprintf(a.logFile, "error: %v\n", err)
		}
	}
	return out, err
}

func (a *TaskAgent) closeLog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			a.env.Logger.Warnw("Failed to close task log", "uuid", a.env.UUID, "error", err)
		}
		a.logFile = nil
	}
}
