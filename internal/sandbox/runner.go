package sandbox

import (
	"context"
	"os"
	"os/exec"
)

// Runner runs a system command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Command is one command invocation.
type Command struct {
	Name string
	Args []string

	// Env is appended to the process environment
	Env []string
}

// ExecFunc executes a command.
type ExecFunc func(ctx context.Context, c Command) ([]byte, error)

// Exec runs c with os/exec, inheriting the process environment.
func Exec(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	return cmd.CombinedOutput()
}

// NodeRunner runs commands tagged with a node's identity: every command gets
// <EnvName>=<UUID> in its environment. Each sandbox owns its own NodeRunner.
type NodeRunner struct {
	UUID    string
	EnvName string
	exec    ExecFunc
}

// NewNodeRunner binds exec to one node. A nil exec uses Exec.
func NewNodeRunner(exec ExecFunc, envName, uuid string) *NodeRunner {
	if exec == nil {
		exec = Exec
	}
	return &NodeRunner{UUID: uuid, EnvName: envName, exec: exec}
}

// HostRunner returns a runner that runs commands untagged, on behalf of the
// host itself.
func HostRunner(exec ExecFunc) *NodeRunner {
	return NewNodeRunner(exec, "", "")
}

// Run runs name with args.
func (r *NodeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	c := Command{Name: name, Args: args}
	if r.EnvName != "" && r.UUID != "" {
		c.Env = []string{r.EnvName + "=" + r.UUID}
	}
	return r.exec(ctx, c)
}
