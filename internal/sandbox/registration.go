package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/internal/nodefs"
)

// RegistrationAgentName is the name of the registration agent.
const RegistrationAgentName = "registration-agent"

// RegistrationAgent announces the node to the fleet: once at start, again
// whenever the node's record file is rewritten, and with a heartbeat.
type RegistrationAgent struct {
	env      Env
	interval time.Duration

	unsubscribe func()
	changed     chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu            sync.Mutex
	registrations int
	heartbeats    int
}

// NewRegistrationAgent returns a factory for registration agents. A zero
// interval disables heartbeats.
func NewRegistrationAgent(interval time.Duration) Factory {
	return func(env Env) (Agent, error) {
		return &RegistrationAgent{
			env:      env,
			interval: interval,
			changed:  make(chan struct{}, 1),
			done:     make(chan struct{}),
		}, nil
	}
}

// Name returns the agent name.
func (a *RegistrationAgent) Name() string {
	return RegistrationAgentName
}

// Start registers the node and subscribes to changes of its directory.
func (a *RegistrationAgent) Start(ctx context.Context) error {
	if a.env.Watch != nil {
		unsubscribe, err := a.env.Watch(a.env.NodeDir, a.onEvent)
		if err != nil {
			return fmt.Errorf("failed to watch node directory: %w", err)
		}
		a.unsubscribe = unsubscribe
	}

	a.register(ctx, "start")

	a.wg.Add(1)
	go a.loop(ctx)
	return nil
}

// Stop ends the subscription and heartbeat. It waits for the agent loop to
// exit or for ctx to end.
func (a *RegistrationAgent) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		close(a.done)
	})

	exited := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Registrations returns how many times the node registered.
func (a *RegistrationAgent) Registrations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrations
}

// Heartbeats returns how many heartbeats were sent.
func (a *RegistrationAgent) Heartbeats() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeats
}

func (a *RegistrationAgent) loop(ctx context.Context) {
	defer a.wg.Done()

	var tick <-chan time.Time
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-tick:
			a.mu.Lock()
			a.heartbeats++
			a.mu.Unlock()
			a.env.publish(ctx, events.NodeHeartbeat, nil)
		case <-a.changed:
			a.register(ctx, "sysinfo")
		}
	}
}

// onEvent runs on the shared watcher goroutine; changes are coalesced.
func (a *RegistrationAgent) onEvent(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != nodefs.RecordFile || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
		return
	}
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

func (a *RegistrationAgent) register(ctx context.Context, reason string) {
	a.mu.Lock()
	a.registrations++
	a.mu.Unlock()

	data := map[string]interface{}{"reason": reason}
	if rec := a.env.Record; rec != nil {
		data["hostname"] = rec.Hostname
		if _, nic, ok := rec.AdminNIC(); ok {
			data["admin_mac"] = nic.MACAddress
			data["admin_ip"] = nic.IP4Addr
		}
	}
	a.env.Logger.Debugw("Node registered", "uuid", a.env.UUID, "reason", reason)
	a.env.publish(ctx, events.NodeRegistered, data)
}
