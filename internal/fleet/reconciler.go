// Package fleet keeps the set of running node sandboxes in line with the
// node directories on disk, and provides the list, get, create and delete
// operations of the control API.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/internal/metrics"
	"evalgo.org/mockcloud/internal/nodefs"
	"evalgo.org/mockcloud/internal/sandbox"
)

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Layout   nodefs.Layout
	Registry *Registry

	// Agents build the agents of every sandbox
	Agents []sandbox.Factory

	// Exec runs sandbox commands; os/exec when nil
	Exec sandbox.ExecFunc

	// UUIDEnv names the variable that tags sandbox commands
	UUIDEnv string

	Publisher events.Publisher
	Logger    *zap.SugaredLogger

	// Watch enables filesystem notifications on the servers root
	Watch bool

	// RescanInterval triggers periodic reconciles; zero disables them
	RescanInterval time.Duration

	// Concurrency caps parallel sandbox starts; zero means unlimited
	Concurrency int
}

// Report describes one reconcile pass.
type Report struct {
	Started []string          `json:"started"`
	Stopped []string          `json:"stopped"`
	Failed  map[string]string `json:"failed,omitempty"`
	Running int               `json:"running"`
}

// Reconciler starts and stops sandboxes to match the node directories.
type Reconciler struct {
	opts   ReconcilerOptions
	logger *zap.SugaredLogger

	// mu serializes reconcile passes with Ensure and Remove
	mu sync.Mutex

	// watcher is shared by the servers root watch and every sandbox
	watcherMu sync.Mutex
	watcher   *sandbox.Watcher
}

// NewReconciler creates a reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	return &Reconciler{opts: opts, logger: opts.Logger.Named("reconciler")}
}

// sharedWatcher returns the directory watcher, starting it on first use.
func (r *Reconciler) sharedWatcher() (*sandbox.Watcher, error) {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()
	if r.watcher == nil {
		w, err := sandbox.NewWatcher(r.logger)
		if err != nil {
			return nil, err
		}
		r.watcher = w
	}
	return r.watcher, nil
}

func (r *Reconciler) closeWatcher() error {
	r.watcherMu.Lock()
	w := r.watcher
	r.watcher = nil
	r.watcherMu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Registry returns the registry the reconciler maintains.
func (r *Reconciler) Registry() *Registry {
	return r.opts.Registry
}

// Reconcile starts a sandbox for every node directory without one and shuts
// down every sandbox whose directory is gone. New sandboxes start in
// parallel; every directory is attempted and the first error is returned.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	report, err := r.reconcileLocked(ctx)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Reconciles.WithLabelValues("error").Inc()
	} else {
		metrics.Reconciles.WithLabelValues("ok").Inc()
	}
	metrics.Sandboxes.Set(float64(r.opts.Registry.Len()))
	return report, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context) (*Report, error) {
	names, err := r.opts.Layout.List()
	if err != nil {
		return nil, err
	}
	report := &Report{Started: []string{}, Stopped: []string{}}

	onDisk := make(map[string]bool, len(names))
	for _, name := range names {
		onDisk[name] = true
	}

	for _, sb := range r.opts.Registry.List() {
		if onDisk[sb.UUID()] {
			continue
		}
		r.opts.Registry.remove(sb.UUID())
		if err := sb.Shutdown(ctx); err != nil {
			r.logger.Warnw("Sandbox shutdown reported errors", "uuid", sb.UUID(), "error", err)
		}
		metrics.SandboxTransitions.WithLabelValues("stop").Inc()
		report.Stopped = append(report.Stopped, sb.UUID())
	}

	var pending []string
	for _, name := range names {
		if _, running := r.opts.Registry.Get(name); !running {
			pending = append(pending, name)
		}
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if r.opts.Concurrency > 0 {
		g.SetLimit(r.opts.Concurrency)
	}
	for _, uuid := range pending {
		g.Go(func() error {
			_, err := r.startLocked(ctx, uuid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if report.Failed == nil {
					report.Failed = make(map[string]string)
				}
				report.Failed[uuid] = err.Error()
				return err
			}
			report.Started = append(report.Started, uuid)
			return nil
		})
	}
	err = g.Wait()

	sort.Strings(report.Started)
	report.Running = r.opts.Registry.Len()

	r.logger.Infow("Reconcile complete",
		"started", len(report.Started), "stopped", len(report.Stopped),
		"failed", len(report.Failed), "running", report.Running)
	_ = r.opts.Publisher.Publish(ctx, events.New(events.ReconcileCompleted, "", map[string]interface{}{
		"started": report.Started,
		"stopped": report.Stopped,
		"running": report.Running,
	}))
	return report, err
}

// Ensure starts the sandbox of one node directory if it is not running.
func (r *Reconciler) Ensure(ctx context.Context, uuid string) (*sandbox.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, err := r.startLocked(ctx, uuid)
	metrics.Sandboxes.Set(float64(r.opts.Registry.Len()))
	return sb, err
}

// startLocked instantiates the sandbox of uuid. Callers hold r.mu; the
// registry's own lock makes parallel calls safe.
func (r *Reconciler) startLocked(ctx context.Context, uuid string) (*sandbox.Sandbox, error) {
	if sb, ok := r.opts.Registry.Get(uuid); ok {
		return sb, nil
	}

	logDir, err := r.opts.Layout.EnsureLogDir(uuid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uuid, err)
	}
	rec, err := r.opts.Layout.ReadRecord(uuid)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to load record: %w", uuid, err)
	}
	watcher, err := r.sharedWatcher()
	if err != nil {
		return nil, err
	}

	env := sandbox.Env{
		UUID:      uuid,
		NodeDir:   r.opts.Layout.NodeDir(uuid),
		LogDir:    logDir,
		Record:    rec,
		Runner:    sandbox.NewNodeRunner(r.opts.Exec, r.opts.UUIDEnv, uuid),
		Logger:    r.opts.Logger.Named("sandbox"),
		Publisher: r.opts.Publisher,
		Watch:     watcher.Subscribe,
	}
	sb, err := sandbox.Instantiate(ctx, env, r.opts.Agents...)
	if err != nil {
		return nil, err
	}
	if !r.opts.Registry.add(sb) {
		_ = sb.Shutdown(ctx)
		existing, _ := r.opts.Registry.Get(uuid)
		return existing, nil
	}
	metrics.SandboxTransitions.WithLabelValues("start").Inc()
	return sb, nil
}

// Remove shuts down the sandbox of uuid and drops it from the registry.
func (r *Reconciler) Remove(ctx context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.opts.Registry.remove(uuid)
	if !ok {
		return ErrNotFound
	}
	metrics.SandboxTransitions.WithLabelValues("stop").Inc()
	metrics.Sandboxes.Set(float64(r.opts.Registry.Len()))
	return sb.Shutdown(ctx)
}

// Shutdown stops every sandbox and the shared directory watcher.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, sb := range r.opts.Registry.List() {
		r.opts.Registry.remove(sb.UUID())
		if err := sb.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sb.UUID(), err))
		}
	}
	if err := r.closeWatcher(); err != nil {
		errs = append(errs, fmt.Errorf("watcher: %w", err))
	}
	metrics.Sandboxes.Set(0)
	return errors.Join(errs...)
}

// Watch reconciles whenever the servers root changes (when watching is
// enabled) and every RescanInterval (when set), until ctx ends. Reconcile
// errors are logged.
func (r *Reconciler) Watch(ctx context.Context) error {
	var changed chan struct{}
	if r.opts.Watch {
		if err := os.MkdirAll(r.opts.Layout.Root, 0755); err != nil {
			return fmt.Errorf("failed to create servers root: %w", err)
		}
		w, err := r.sharedWatcher()
		if err != nil {
			return err
		}
		changed = make(chan struct{}, 1)
		root := r.opts.Layout.Root
		unsubscribe, err := w.Subscribe(root, func(ev fsnotify.Event) {
			if !relevant(root, ev) {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("failed to watch servers root: %w", err)
		}
		defer unsubscribe()
	}

	var tick <-chan time.Time
	if r.opts.RescanInterval > 0 {
		ticker := time.NewTicker(r.opts.RescanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if changed == nil && tick == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			r.reconcileAndLog(ctx, "rescan")
		case <-changed:
			r.reconcileAndLog(ctx, "watch")
		}
	}
}

// relevant reports whether ev adds or removes a node directory.
func relevant(root string, ev fsnotify.Event) bool {
	if filepath.Dir(ev.Name) != filepath.Clean(root) {
		return false
	}
	if base := filepath.Base(ev.Name); len(base) > 0 && base[0] == '.' {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func (r *Reconciler) reconcileAndLog(ctx context.Context, trigger string) {
	if _, err := r.Reconcile(ctx); err != nil {
		r.logger.Errorw("Reconcile failed", "trigger", trigger, "error", err)
	}
}
