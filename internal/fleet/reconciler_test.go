package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/mockcloud/internal/nodefs"
	"evalgo.org/mockcloud/internal/sandbox"
	"evalgo.org/mockcloud/models"
)

// tracker records agent lifecycles across sandboxes.
type tracker struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
	failFor map[string]bool
}

func newTracker() *tracker {
	return &tracker{started: map[string]int{}, stopped: map[string]int{}, failFor: map[string]bool{}}
}

func (tr *tracker) factory(env sandbox.Env) (sandbox.Agent, error) {
	return &trackedAgent{tr: tr, uuid: env.UUID}, nil
}

func (tr *tracker) counts(uuid string) (int, int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.started[uuid], tr.stopped[uuid]
}

type trackedAgent struct {
	tr   *tracker
	uuid string
}

func (a *trackedAgent) Name() string { return "tracked" }

func (a *trackedAgent) Start(context.Context) error {
	a.tr.mu.Lock()
	defer a.tr.mu.Unlock()
	if a.tr.failFor[a.uuid] {
		return errors.New("refusing to start")
	}
	a.tr.started[a.uuid]++
	return nil
}

func (a *trackedAgent) Stop(context.Context) error {
	a.tr.mu.Lock()
	defer a.tr.mu.Unlock()
	a.tr.stopped[a.uuid]++
	return nil
}

func noopExec(context.Context, sandbox.Command) ([]byte, error) { return nil, nil }

func newTestReconciler(t *testing.T, tr *tracker) (*Reconciler, nodefs.Layout) {
	t.Helper()
	layout := nodefs.Layout{Root: filepath.Join(t.TempDir(), "servers")}
	r := NewReconciler(ReconcilerOptions{
		Layout:  layout,
		Agents:  []sandbox.Factory{tr.factory},
		Exec:    noopExec,
		UUIDEnv: "MOCKCN_SERVER_UUID",
		Logger:  zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, layout
}

func writeNode(t *testing.T, layout nodefs.Layout, id string) {
	t.Helper()
	require.NoError(t, layout.Write(&models.NodeRecord{UUID: id, Hostname: "cn-" + id}))
}

func TestReconcile_MissingRoot(t *testing.T) {
	r, _ := newTestReconciler(t, newTracker())
	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Started)
	assert.Equal(t, 0, r.Registry().Len())
}

func TestReconcile_StartsAndStops(t *testing.T) {
	tr := newTracker()
	r, layout := newTestReconciler(t, tr)
	writeNode(t, layout, "A")
	writeNode(t, layout, "B")

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, report.Started)
	assert.Equal(t, 2, r.Registry().Len())

	require.NoError(t, os.RemoveAll(layout.NodeDir("B")))

	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Started)
	assert.Equal(t, []string{"B"}, report.Stopped)

	_, okA := r.Registry().Get("A")
	_, okB := r.Registry().Get("B")
	assert.True(t, okA)
	assert.False(t, okB)

	startedA, stoppedA := tr.counts("A")
	startedB, stoppedB := tr.counts("B")
	assert.Equal(t, 1, startedA, "A is not restarted")
	assert.Equal(t, 0, stoppedA)
	assert.Equal(t, 1, startedB)
	assert.Equal(t, 1, stoppedB)
}

func TestReconcile_Idempotent(t *testing.T) {
	tr := newTracker()
	r, layout := newTestReconciler(t, tr)
	writeNode(t, layout, "A")

	for i := 0; i < 3; i++ {
		_, err := r.Reconcile(context.Background())
		require.NoError(t, err)
	}
	started, _ := tr.counts("A")
	assert.Equal(t, 1, started)
}

func TestReconcile_CreatesLogDir(t *testing.T) {
	r, layout := newTestReconciler(t, newTracker())
	require.NoError(t, os.MkdirAll(layout.NodeDir("hand"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.NodeDir("hand"), nodefs.RecordFile), []byte(`{"UUID":"hand"}`), 0644))

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.DirExists(t, layout.LogDir("hand"))
}

func TestReconcile_AttemptsEveryEntry(t *testing.T) {
	tr := newTracker()
	tr.failFor["B"] = true
	r, layout := newTestReconciler(t, tr)
	writeNode(t, layout, "A")
	writeNode(t, layout, "B")
	writeNode(t, layout, "C")

	report, err := r.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"A", "C"}, report.Started)
	assert.Contains(t, report.Failed, "B")
	assert.Equal(t, 2, r.Registry().Len())

	// a later pass retries the failed node
	delete(tr.failFor, "B")
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.Started)
}

func TestReconcile_UnreadableRecord(t *testing.T) {
	r, layout := newTestReconciler(t, newTracker())
	require.NoError(t, os.MkdirAll(layout.NodeDir("empty"), 0755))

	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, r.Registry().Len())
}

func TestEnsureAndRemove(t *testing.T) {
	tr := newTracker()
	r, layout := newTestReconciler(t, tr)
	writeNode(t, layout, "A")

	sb, err := r.Ensure(context.Background(), "A")
	require.NoError(t, err)
	again, err := r.Ensure(context.Background(), "A")
	require.NoError(t, err)
	assert.Same(t, sb, again)

	require.NoError(t, r.Remove(context.Background(), "A"))
	assert.ErrorIs(t, r.Remove(context.Background(), "A"), ErrNotFound)
	_, stopped := tr.counts("A")
	assert.Equal(t, 1, stopped)
}

func TestShutdownStopsAll(t *testing.T) {
	tr := newTracker()
	r, layout := newTestReconciler(t, tr)
	writeNode(t, layout, "A")
	writeNode(t, layout, "B")
	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.Registry().Len())
	_, a := tr.counts("A")
	_, b := tr.counts("B")
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestWatchReactsToNewDirectories(t *testing.T) {
	tr := newTracker()
	layout := nodefs.Layout{Root: filepath.Join(t.TempDir(), "servers")}
	r := NewReconciler(ReconcilerOptions{
		Layout: layout,
		Agents: []sandbox.Factory{tr.factory},
		Exec:   noopExec,
		Logger: zaptest.NewLogger(t).Sugar(),
		Watch:  true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// wait for the watch to create the root
	require.Eventually(t, func() bool {
		_, err := os.Stat(layout.Root)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeNode(t, layout, "A")
	assert.Eventually(t, func() bool {
		_, ok := r.Registry().Get("A")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.RemoveAll(layout.NodeDir("A")))
	assert.Eventually(t, func() bool {
		return r.Registry().Len() == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestWatchPeriodicRescan(t *testing.T) {
	tr := newTracker()
	layout := nodefs.Layout{Root: filepath.Join(t.TempDir(), "servers")}
	r := NewReconciler(ReconcilerOptions{
		Layout:         layout,
		Agents:         []sandbox.Factory{tr.factory},
		Exec:           noopExec,
		Logger:         zaptest.NewLogger(t).Sugar(),
		RescanInterval: 20 * time.Millisecond,
	})
	writeNode(t, layout, "A")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	assert.Eventually(t, func() bool {
		return r.Registry().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestReconcile_LargeFleetWithRegistrationAgents(t *testing.T) {
	layout := nodefs.Layout{Root: filepath.Join(t.TempDir(), "servers")}
	r := NewReconciler(ReconcilerOptions{
		Layout:      layout,
		Agents:      []sandbox.Factory{sandbox.NewRegistrationAgent(0)},
		Exec:        noopExec,
		UUIDEnv:     "MOCKCN_SERVER_UUID",
		Logger:      zaptest.NewLogger(t).Sugar(),
		Concurrency: 16,
	})

	const fleetSize = 200
	for i := 0; i < fleetSize; i++ {
		writeNode(t, layout, fmt.Sprintf("cn-%03d", i))
	}

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	assert.Len(t, report.Started, fleetSize)
	assert.Equal(t, fleetSize, report.Running)

	last := fmt.Sprintf("cn-%03d", fleetSize-1)
	sb, ok := r.Registry().Get(last)
	require.True(t, ok)
	agent, _ := sb.Agent(sandbox.RegistrationAgentName)
	reg := agent.(*sandbox.RegistrationAgent)
	require.NoError(t, os.WriteFile(filepath.Join(layout.NodeDir(last), nodefs.RecordFile), []byte(`{"UUID":"`+last+`"}`), 0644))
	assert.Eventually(t, func() bool {
		return reg.Registrations() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 0, r.Registry().Len())

	// the reconciler can start again after a shutdown
	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fleetSize, report.Running)
	require.NoError(t, r.Shutdown(context.Background()))
}
