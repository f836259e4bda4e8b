package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/mockcloud/internal/events"
	"evalgo.org/mockcloud/internal/nodefs"
	"evalgo.org/mockcloud/models"
)

// recordingExec captures every command it is asked to run.
type recordingExec struct {
	mu       sync.Mutex
	commands []Command
}

func (r *recordingExec) exec(_ context.Context, c Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return []byte("ok " + c.Name), nil
}

func (r *recordingExec) all() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testEnv(t *testing.T, uuid string, exec ExecFunc, pub events.Publisher) Env {
	t.Helper()
	dir := filepath.Join(t.TempDir(), uuid)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0755))
	w, err := NewWatcher(zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return Env{
		UUID:      uuid,
		NodeDir:   dir,
		LogDir:    filepath.Join(dir, "logs"),
		Record:    &models.NodeRecord{UUID: uuid, Hostname: "cn-" + uuid},
		Runner:    NewNodeRunner(exec, "MOCKCN_SERVER_UUID", uuid),
		Logger:    zaptest.NewLogger(t).Sugar(),
		Publisher: pub,
		Watch:     w.Subscribe,
	}
}

func TestNodeRunnerTagsCommands(t *testing.T) {
	rec := &recordingExec{}
	a := NewNodeRunner(rec.exec, "MOCKCN_SERVER_UUID", "aaaa")
	b := NewNodeRunner(rec.exec, "MOCKCN_SERVER_UUID", "bbbb")

	_, err := a.Run(context.Background(), "sysinfo")
	require.NoError(t, err)
	_, err = b.Run(context.Background(), "zpool", "list")
	require.NoError(t, err)

	cmds := rec.all()
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"MOCKCN_SERVER_UUID=aaaa"}, cmds[0].Env)
	assert.Equal(t, []string{"MOCKCN_SERVER_UUID=bbbb"}, cmds[1].Env)
	assert.Equal(t, []string{"list"}, cmds[1].Args)
}

func TestHostRunnerIsUntagged(t *testing.T) {
	rec := &recordingExec{}
	_, err := HostRunner(rec.exec).Run(context.Background(), "mdata-get", "datacenter_name")
	require.NoError(t, err)
	assert.Empty(t, rec.all()[0].Env)
}

func TestExecSetsEnvironment(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	r := NewNodeRunner(nil, "MOCKCN_SERVER_UUID", "1234")
	out, err := r.Run(context.Background(), "/bin/sh", "-c", "echo $MOCKCN_SERVER_UUID")
	require.NoError(t, err)
	assert.Equal(t, "1234", strings.TrimSpace(string(out)))
}

func TestInstantiateAndShutdown(t *testing.T) {
	rec := &recordingExec{}
	pub := &eventLog{}
	env := testEnv(t, "node-a", rec.exec, pub)

	sb, err := Instantiate(context.Background(), env,
		NewRegistrationAgent(0),
		NewTaskAgent([][]string{{"sysinfo", "-p"}}),
	)
	require.NoError(t, err)

	state := sb.State()
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, []string{RegistrationAgentName, TaskAgentName}, state.Agents)
	assert.NotNil(t, state.StartedAt)
	assert.Equal(t, 1, pub.count(events.SandboxStarted))
	assert.Equal(t, 1, pub.count(events.NodeRegistered))

	agent, ok := sb.Agent(TaskAgentName)
	require.True(t, ok)
	task := agent.(*TaskAgent)
	select {
	case <-task.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("startup commands did not run")
	}

	cmds := rec.all()
	require.Len(t, cmds, 1)
	assert.Equal(t, "sysinfo", cmds[0].Name)
	assert.Equal(t, []string{"MOCKCN_SERVER_UUID=node-a"}, cmds[0].Env)

	require.NoError(t, sb.Shutdown(context.Background()))
	state = sb.State()
	assert.Equal(t, StatusStopped, state.Status)
	assert.NotNil(t, state.StoppedAt)
	assert.Equal(t, 1, pub.count(events.SandboxStopped))

	// second shutdown is a no-op
	require.NoError(t, sb.Shutdown(context.Background()))
	assert.Equal(t, 1, pub.count(events.SandboxStopped))
}

func TestTaskAgentTranscript(t *testing.T) {
	rec := &recordingExec{}
	env := testEnv(t, "node-b", rec.exec, nil)

	sb, err := Instantiate(context.Background(), env, NewTaskAgent(nil))
	require.NoError(t, err)
	defer sb.Shutdown(context.Background())

	agent, _ := sb.Agent(TaskAgentName)
	out, err := agent.(*TaskAgent).Exec(context.Background(), "imgadm", "list")
	require.NoError(t, err)
	assert.Equal(t, "ok imgadm", string(out))

	data, err := os.ReadFile(filepath.Join(env.LogDir, TaskLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "$ imgadm list")
	assert.Contains(t, string(data), "ok imgadm")
}

func TestSandboxesAreIsolated(t *testing.T) {
	rec := &recordingExec{}
	envA := testEnv(t, "node-a", rec.exec, nil)
	envB := testEnv(t, "node-b", rec.exec, nil)

	a, err := Instantiate(context.Background(), envA, NewTaskAgent(nil))
	require.NoError(t, err)
	defer a.Shutdown(context.Background())
	b, err := Instantiate(context.Background(), envB, NewTaskAgent(nil))
	require.NoError(t, err)
	defer b.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = a.Runner().Run(context.Background(), "x")
		}()
		go func() {
			defer wg.Done()
			_, _ = b.Runner().Run(context.Background(), "y")
		}()
	}
	wg.Wait()

	for _, c := range rec.all() {
		switch c.Name {
		case "x":
			assert.Equal(t, []string{"MOCKCN_SERVER_UUID=node-a"}, c.Env)
		case "y":
			assert.Equal(t, []string{"MOCKCN_SERVER_UUID=node-b"}, c.Env)
		}
	}
}

type stubAgent struct {
	name     string
	startErr error
	stopped  *[]string
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Start(context.Context) error { return s.startErr }

func (s *stubAgent) Stop(context.Context) error {
	*s.stopped = append(*s.stopped, s.name)
	return nil
}

func TestInstantiateFailureStopsStartedAgents(t *testing.T) {
	var stopped []string
	env := testEnv(t, "node-c", (&recordingExec{}).exec, nil)

	_, err := Instantiate(context.Background(), env,
		func(Env) (Agent, error) { return &stubAgent{name: "first", stopped: &stopped}, nil },
		func(Env) (Agent, error) { return &stubAgent{name: "second", stopped: &stopped}, nil },
		func(Env) (Agent, error) {
			return &stubAgent{name: "broken", startErr: errors.New("boom"), stopped: &stopped}, nil
		},
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"second", "first"}, stopped)
}

func TestInstantiateFactoryError(t *testing.T) {
	env := testEnv(t, "node-d", (&recordingExec{}).exec, nil)
	_, err := Instantiate(context.Background(), env, func(Env) (Agent, error) {
		return nil, errors.New("cannot build")
	})
	assert.Error(t, err)
}

func TestInstantiateRequiresUUIDAndRunner(t *testing.T) {
	_, err := Instantiate(context.Background(), Env{Runner: HostRunner(nil)})
	assert.Error(t, err)
	_, err = Instantiate(context.Background(), Env{UUID: "x"})
	assert.Error(t, err)
}

func TestSandboxOutlivesInstantiateContext(t *testing.T) {
	env := testEnv(t, "node-e", (&recordingExec{}).exec, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sb, err := Instantiate(ctx, env, NewRegistrationAgent(0))
	require.NoError(t, err)
	cancel()

	assert.Equal(t, StatusRunning, sb.State().Status)
	require.NoError(t, sb.Shutdown(context.Background()))
}

func TestRegistrationAgentReregistersOnRecordWrite(t *testing.T) {
	pub := &eventLog{}
	env := testEnv(t, "node-f", (&recordingExec{}).exec, pub)

	sb, err := Instantiate(context.Background(), env, NewRegistrationAgent(0))
	require.NoError(t, err)
	defer sb.Shutdown(context.Background())

	agent, _ := sb.Agent(RegistrationAgentName)
	reg := agent.(*RegistrationAgent)
	require.Equal(t, 1, reg.Registrations())

	require.NoError(t, os.WriteFile(filepath.Join(env.NodeDir, nodefs.RecordFile), []byte(`{}`), 0644))

	assert.Eventually(t, func() bool {
		return reg.Registrations() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistrationAgentHeartbeat(t *testing.T) {
	pub := &eventLog{}
	env := testEnv(t, "node-g", (&recordingExec{}).exec, pub)

	sb, err := Instantiate(context.Background(), env, NewRegistrationAgent(10*time.Millisecond))
	require.NoError(t, err)

	agent, _ := sb.Agent(RegistrationAgentName)
	reg := agent.(*RegistrationAgent)
	assert.Eventually(t, func() bool {
		return reg.Heartbeats() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return pub.count(events.NodeHeartbeat) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sb.Shutdown(context.Background()))
	after := reg.Heartbeats()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, reg.Heartbeats(), "no heartbeats after shutdown")
}

func TestRegistrationAgentMissingDir(t *testing.T) {
	env := testEnv(t, "node-h", (&recordingExec{}).exec, nil)
	env.NodeDir = filepath.Join(env.NodeDir, "does-not-exist")

	_, err := Instantiate(context.Background(), env, NewRegistrationAgent(0))
	assert.Error(t, err)
}

func TestRegistrationAgentWithoutWatch(t *testing.T) {
	env := testEnv(t, "node-i", (&recordingExec{}).exec, nil)
	env.Watch = nil

	sb, err := Instantiate(context.Background(), env, NewRegistrationAgent(0))
	require.NoError(t, err)

	agent, _ := sb.Agent(RegistrationAgentName)
	assert.Equal(t, 1, agent.(*RegistrationAgent).Registrations())
	require.NoError(t, sb.Shutdown(context.Background()))
}

func TestRegistrationAgentsShareOneWatcher(t *testing.T) {
	w, err := NewWatcher(zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer w.Close()

	root := t.TempDir()
	logger := zaptest.NewLogger(t).Sugar()
	noop := (&recordingExec{}).exec
	var sandboxes []*Sandbox
	for i := 0; i < 200; i++ {
		uuid := fmt.Sprintf("node-%03d", i)
		env := Env{
			UUID:    uuid,
			NodeDir: filepath.Join(root, uuid),
			Runner:  NewNodeRunner(noop, "MOCKCN_SERVER_UUID", uuid),
			Logger:  logger,
			Watch:   w.Subscribe,
		}
		require.NoError(t, os.MkdirAll(env.NodeDir, 0755))

		sb, err := Instantiate(context.Background(), env, NewRegistrationAgent(0))
		require.NoError(t, err)
		sandboxes = append(sandboxes, sb)
	}
	assert.Equal(t, 200, w.Subscriptions())

	last := sandboxes[len(sandboxes)-1]
	require.NoError(t, os.WriteFile(filepath.Join(root, last.UUID(), nodefs.RecordFile), []byte(`{}`), 0644))
	agent, _ := last.Agent(RegistrationAgentName)
	assert.Eventually(t, func() bool {
		return agent.(*RegistrationAgent).Registrations() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	first, _ := sandboxes[0].Agent(RegistrationAgentName)
	assert.Equal(t, 1, first.(*RegistrationAgent).Registrations())

	for _, sb := range sandboxes {
		require.NoError(t, sb.Shutdown(context.Background()))
	}
	assert.Equal(t, 0, w.Subscriptions())
}

func TestWatcherSubscriptions(t *testing.T) {
	w, err := NewWatcher(zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	dir := t.TempDir()
	var mu sync.Mutex
	var seen []string
	record := func(tag string) func(fsnotify.Event) {
		return func(ev fsnotify.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, tag+":"+filepath.Base(ev.Name))
		}
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}

	stopA, err := w.Subscribe(dir, record("a"))
	require.NoError(t, err)
	stopB, err := w.Subscribe(dir, record("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, w.Subscriptions())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), nil, 0644))
	require.Eventually(t, func() bool { return count() >= 2 }, 5*time.Second, 10*time.Millisecond)

	stopA()
	stopA()
	assert.Equal(t, 1, w.Subscriptions())
	stopB()
	assert.Equal(t, 0, w.Subscriptions())

	_, err = w.Subscribe(filepath.Join(dir, "missing"), record("c"))
	assert.Error(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err = w.Subscribe(dir, record("d"))
	assert.ErrorIs(t, err, ErrWatcherClosed)
}
