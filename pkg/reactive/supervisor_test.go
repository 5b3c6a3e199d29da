package reactive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/store"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// daemonBackend spawns fake daemons that run until stopped and records their env
type daemonBackend struct {
	mutex sync.Mutex
	envs  [][]string
}

func (b *daemonBackend) Run(ctx context.Context, host process.Host, cmd process.Command) (process.Result, error) {
	return process.Result{}, nil
}

func (b *daemonBackend) Spawn(ctx context.Context, host process.Host, cmd process.Command) (process.Handle, error) {
	b.mutex.Lock()
	b.envs = append(b.envs, append([]string(nil), cmd.Env...))
	b.mutex.Unlock()
	return &daemonHandle{done: make(chan struct{})}, nil
}

func (b *daemonBackend) spawnedEnvs() [][]string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([][]string(nil), b.envs...)
}

type daemonHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *daemonHandle) Pid() int              { return 4242 }
func (h *daemonHandle) Done() <-chan struct{} { return h.done }
func (h *daemonHandle) ExitCode() int         { return 0 }
func (h *daemonHandle) Err() error            { return nil }
func (h *daemonHandle) Stderr() string        { return "" }
func (h *daemonHandle) Probe() probe.Result   { return probe.Ready("running") }

func (h *daemonHandle) Stop(ctx context.Context) error {
	h.once.Do(func() { close(h.done) })
	return nil
}

type orderedManager struct {
	inner execcontext.Manager
	mutex sync.Mutex
	log   []string
}

func (m *orderedManager) Create(ctx context.Context, spec execcontext.Spec) (*execcontext.Context, error) {
	c, err := m.inner.Create(ctx, spec)
	if err == nil {
		m.record("create:" + spec.ID)
	}
	return c, err
}

func (m *orderedManager) Destroy(ctx context.Context, c *execcontext.Context) error {
	err := m.inner.Destroy(ctx, c)
	m.record("destroy:" + c.ID())
	return err
}

func (m *orderedManager) record(entry string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.log = append(m.log, entry)
}

func (m *orderedManager) entries() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.log...)
}

type fixture struct {
	store     *store.MemoryStore
	backend   *daemonBackend
	manager   *orderedManager
	builds    int
	buildMu   sync.Mutex
	rebuildCh chan int
}

func newFixture(t *testing.T) *fixture {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "volumes"), 0755))
	return &fixture{
		store:   store.NewMemoryStore("config", map[string]any{"secretKey": "a", "other": 1}),
		backend: &daemonBackend{},
		manager: &orderedManager{inner: execcontext.NewLocalManager(execcontext.Options{
			RuntimeDir: filepath.Join(base, "run"),
			VolumesDir: filepath.Join(base, "volumes"),
		}, logging.NewNopLogger())},
		rebuildCh: make(chan int, 16),
	}
}

func (f *fixture) build(values Values) (scheduler.Request, error) {
	f.buildMu.Lock()
	f.builds++
	f.buildMu.Unlock()

	secret, _ := values["secret"].(string)
	if secret == "bad" {
		return scheduler.Request{}, errors.NewValidationError("secret rejected", nil)
	}

	args := []string{"/usr/bin/api"}
	if secret == "cyclic" {
		return scheduler.Request{
			Units: []units.Unit{
				{ID: "x", Kind: units.KindOneshot, ContextRef: "main", Command: units.Command{Args: args}, Requires: []string{"y"}},
				{ID: "y", Kind: units.KindOneshot, ContextRef: "main", Command: units.Command{Args: args}, Requires: []string{"x"}},
			},
			Contexts: []execcontext.Spec{{ID: "main"}},
		}, nil
	}

	return scheduler.Request{
		Units: []units.Unit{{
			ID:         "api",
			Kind:       units.KindDaemon,
			ContextRef: "main",
			Command:    units.Command{Args: args, Env: map[string]string{"SECRET_KEY": secret}},
			Probe:      &probe.Config{Type: probe.TypeNone},
		}},
		Contexts: []execcontext.Spec{{ID: "main"}},
	}, nil
}

func (f *fixture) start(ctx context.Context, request scheduler.Request) (*scheduler.RunHandle, error) {
	return scheduler.Start(ctx, request, scheduler.Options{
		Backend:        f.backend,
		ContextManager: f.manager,
		Logger:         logging.NewNopLogger(),
		ProbeDefaults:  probe.Policy{Interval: 10 * time.Millisecond, Deadline: time.Second},
	})
}

func (f *fixture) supervisor(t *testing.T) *Supervisor {
	s, err := NewSupervisor(
		[]Binding{{ID: "secret", Source: f.store, Projection: Path("secretKey")}},
		f.build, f.start,
		Options{
			CoalesceWindow: 30 * time.Millisecond,
			Logger:         logging.NewNopLogger(),
			OnRebuild:      func(count int, changed []string) { f.rebuildCh <- count },
		})
	require.NoError(t, err)
	return s
}

// settle waits long enough for any notification to have been coalesced and handled
func settle() {
	time.Sleep(150 * time.Millisecond)
}

func TestSupervisor_RebuildsOnlyOnProjectionChange(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	first := s.Current()
	require.NotNil(t, first)
	require.Eventually(t, func() bool {
		u, _ := first.Status().Unit("api")
		return u.State == scheduler.StateReady
	}, 2*time.Second, 5*time.Millisecond)

	// Unrelated field: no rebuild
	f.store.Set("other", 2)
	settle()
	assert.Equal(t, 0, s.Rebuilds())
	assert.Equal(t, first.ID(), s.Current().ID())
	assert.Equal(t, []string{"create:main"}, f.manager.entries())

	// Projected field: exactly one rebuild, old context destroyed before the new one exists
	f.store.Set("secretKey", "b")
	select {
	case count := <-f.rebuildCh:
		assert.Equal(t, 1, count)
	case <-time.After(2 * time.Second):
		t.Fatal("no rebuild after projected value changed")
	}
	second := s.Current()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, scheduler.PhaseStopped, first.Status().Phase)

	require.Eventually(t, func() bool {
		u, _ := second.Status().Unit("api")
		return u.State == scheduler.StateReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"create:main", "destroy:main", "create:main"}, f.manager.entries())

	envs := f.backend.spawnedEnvs()
	require.Len(t, envs, 2)
	assert.Contains(t, envs[1], "SECRET_KEY=b")
	assert.Equal(t, Values{"secret": "b"}, s.Values())
}

func TestSupervisor_CoalescesBursts(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	for i := 0; i < 5; i++ {
		f.store.Set("secretKey", fmt.Sprintf("v%d", i))
		f.store.Set("other", i)
	}

	select {
	case <-f.rebuildCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no rebuild after burst")
	}
	settle()

	assert.Equal(t, 1, s.Rebuilds())
	assert.Equal(t, Values{"secret": "v4"}, s.Values())
}

func TestSupervisor_SameValueAgainDoesNotRebuild(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	f.store.Set("secretKey", "a")
	f.store.Update(map[string]any{"secretKey": "a", "other": 99})
	settle()

	assert.Equal(t, 0, s.Rebuilds())
}

func TestSupervisor_InvalidPlanKeepsCurrentRun(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		check  func(error) bool
	}{
		{name: "build_error", secret: "bad", check: errors.IsValidationError},
		{name: "cyclic_plan", secret: "cyclic", check: errors.IsCyclicDependencyError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.supervisor(t)

			require.NoError(t, s.Start(context.Background()))
			defer s.Stop(context.Background())
			first := s.Current()

			f.store.Set("secretKey", tt.secret)
			require.Eventually(t, func() bool { return s.LastError() != nil }, 2*time.Second, 5*time.Millisecond)

			assert.True(t, tt.check(s.LastError()))
			assert.Equal(t, 0, s.Rebuilds())
			assert.Equal(t, first.ID(), s.Current().ID())
			assert.Equal(t, scheduler.PhaseRunning, first.Status().Phase)
			assert.Equal(t, Values{"secret": "a"}, s.Values())

			// A later valid change rebuilds and clears the error
			f.store.Set("secretKey", "good")
			select {
			case <-f.rebuildCh:
			case <-time.After(2 * time.Second):
				t.Fatal("no rebuild after valid change")
			}
			assert.NoError(t, s.LastError())
			assert.Equal(t, Values{"secret": "good"}, s.Values())
		})
	}
}

func TestSupervisor_FailedRebuildKeepsPendingBindings(t *testing.T) {
	f := newFixture(t)
	modes := store.NewMemoryStore("modes", map[string]any{"mode": "strict"})

	build := func(values Values) (scheduler.Request, error) {
		if values["secret"] == "pending" && values["mode"] == "strict" {
			return scheduler.Request{}, errors.NewValidationError("pending secret needs relaxed mode", nil)
		}
		return f.build(values)
	}
	s, err := NewSupervisor(
		[]Binding{
			{ID: "secret", Source: f.store, Projection: Path("secretKey")},
			{ID: "mode", Source: modes, Projection: Path("mode")},
		},
		build, f.start,
		Options{
			CoalesceWindow: 30 * time.Millisecond,
			Logger:         logging.NewNopLogger(),
			OnRebuild:      func(count int, changed []string) { f.rebuildCh <- count },
		})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	f.store.Set("secretKey", "pending")
	require.Eventually(t, func() bool { return s.LastError() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Values{"secret": "a", "mode": "strict"}, s.Values())

	// Only the second source notifies, the rebuild still sees the first one's change
	modes.Set("mode", "relaxed")
	select {
	case <-f.rebuildCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no rebuild after second binding changed")
	}

	assert.NoError(t, s.LastError())
	assert.Equal(t, Values{"secret": "pending", "mode": "relaxed"}, s.Values())
	envs := f.backend.spawnedEnvs()
	require.Len(t, envs, 2)
	assert.Contains(t, envs[1], "SECRET_KEY=pending")
}

// changingSource changes its value while the first read is in flight
type changingSource struct {
	mutex     sync.Mutex
	value     string
	next      string
	listeners map[int]func()
	nextID    int
}

func (c *changingSource) Name() string { return "changing" }

func (c *changingSource) Read(ctx context.Context) (any, error) {
	c.mutex.Lock()
	value := c.value
	var notify []func()
	if c.next != "" {
		c.value, c.next = c.next, ""
		for _, fn := range c.listeners {
			notify = append(notify, fn)
		}
	}
	c.mutex.Unlock()

	for _, fn := range notify {
		fn()
	}
	return value, nil
}

func (c *changingSource) Subscribe(ctx context.Context, notify func()) (func(), error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[int]func())
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = notify
	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.listeners, id)
	}, nil
}

func TestSupervisor_ChangeDuringStartIsNotLost(t *testing.T) {
	f := newFixture(t)
	source := &changingSource{value: "a", next: "b"}

	s, err := NewSupervisor(
		[]Binding{{ID: "secret", Source: source}},
		f.build, f.start,
		Options{
			CoalesceWindow: 30 * time.Millisecond,
			Logger:         logging.NewNopLogger(),
			OnRebuild:      func(count int, changed []string) { f.rebuildCh <- count },
		})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	select {
	case count := <-f.rebuildCh:
		assert.Equal(t, 1, count)
	case <-time.After(2 * time.Second):
		t.Fatal("change made during the initial evaluation was lost")
	}
	assert.Equal(t, Values{"secret": "b"}, s.Values())
}

func TestSupervisor_StopTearsDown(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	run := s.Current()

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	assert.Nil(t, s.Current())
	assert.Equal(t, scheduler.PhaseStopped, run.Status().Phase)
	assert.Equal(t, []string{"create:main", "destroy:main"}, f.manager.entries())
	assert.Equal(t, 0, f.store.SubscriberCount())

	f.store.Set("secretKey", "after-stop")
	settle()
	assert.Equal(t, 0, s.Rebuilds())
}

func TestSupervisor_StartTwice(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.True(t, errors.IsConflictError(s.Start(context.Background())))
}

func TestSupervisor_InitialBuildFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Set("secretKey", "bad")
	s := f.supervisor(t)

	err := s.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, f.store.SubscriberCount())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestNewSupervisor_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := NewSupervisor([]Binding{{ID: "a"}}, f.build, f.start, Options{})
	assert.Error(t, err)

	_, err = NewSupervisor(nil, nil, f.start, Options{})
	assert.Error(t, err)
}

func TestSupervisor_Report(t *testing.T) {
	f := newFixture(t)
	s := f.supervisor(t)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	report := s.Report()
	assert.Equal(t, []string{"secret"}, report.Bindings)
	assert.Equal(t, 0, report.Rebuilds)
	assert.Empty(t, report.LastError)
	assert.Equal(t, s.Current().ID(), report.RunID)

	f.store.Set("secretKey", "bad")
	require.Eventually(t, func() bool { return s.Report().LastError != "" }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, s.Report().LastError, "secretKey")
}
