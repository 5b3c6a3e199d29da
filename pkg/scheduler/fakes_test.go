package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// behavior scripts what the fake backend does for one unit
type behavior struct {
	delay    time.Duration
	exitCode int
	stderr   string
	startErr error
	// exitAfter makes a daemon exit on its own; zero runs until stopped
	exitAfter time.Duration
}

type fakeBackend struct {
	mutex     sync.Mutex
	behaviors map[string]behavior
	log       []string
	spawns    map[string]int
	nextPid   int
}

func newFakeBackend(behaviors map[string]behavior) *fakeBackend {
	return &fakeBackend{
		behaviors: behaviors,
		spawns:    make(map[string]int),
		nextPid:   1000,
	}
}

func (b *fakeBackend) record(entry string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.log = append(b.log, entry)
}

func (b *fakeBackend) entries() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.log...)
}

func (b *fakeBackend) started(unitID string) bool {
	for _, e := range b.entries() {
		if e == "start:"+unitID {
			return true
		}
	}
	return false
}

func (b *fakeBackend) index(entry string) int {
	for i, e := range b.entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (b *fakeBackend) behavior(unitID string) behavior {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.behaviors[unitID]
}

func (b *fakeBackend) Run(ctx context.Context, host process.Host, cmd process.Command) (process.Result, error) {
	bh := b.behavior(cmd.UnitID)
	if bh.startErr != nil {
		return process.Result{ExitCode: -1}, bh.startErr
	}
	if _, err := os.Stat(host.Root()); err != nil {
		return process.Result{ExitCode: -1}, errors.NewProcessError("context root missing", err)
	}

	b.record("start:" + cmd.UnitID)
	select {
	case <-time.After(bh.delay):
	case <-ctx.Done():
		b.record("cancel:" + cmd.UnitID)
		return process.Result{ExitCode: -1}, errors.NewCancelledError("process cancelled", ctx.Err())
	}
	b.record("end:" + cmd.UnitID)
	return process.Result{ExitCode: bh.exitCode, Stderr: bh.stderr}, nil
}

func (b *fakeBackend) Spawn(ctx context.Context, host process.Host, cmd process.Command) (process.Handle, error) {
	bh := b.behavior(cmd.UnitID)
	if bh.startErr != nil {
		return nil, bh.startErr
	}

	b.mutex.Lock()
	b.nextPid++
	pid := b.nextPid
	b.spawns[cmd.UnitID]++
	b.log = append(b.log, "start:"+cmd.UnitID)
	b.mutex.Unlock()

	h := &fakeHandle{backend: b, unitID: cmd.UnitID, pid: pid, exitCode: bh.exitCode, stderr: bh.stderr, done: make(chan struct{})}
	if bh.exitAfter > 0 {
		go func() {
			time.Sleep(bh.exitAfter)
			h.exit("exit:" + cmd.UnitID)
		}()
	}
	return h, nil
}

func (b *fakeBackend) spawnCount(unitID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.spawns[unitID]
}

type fakeHandle struct {
	backend  *fakeBackend
	unitID   string
	pid      int
	exitCode int
	stderr   string
	once     sync.Once
	done     chan struct{}
}

func (h *fakeHandle) exit(entry string) {
	h.once.Do(func() {
		h.backend.record(entry)
		close(h.done)
	})
}

func (h *fakeHandle) Pid() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitCode() int         { return h.exitCode }
func (h *fakeHandle) Err() error            { return nil }
func (h *fakeHandle) Stderr() string        { return h.stderr }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.exit("stop:" + h.unitID)
	return nil
}

func (h *fakeHandle) Probe() probe.Result {
	select {
	case <-h.done:
		return probe.Fatal(fmt.Sprintf("process exited with code %d", h.exitCode))
	default:
		return probe.Ready("running")
	}
}

// recordingManager wraps the local context manager and records create/destroy order
type recordingManager struct {
	inner execcontext.Manager

	mutex sync.Mutex
	log   []string
	live  map[string]bool
}

func newRecordingManager(t *testing.T) (*recordingManager, string) {
	base := t.TempDir()
	runtimeDir := filepath.Join(base, "run")
	volumesDir := filepath.Join(base, "volumes")
	require.NoError(t, os.MkdirAll(filepath.Join(volumesDir, "data"), 0755))

	return &recordingManager{
		inner: execcontext.NewLocalManager(execcontext.Options{
			RuntimeDir:      runtimeDir,
			VolumesDir:      volumesDir,
			GracefulTimeout: time.Second,
		}, logging.NewNopLogger()),
		live: make(map[string]bool),
	}, runtimeDir
}

func (m *recordingManager) Create(ctx context.Context, spec execcontext.Spec) (*execcontext.Context, error) {
	c, err := m.inner.Create(ctx, spec)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err != nil {
		m.log = append(m.log, "create-failed:"+spec.ID)
		return nil, err
	}
	m.log = append(m.log, "create:"+spec.ID)
	m.live[c.Root()] = true
	return c, nil
}

func (m *recordingManager) Destroy(ctx context.Context, c *execcontext.Context) error {
	err := m.inner.Destroy(ctx, c)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.log = append(m.log, "destroy:"+c.ID())
	delete(m.live, c.Root())
	return err
}

func (m *recordingManager) entries() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.log...)
}

func (m *recordingManager) liveCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.live)
}

// scriptedChecks answers probes per unit from a list of results; the last one repeats
type scriptedChecks struct {
	mutex    sync.Mutex
	scripts  map[string][]probe.Result
	attempts map[string]int
}

func newScriptedChecks(scripts map[string][]probe.Result) *scriptedChecks {
	return &scriptedChecks{scripts: scripts, attempts: make(map[string]int)}
}

func (s *scriptedChecks) build(unit units.Unit, target probe.Target) (probe.CheckFunc, error) {
	return func(ctx context.Context) probe.Result {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		script := s.scripts[unit.ID]
		if len(script) == 0 {
			return probe.Ready("ok")
		}
		i := s.attempts[unit.ID]
		s.attempts[unit.ID]++
		if i >= len(script) {
			i = len(script) - 1
		}
		return script[i]
	}, nil
}

type transition struct {
	unitID string
	from   State
	to     State
	at     time.Time
}

type recordingObserver struct {
	mutex       sync.Mutex
	transitions []transition
	attempts    map[string]int
	finished    []Phase
	started     []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{attempts: make(map[string]int)}
}

func (o *recordingObserver) RunStarted(snapshot Snapshot) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.started = append(o.started, snapshot.RunID)
}

func (o *recordingObserver) UnitTransition(runID, unitID string, kind units.Kind, from, to State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.transitions = append(o.transitions, transition{unitID: unitID, from: from, to: to, at: time.Now()})
}

func (o *recordingObserver) ProbeAttempt(runID, unitID string, attempt int, result probe.Result) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.attempts[unitID] = attempt
}

func (o *recordingObserver) RunFinished(runID string, mode Mode, phase Phase, duration time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.finished = append(o.finished, phase)
}

// when returns the time and position of the first transition of unitID into state, or -1
func (o *recordingObserver) when(unitID string, to State) (time.Time, int) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	for i, tr := range o.transitions {
		if tr.unitID == unitID && tr.to == to {
			return tr.at, i
		}
	}
	return time.Time{}, -1
}

func (o *recordingObserver) startedRuns() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]string(nil), o.started...)
}

func (o *recordingObserver) finishedPhases() []Phase {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]Phase(nil), o.finished...)
}

func oneshot(id, ctx string, requires ...string) units.Unit {
	return units.Unit{
		ID:         id,
		Kind:       units.KindOneshot,
		ContextRef: ctx,
		Command:    units.Command{Args: []string{"/bin/true"}},
		Requires:   requires,
	}
}

func daemon(id, ctx string, requires ...string) units.Unit {
	label := "Service " + id
	return units.Unit{
		ID:           id,
		Kind:         units.KindDaemon,
		ContextRef:   ctx,
		Command:      units.Command{Args: []string{"/usr/bin/daemon"}},
		Requires:     requires,
		Probe:        &probe.Config{Type: probe.TypeNone},
		DisplayLabel: &label,
	}
}

type harness struct {
	backend    *fakeBackend
	manager    *recordingManager
	runtimeDir string
	checks     *scriptedChecks
	observer   *recordingObserver
}

func newHarness(t *testing.T, behaviors map[string]behavior, scripts map[string][]probe.Result) *harness {
	manager, runtimeDir := newRecordingManager(t)
	return &harness{
		backend:    newFakeBackend(behaviors),
		manager:    manager,
		runtimeDir: runtimeDir,
		checks:     newScriptedChecks(scripts),
		observer:   newRecordingObserver(),
	}
}

func (h *harness) options() Options {
	return Options{
		Backend:        h.backend,
		ContextManager: h.manager,
		Observer:       h.observer,
		Logger:         logging.NewNopLogger(),
		ProbeDefaults: probe.Policy{
			Interval: 20 * time.Millisecond,
			Deadline: 2 * time.Second,
		},
		CheckBuilder:    h.checks.build,
		TeardownTimeout: 5 * time.Second,
	}
}

func (h *harness) runtimeEntries(t *testing.T) []os.DirEntry {
	entries, err := os.ReadDir(h.runtimeDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

var mainContext = execcontext.Spec{ID: "main"}
