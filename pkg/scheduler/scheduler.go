package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Request is one run: the unit set, the contexts hosting it and how it completes.
// Deadline is required in bootstrap mode and ignored in continuous mode.
type Request struct {
	Units    []units.Unit
	Contexts []execcontext.Spec
	Mode     Mode
	Deadline time.Duration
}

// CheckBuilder turns a daemon's probe configuration into a check
type CheckBuilder func(unit units.Unit, target probe.Target) (probe.CheckFunc, error)

const DefaultTeardownTimeout = 30 * time.Second

type Options struct {
	Backend        process.Backend
	ContextManager execcontext.Manager
	Observer       Observer
	Logger         logging.Logger
	ProbeDefaults  probe.Policy
	// CheckBuilder defaults to probe.Build over the unit's probe config
	CheckBuilder CheckBuilder
	// TeardownTimeout bounds stopping daemons and destroying contexts
	TeardownTimeout time.Duration
}

func defaultCheckBuilder(unit units.Unit, target probe.Target) (probe.CheckFunc, error) {
	if unit.Probe == nil {
		return nil, errors.NewValidationError("daemon has no readiness probe", nil).WithContext("unit_id", unit.ID)
	}
	return probe.Build(*unit.Probe, target)
}

// Start validates the request and launches the run in the background. Static
// errors (invalid units, unknown or cyclic requires, unknown contexts) are
// returned before any context is created or process started. Cancelling ctx
// tears the run down.
func Start(ctx context.Context, request Request, options Options) (*RunHandle, error) {
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}
	g, specs, err := ValidateRequest(request)
	if err != nil {
		return nil, err
	}

	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}
	if options.Observer == nil {
		options.Observer = NopObserver{}
	}
	if options.CheckBuilder == nil {
		options.CheckBuilder = defaultCheckBuilder
	}
	if options.TeardownTimeout == 0 {
		options.TeardownTimeout = DefaultTeardownTimeout
	}

	id := uuid.NewString()
	handle := &RunHandle{
		id:     id,
		mode:   request.Mode,
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}

	r := newRun(handle, request, options, g, specs)
	handle.snapshot = r.buildSnapshot(PhaseRunning)

	r.logger.Infof("Starting run, id: %s, mode: %s, units: %d, contexts: %d", id, request.Mode, g.Len(), len(specs))

	go r.loop(ctx)
	return handle, nil
}

// RunUntilSuccess runs the request in bootstrap mode and blocks until the run
// has finished and been torn down
func RunUntilSuccess(ctx context.Context, request Request, options Options) error {
	request.Mode = ModeBootstrap
	handle, err := Start(ctx, request, options)
	if err != nil {
		return err
	}
	<-handle.Done()
	return handle.Err()
}

// RunHandle is the caller's view of a started run
type RunHandle struct {
	id   string
	mode Mode

	mutex    sync.RWMutex
	snapshot Snapshot
	err      error

	done     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

func (h *RunHandle) ID() string {
	return h.id
}

func (h *RunHandle) Mode() Mode {
	return h.mode
}

// Status returns a copy of the current run state
func (h *RunHandle) Status() Snapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.snapshot.clone()
}

// Done is closed once the run has finished and every context was destroyed
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Err is the run outcome; it is nil while the run is in progress
func (h *RunHandle) Err() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.err
}

// Wait blocks until the run is done and returns its outcome
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return errors.NewCancelledError("wait for run cancelled", ctx.Err()).WithContext("run_id", h.id)
	}
}

// Stop requests teardown and waits for it. It is safe to call repeatedly.
func (h *RunHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("run did not stop in time", ctx.Err()).WithContext("run_id", h.id)
	}
}

func (h *RunHandle) publish(snapshot Snapshot) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.snapshot = snapshot
}

func (h *RunHandle) finish(snapshot Snapshot, err error) {
	h.mutex.Lock()
	h.snapshot = snapshot
	h.err = err
	h.mutex.Unlock()
	close(h.done)
}
