package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/reactive"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// OrchestratorState represents the current state of the orchestrator
type OrchestratorState string

const (
	// OrchestratorStateNotStarted is the state before the first run
	OrchestratorStateNotStarted OrchestratorState = "not_started"

	// OrchestratorStateRunning means runs can be started and are being tracked
	OrchestratorStateRunning OrchestratorState = "running"

	// OrchestratorStateStopping means teardown is in progress
	OrchestratorStateStopping OrchestratorState = "stopping"

	// OrchestratorStateStopped is final
	OrchestratorStateStopped OrchestratorState = "stopped"
)

type Options struct {
	Scheduler            scheduler.Options
	ForceShutdownTimeout time.Duration
	CoalesceWindow       time.Duration
	// OnRebuild is called after every successful reactive rebuild
	OnRebuild func(count int, changed []string)
}

// Orchestrator tracks one run at a time: a bootstrap run driven to
// completion, or a continuous run kept in line with its bindings.
type Orchestrator struct {
	options Options
	logger  logging.Logger

	mutex      sync.Mutex
	state      OrchestratorState
	current    *scheduler.RunHandle
	supervisor *reactive.Supervisor
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewOrchestrator(options Options, logger logging.Logger) (*Orchestrator, error) {
	if err := scheduler.ValidateOptions(options.Scheduler); err != nil {
		return nil, errors.NewValidationError("invalid scheduler options", err)
	}
	if options.ForceShutdownTimeout <= 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if options.Scheduler.Logger == nil {
		options.Scheduler.Logger = logger
	}

	return &Orchestrator{
		options: options,
		logger:  logger,
		state:   OrchestratorStateNotStarted,
		done:    make(chan struct{}),
	}, nil
}

// StartRun launches a run in the background. Static errors are returned before
// anything is created. Only one run is tracked at a time.
func (o *Orchestrator) StartRun(ctx context.Context, unitList []units.Unit, contexts []execcontext.Spec, mode scheduler.Mode, deadline time.Duration) (*scheduler.RunHandle, error) {
	return o.start(ctx, scheduler.Request{
		Units:    unitList,
		Contexts: contexts,
		Mode:     mode,
		Deadline: deadline,
	})
}

func (o *Orchestrator) start(ctx context.Context, request scheduler.Request) (*scheduler.RunHandle, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.state == OrchestratorStateStopping || o.state == OrchestratorStateStopped {
		return nil, errors.NewConflictError("orchestrator is shutting down", nil).WithContext("state", string(o.state))
	}
	if o.current != nil && !isDone(o.current) {
		return nil, errors.NewConflictError("a run is already in progress", nil).WithContext("run_id", o.current.ID())
	}

	handle, err := scheduler.Start(ctx, request, o.options.Scheduler)
	if err != nil {
		return nil, err
	}
	o.current = handle
	if o.state == OrchestratorStateNotStarted {
		o.state = OrchestratorStateRunning
		o.logger.Infof("Orchestrator running")
	}
	return handle, nil
}

// RunUntilSuccess runs the units in bootstrap mode and blocks until every one
// has succeeded or the run has failed, and all contexts are destroyed
func (o *Orchestrator) RunUntilSuccess(ctx context.Context, unitList []units.Unit, contexts []execcontext.Spec, deadline time.Duration) error {
	handle, err := o.StartRun(ctx, unitList, contexts, scheduler.ModeBootstrap, deadline)
	if err != nil {
		return err
	}
	<-handle.Done()
	return handle.Err()
}

// Supervise starts a continuous run built from the current binding values and
// rebuilds it whenever a binding projection changes. It returns once the first
// run has started.
func (o *Orchestrator) Supervise(ctx context.Context, bindings []reactive.Binding, build reactive.BuildFunc) error {
	o.mutex.Lock()
	if o.state == OrchestratorStateStopping || o.state == OrchestratorStateStopped {
		o.mutex.Unlock()
		return errors.NewConflictError("orchestrator is shutting down", nil).WithContext("state", string(o.state))
	}
	if o.supervisor != nil {
		o.mutex.Unlock()
		return errors.NewConflictError("supervision already started", nil)
	}

	supervisor, err := reactive.NewSupervisor(bindings, build, o.start, reactive.Options{
		CoalesceWindow: o.options.CoalesceWindow,
		StopTimeout:    o.options.ForceShutdownTimeout,
		Logger:         o.logger,
		OnRebuild:      o.options.OnRebuild,
	})
	if err != nil {
		o.mutex.Unlock()
		return err
	}
	supervisionCtx, cancel := context.WithCancel(ctx)
	o.supervisor = supervisor
	o.cancel = cancel
	o.mutex.Unlock()

	if err := supervisor.Start(supervisionCtx); err != nil {
		o.mutex.Lock()
		if o.supervisor == supervisor {
			o.supervisor = nil
			o.cancel = nil
		}
		o.mutex.Unlock()
		cancel()
		return err
	}

	o.logger.Infof("Supervision started, bindings: %d", len(bindings))
	return nil
}

// Stop tears down the supervision and the current run
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mutex.Lock()
	if o.state != OrchestratorStateRunning {
		state := o.state
		o.mutex.Unlock()
		return errors.NewConflictError("orchestrator is not running", nil).WithContext("state", string(state))
	}
	o.state = OrchestratorStateStopping
	supervisor, cancel, current := o.supervisor, o.cancel, o.current
	o.mutex.Unlock()

	o.logger.Infof("Stopping orchestrator...")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, o.options.ForceShutdownTimeout)
	defer cancelTimeout()

	var stopErr error
	if supervisor != nil {
		if err := supervisor.Stop(ctx); err != nil {
			o.logger.Errorf("Failed to stop supervision: %v", err)
			stopErr = err
		}
	}
	if cancel != nil {
		cancel()
	}

	// The supervisor may have swapped runs while stopping
	o.mutex.Lock()
	if o.current != nil {
		current = o.current
	}
	o.mutex.Unlock()

	if current != nil {
		if err := current.Stop(ctx); err != nil {
			o.logger.Errorf("Failed to stop run, id: %s: %v", current.ID(), err)
			if stopErr == nil {
				stopErr = err
			}
		}
	}

	o.mutex.Lock()
	o.state = OrchestratorStateStopped
	close(o.done)
	o.mutex.Unlock()

	o.logger.Infof("Orchestrator stopped")
	return stopErr
}

// Done is closed once Stop has finished
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) GetState() OrchestratorState {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

func (o *Orchestrator) State() string {
	return string(o.GetState())
}

// CurrentRun returns the tracked run; after Stop it is the last one
func (o *Orchestrator) CurrentRun() (scheduler.Snapshot, bool) {
	o.mutex.Lock()
	current := o.current
	o.mutex.Unlock()

	if current == nil {
		return scheduler.Snapshot{}, false
	}
	return current.Status(), true
}

func (o *Orchestrator) Supervision() (reactive.Report, bool) {
	o.mutex.Lock()
	supervisor := o.supervisor
	o.mutex.Unlock()

	if supervisor == nil {
		return reactive.Report{}, false
	}
	return supervisor.Report(), true
}

// Status is the in-process view of the orchestrator. Values holds the last
// observed binding projections and is never serialized.
type Status struct {
	State       OrchestratorState   `json:"state"`
	Run         *scheduler.Snapshot `json:"run,omitempty"`
	Supervision *reactive.Report    `json:"supervision,omitempty"`
	Values      reactive.Values     `json:"-"`
}

func (o *Orchestrator) Status() Status {
	o.mutex.Lock()
	status := Status{State: o.state}
	current, supervisor := o.current, o.supervisor
	o.mutex.Unlock()

	if current != nil {
		snapshot := current.Status()
		status.Run = &snapshot
	}
	if supervisor != nil {
		report := supervisor.Report()
		status.Supervision = &report
		status.Values = supervisor.Values()
	}
	return status
}

func isDone(handle *scheduler.RunHandle) bool {
	select {
	case <-handle.Done():
		return true
	default:
		return false
	}
}
