package reactive

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/scheduler"
)

// BuildFunc builds the run request from the current binding values
type BuildFunc func(values Values) (scheduler.Request, error)

// StartFunc starts a continuous run
type StartFunc func(ctx context.Context, request scheduler.Request) (*scheduler.RunHandle, error)

const (
	DefaultCoalesceWindow = 250 * time.Millisecond
	DefaultStopTimeout    = 30 * time.Second
)

type Options struct {
	// CoalesceWindow is how long the supervisor waits after the first
	// notification for more before re-evaluating
	CoalesceWindow time.Duration
	StopTimeout    time.Duration
	Logger         logging.Logger
	// OnRebuild is called after every successful rebuild with the rebuild count
	OnRebuild func(count int, changed []string)
}

// Supervisor keeps one continuous run in line with its bindings: when a
// projection changes, the current run is torn down and a new one is started
// from the rebuilt plan.
type Supervisor struct {
	bindings map[string]Binding
	order    []string
	build    BuildFunc
	start    StartFunc
	options  Options
	logger   logging.Logger

	mutex    sync.Mutex
	values   Values
	current  *scheduler.RunHandle
	rebuilds int
	lastErr  error
	dirty    map[string]bool
	started  bool
	looping  bool

	wake    chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	cancels []func()
}

func NewSupervisor(bindings []Binding, build BuildFunc, start StartFunc, options Options) (*Supervisor, error) {
	if err := ValidateBindings(bindings); err != nil {
		return nil, err
	}
	if build == nil || start == nil {
		return nil, errors.NewValidationError("build and start functions are required", nil)
	}
	if options.CoalesceWindow <= 0 {
		options.CoalesceWindow = DefaultCoalesceWindow
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = DefaultStopTimeout
	}
	if options.Logger == nil {
		options.Logger = logging.NewNopLogger()
	}

	s := &Supervisor{
		bindings: make(map[string]Binding, len(bindings)),
		build:    build,
		start:    start,
		options:  options,
		logger:   options.Logger,
		values:   make(Values, len(bindings)),
		dirty:    make(map[string]bool),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, b := range bindings {
		s.bindings[b.ID] = b
		s.order = append(s.order, b.ID)
	}
	sort.Strings(s.order)
	return s, nil
}

// Start subscribes to all sources, evaluates every binding and starts the
// first continuous run. Subscribing first means a change landing during the
// initial evaluation is re-checked by the supervision loop instead of lost.
// ctx bounds the lifetime of the supervisor and its runs.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.started {
		s.mutex.Unlock()
		return errors.NewConflictError("supervisor already started", nil)
	}
	s.started = true
	s.mutex.Unlock()

	for _, id := range s.order {
		id := id
		b := s.bindings[id]
		cancel, err := b.Source.Subscribe(ctx, func() { s.markDirty(id) })
		if err != nil {
			s.unsubscribe()
			return errors.NewNetworkError("failed to subscribe binding "+id, err).WithContext("binding_id", id)
		}
		s.cancels = append(s.cancels, cancel)
	}

	handle, values, err := s.startInitial(ctx)
	if err != nil {
		s.unsubscribe()
		return err
	}

	s.mutex.Lock()
	s.values = values
	s.current = handle
	s.looping = true
	s.mutex.Unlock()

	s.logger.Infof("Supervisor started, bindings: %d, run: %s", len(s.order), handle.ID())
	go s.loop(ctx)
	return nil
}

func (s *Supervisor) startInitial(ctx context.Context) (*scheduler.RunHandle, Values, error) {
	values := make(Values, len(s.order))
	for _, id := range s.order {
		value, err := s.bindings[id].Evaluate(ctx)
		if err != nil {
			return nil, nil, errors.NewValidationError("failed to evaluate binding "+id, err).WithContext("binding_id", id)
		}
		values[id] = value
	}

	request, err := s.build(values.clone())
	if err != nil {
		return nil, nil, err
	}
	request.Mode = scheduler.ModeContinuous
	handle, err := s.start(ctx, request)
	if err != nil {
		return nil, nil, err
	}
	return handle, values, nil
}

func (s *Supervisor) markDirty(id string) {
	s.mutex.Lock()
	s.dirty[id] = true
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
		}

		// Coalesce notifications arriving within the window into one evaluation
		timer := time.NewTimer(s.options.CoalesceWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.reconcile(ctx)
	}
}

// reconcile re-projects the dirty bindings and rebuilds at most once
func (s *Supervisor) reconcile(ctx context.Context) {
	s.mutex.Lock()
	dirty := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		dirty = append(dirty, id)
	}
	s.dirty = make(map[string]bool)
	candidate := s.values.clone()
	s.mutex.Unlock()
	sort.Strings(dirty)

	var changed []string
	for _, id := range dirty {
		value, err := s.bindings[id].Evaluate(ctx)
		if err != nil {
			s.logger.Warnf("Failed to evaluate binding, id: %s: %v", id, err)
			s.setLastError(err)
			s.requeue([]string{id})
			continue
		}
		if !reflect.DeepEqual(value, candidate[id]) {
			candidate[id] = value
			changed = append(changed, id)
		}
	}

	if len(changed) == 0 {
		s.logger.Debugf("Bindings notified without projection change, bindings: %v", dirty)
		return
	}

	s.logger.Infof("Binding projections changed, rebuilding, bindings: %v", changed)

	request, err := s.build(candidate.clone())
	if err == nil {
		request.Mode = scheduler.ModeContinuous
		_, _, err = scheduler.ValidateRequest(request)
	}
	if err != nil {
		// The current run keeps going; values stay unadvanced and the changed
		// bindings are re-evaluated together with the next notification
		s.logger.Errorf("Rebuilt plan is invalid, keeping current run: %v", err)
		s.setLastError(err)
		s.requeue(changed)
		return
	}

	s.stopCurrent()

	handle, err := s.start(ctx, request)
	if err != nil {
		s.logger.Errorf("Failed to start rebuilt run: %v", err)
		s.setLastError(err)
		s.requeue(changed)
		return
	}

	s.mutex.Lock()
	s.values = candidate
	s.current = handle
	s.rebuilds++
	count := s.rebuilds
	s.lastErr = nil
	s.mutex.Unlock()

	s.logger.Infof("Rebuild complete, rebuilds: %d, run: %s", count, handle.ID())
	if s.options.OnRebuild != nil {
		s.options.OnRebuild(count, changed)
	}
}

// requeue marks bindings dirty again without waking the loop, so a failed
// rebuild is retried with the next notification from any source
func (s *Supervisor) requeue(ids []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, id := range ids {
		s.dirty[id] = true
	}
}

// stopCurrent tears down the current run and waits for its contexts to be destroyed
func (s *Supervisor) stopCurrent() {
	s.mutex.Lock()
	current := s.current
	s.current = nil
	s.mutex.Unlock()

	if current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.options.StopTimeout)
	defer cancel()
	if err := current.Stop(ctx); err != nil {
		s.logger.Errorf("Failed to stop run, id: %s: %v", current.ID(), err)
	}
}

func (s *Supervisor) unsubscribe() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *Supervisor) setLastError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastErr = err
}

// Stop unsubscribes, stops the supervision loop and tears down the current run
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mutex.Lock()
	looping := s.looping
	s.mutex.Unlock()
	if !looping {
		return nil
	}

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	select {
	case <-s.stopped:
	case <-ctx.Done():
		return errors.NewTimeoutError("supervisor did not stop in time", ctx.Err())
	}

	s.unsubscribe()
	s.stopCurrent()
	s.logger.Infof("Supervisor stopped, rebuilds: %d", s.Rebuilds())
	return nil
}

// Current is the active run, or nil between teardown and restart
func (s *Supervisor) Current() *scheduler.RunHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

func (s *Supervisor) Rebuilds() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rebuilds
}

// Values returns a copy of the last observed projections
func (s *Supervisor) Values() Values {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.values.clone()
}

// LastError is the most recent evaluation or rebuild failure; a successful rebuild clears it
func (s *Supervisor) LastError() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastErr
}

// Report is the supervision summary shown on status surfaces. Binding values
// are left out since they may carry secrets.
type Report struct {
	Bindings  []string `json:"bindings"`
	Rebuilds  int      `json:"rebuilds"`
	LastError string   `json:"last_error,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
}

func (s *Supervisor) Report() Report {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	report := Report{
		Bindings: append([]string(nil), s.order...),
		Rebuilds: s.rebuilds,
	}
	if s.lastErr != nil {
		report.LastError = s.lastErr.Error()
	}
	if s.current != nil {
		report.RunID = s.current.ID()
	}
	return report
}
