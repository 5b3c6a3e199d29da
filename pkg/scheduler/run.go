package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/execcontext"
	"github.com/core-tools/hsu-orchestrator/pkg/graph"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

const stderrTailLines = 20

type eventType int

const (
	eventSpawned eventType = iota
	eventProbeAttempt
	eventReady
	eventSucceeded
	eventFailed
)

// unitEvent is reported by unit goroutines to the scheduler goroutine
type unitEvent struct {
	unitID   string
	typ      eventType
	handle   process.Handle
	attempt  int
	result   probe.Result
	exitCode *int
	stderr   string
	err      error
}

type unitRecord struct {
	unit       units.Unit
	status     UnitStatus
	handle     process.Handle
	lastResult probe.Result
}

type contextSlot struct {
	context *execcontext.Context
	err     error
}

// run is owned by a single goroutine (loop); unit goroutines only send events
type run struct {
	handle  *RunHandle
	request Request
	options Options
	graph   *graph.Graph
	specs   map[string]execcontext.Spec
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	records      map[string]*unitRecord
	contexts     map[string]*contextSlot
	contextOrder []string
	events       chan unitEvent
	tearingDown  chan struct{}
	workers      sync.WaitGroup

	firstErr  error
	startedAt time.Time
}

func newRun(handle *RunHandle, request Request, options Options, g *graph.Graph, specs map[string]execcontext.Spec) *run {
	r := &run{
		handle:      handle,
		request:     request,
		options:     options,
		graph:       g,
		specs:       specs,
		logger:      logging.ForComponent(options.Logger, "run", handle.id),
		records:     make(map[string]*unitRecord, g.Len()),
		contexts:    make(map[string]*contextSlot),
		events:      make(chan unitEvent, 64),
		tearingDown: make(chan struct{}),
		startedAt:   time.Now(),
	}
	for _, u := range g.Units() {
		r.records[u.ID] = &unitRecord{
			unit: u,
			status: UnitStatus{
				ID:           u.ID,
				Kind:         u.Kind,
				Context:      u.ContextRef,
				State:        StatePending,
				Requires:     g.Requires(u.ID),
				DisplayLabel: u.DisplayLabel,
			},
		}
	}
	return r
}

func (r *run) loop(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)
	defer r.cancel()

	var deadline <-chan time.Time
	if r.request.Mode == ModeBootstrap {
		timer := time.NewTimer(r.request.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	r.options.Observer.RunStarted(r.buildSnapshot(PhaseRunning))
	r.schedule()
	r.publish(PhaseRunning)

	phase, err := r.supervise(parent, deadline)
	if err != nil {
		r.logger.Errorf("Run failed: %v", err)
	}

	r.publish(PhaseStopping)
	interrupted := r.teardown()

	snapshot := r.buildSnapshot(phase)
	snapshot.Interrupted = interrupted
	if err != nil {
		snapshot.Error = err.Error()
	}
	snapshot.FinishedAt = time.Now()
	r.handle.finish(snapshot, err)

	duration := time.Since(r.startedAt)
	r.logger.Infof("Run finished, mode: %s, phase: %s, duration: %v", r.request.Mode, phase, duration)
	r.options.Observer.RunFinished(r.handle.id, r.request.Mode, phase, duration)
}

// supervise processes unit events until the run reaches its final phase
func (r *run) supervise(parent context.Context, deadline <-chan time.Time) (Phase, error) {
	for {
		if r.request.Mode == ModeBootstrap {
			if r.firstErr != nil {
				return PhaseFailed, r.firstErr
			}
			if r.allSucceeded() {
				return PhaseSucceeded, nil
			}
		}

		select {
		case ev := <-r.events:
			r.handleEvent(ev)
			r.schedule()
			r.publish(PhaseRunning)

		case <-deadline:
			return PhaseFailed, r.deadlineError()

		case <-r.handle.stopCh:
			r.logger.Infof("Stop requested")
			if r.request.Mode == ModeBootstrap {
				return PhaseStopped, errors.NewCancelledError("bootstrap run stopped before completion", nil).WithContext("run_id", r.handle.id)
			}
			return PhaseStopped, nil

		case <-parent.Done():
			r.logger.Infof("Run context cancelled")
			if r.request.Mode == ModeBootstrap {
				return PhaseStopped, errors.NewCancelledError("bootstrap run cancelled", parent.Err()).WithContext("run_id", r.handle.id)
			}
			return PhaseStopped, nil
		}
	}
}

func (r *run) allSucceeded() bool {
	for _, rec := range r.records {
		if !rec.status.State.IsSuccess() {
			return false
		}
	}
	return true
}

func (r *run) nodeStates() map[string]graph.NodeState {
	states := make(map[string]graph.NodeState, len(r.records))
	for id, rec := range r.records {
		states[id] = rec.status.State.nodeState()
	}
	return states
}

// schedule launches every unit of the current frontier and marks the
// remaining pending units as waiting
func (r *run) schedule() {
	for _, id := range r.graph.Frontier(r.nodeStates()) {
		r.launch(id)
	}

	for _, id := range r.graph.TopologicalOrder() {
		rec := r.records[id]
		if rec.status.State == StatePending {
			r.transition(rec, StateWaiting)
		}
	}
}

func (r *run) launch(id string) {
	rec := r.records[id]

	host, err := r.contextFor(rec.unit.ContextRef)
	if err != nil {
		r.fail(rec, err)
		return
	}

	rec.status.StartedAt = time.Now()
	r.transition(rec, StateRunning)

	r.workers.Add(1)
	if rec.unit.IsDaemon() {
		go r.runDaemon(rec.unit, host)
	} else {
		go r.runOneshot(rec.unit, host)
	}
}

// contextFor creates a context on its first use in this run. A creation
// failure is cached and fails every unit hosted there.
func (r *run) contextFor(id string) (*execcontext.Context, error) {
	if slot, ok := r.contexts[id]; ok {
		return slot.context, slot.err
	}

	slot := &contextSlot{}
	c, err := r.options.ContextManager.Create(r.ctx, r.specs[id])
	if err != nil {
		if !errors.IsMountResolutionError(err) {
			err = errors.NewMountResolutionError("failed to create context "+id, err).WithContext("context_id", id)
		}
		slot.err = err
		r.logger.Errorf("Context creation failed, context: %s: %v", id, err)
	} else {
		slot.context = c
		r.contextOrder = append(r.contextOrder, id)
	}
	r.contexts[id] = slot
	return slot.context, slot.err
}

func (r *run) transition(rec *unitRecord, to State) bool {
	from := rec.status.State
	if !isAllowedTransition(from, to) {
		r.logger.Warnf("Ignoring disallowed transition, unit: %s, %s -> %s", rec.unit.ID, from, to)
		return false
	}
	rec.status.State = to
	r.logger.Debugf("Unit transition, unit: %s, %s -> %s", rec.unit.ID, from, to)
	r.options.Observer.UnitTransition(r.handle.id, rec.unit.ID, rec.unit.Kind, from, to)
	return true
}

// fail marks a unit failed and fails every unit that transitively requires it
// and has not started yet. Units in unrelated subtrees are not touched.
func (r *run) fail(rec *unitRecord, err error) {
	if !r.transition(rec, StateFailed) {
		return
	}
	rec.status.Error = err.Error()
	rec.status.Message = err.Error()
	rec.status.FinishedAt = time.Now()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.logger.Errorf("Unit failed, unit: %s: %v", rec.unit.ID, err)

	for _, id := range r.graph.TransitiveDependents(rec.unit.ID) {
		dep := r.records[id]
		switch dep.status.State {
		case StatePending, StateWaiting:
			depErr := errors.NewDependencyFailedError(id, rec.unit.ID, err)
			if r.transition(dep, StateFailed) {
				dep.status.Error = depErr.Error()
				dep.status.Message = "dependency " + rec.unit.ID + " failed"
				dep.status.FinishedAt = time.Now()
			}
		}
	}
}

func (r *run) handleEvent(ev unitEvent) {
	rec, ok := r.records[ev.unitID]
	if !ok {
		return
	}

	switch ev.typ {
	case eventSpawned:
		rec.handle = ev.handle
		rec.status.Pid = ev.handle.Pid()

	case eventProbeAttempt:
		rec.lastResult = ev.result
		rec.status.Attempts = ev.attempt
		rec.status.Message = fmt.Sprintf("probe attempt %d: %s", ev.attempt, ev.result.Reason)
		r.options.Observer.ProbeAttempt(r.handle.id, ev.unitID, ev.attempt, ev.result)

	case eventReady:
		if r.transition(rec, StateReady) {
			rec.status.Message = ev.result.Reason
			if rec.unit.Probe != nil && rec.unit.Probe.Message != "" {
				rec.status.Message = rec.unit.Probe.Message
			}
			r.logger.Infof("Daemon ready, unit: %s, attempts: %d", ev.unitID, rec.status.Attempts)
		}

	case eventSucceeded:
		if r.transition(rec, StateSucceeded) {
			rec.status.ExitCode = ev.exitCode
			rec.status.Stderr = ev.stderr
			rec.status.FinishedAt = time.Now()
			rec.status.Message = "completed"
			r.logger.Infof("Unit succeeded, unit: %s", ev.unitID)
		}

	case eventFailed:
		rec.status.ExitCode = ev.exitCode
		rec.status.Stderr = ev.stderr
		r.fail(rec, ev.err)
	}
}

// send delivers an event unless the run is being torn down
func (r *run) send(ev unitEvent) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.tearingDown:
		return false
	}
}

func (r *run) command(unit units.Unit) process.Command {
	return process.Command{
		RunID:            r.handle.id,
		UnitID:           unit.ID,
		Args:             unit.Command.Args,
		Env:              unit.Command.SortedEnv(),
		WorkingDirectory: unit.Command.WorkingDirectory,
	}
}

func (r *run) runOneshot(unit units.Unit, host *execcontext.Context) {
	defer r.workers.Done()

	result, err := r.options.Backend.Run(r.ctx, host, r.command(unit))
	if err != nil {
		r.send(unitEvent{unitID: unit.ID, typ: eventFailed, stderr: result.Stderr, err: err})
		return
	}

	exitCode := result.ExitCode
	stderr := process.StderrTail(result.Stderr, stderrTailLines)
	if exitCode != 0 {
		r.send(unitEvent{
			unitID:   unit.ID,
			typ:      eventFailed,
			exitCode: &exitCode,
			stderr:   stderr,
			err:      errors.NewExecutionError(unit.ID, exitCode, stderr),
		})
		return
	}
	r.send(unitEvent{unitID: unit.ID, typ: eventSucceeded, exitCode: &exitCode, stderr: stderr})
}

func (r *run) runDaemon(unit units.Unit, host *execcontext.Context) {
	defer r.workers.Done()

	handle, err := r.options.Backend.Spawn(r.ctx, host, r.command(unit))
	if err != nil {
		r.send(unitEvent{unitID: unit.ID, typ: eventFailed, err: err})
		return
	}
	if !r.send(unitEvent{unitID: unit.ID, typ: eventSpawned, handle: handle}) {
		r.stopHandle(unit.ID, handle)
		return
	}

	check, err := r.options.CheckBuilder(unit, probe.Target{Pid: handle.Pid, Root: host.Root(), Env: host.Environ()})
	if err != nil {
		r.send(unitEvent{unitID: unit.ID, typ: eventFailed, err: errors.NewHealthCheckError("failed to build readiness probe", err).WithContext("unit_id", unit.ID)})
		return
	}

	var policy probe.Policy
	if unit.Probe != nil {
		policy = unit.Probe.Policy(r.options.ProbeDefaults)
	} else {
		policy = r.options.ProbeDefaults.WithDefaults()
	}

	result := probe.Poll(r.ctx, probe.Combine(handle.Probe, check), policy, probe.WithObserver(func(attempt int, res probe.Result) {
		r.send(unitEvent{unitID: unit.ID, typ: eventProbeAttempt, attempt: attempt, result: res})
	}))
	if r.ctx.Err() != nil {
		return
	}

	if !result.IsReady() {
		r.send(r.daemonFailure(unit, handle, result, policy))
		return
	}
	if !r.send(unitEvent{unitID: unit.ID, typ: eventReady, result: result}) {
		return
	}

	// Ready daemons are supervised, not restarted: an exit degrades the unit
	select {
	case <-handle.Done():
		exitCode := handle.ExitCode()
		stderr := process.StderrTail(handle.Stderr(), stderrTailLines)
		r.send(unitEvent{
			unitID:   unit.ID,
			typ:      eventFailed,
			exitCode: &exitCode,
			stderr:   stderr,
			err:      errors.NewExecutionError(unit.ID, exitCode, stderr).WithContext("after_ready", true),
		})
	case <-r.ctx.Done():
	}
}

func (r *run) daemonFailure(unit units.Unit, handle process.Handle, result probe.Result, policy probe.Policy) unitEvent {
	select {
	case <-handle.Done():
		exitCode := handle.ExitCode()
		stderr := process.StderrTail(handle.Stderr(), stderrTailLines)
		return unitEvent{
			unitID:   unit.ID,
			typ:      eventFailed,
			exitCode: &exitCode,
			stderr:   stderr,
			err:      errors.NewExecutionError(unit.ID, exitCode, stderr).WithContext("before_ready", true),
		}
	default:
	}

	if result.DeadlineExceeded {
		return unitEvent{
			unitID: unit.ID,
			typ:    eventFailed,
			err: errors.NewProbeDeadlineExceededError(
				fmt.Sprintf("daemon %s not ready within %v: %s", unit.ID, policy.Deadline, result.Reason), nil).
				WithContext("unit_id", unit.ID).
				WithContext("deadline", policy.Deadline.String()),
		}
	}
	return unitEvent{
		unitID: unit.ID,
		typ:    eventFailed,
		err:    errors.NewHealthCheckError(fmt.Sprintf("daemon %s readiness probe failed: %s", unit.ID, result.Reason), nil).WithContext("unit_id", unit.ID),
	}
}

func (r *run) stopHandle(unitID string, handle process.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), r.options.TeardownTimeout)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		r.logger.Warnf("Failed to stop daemon, unit: %s: %v", unitID, err)
	}
}

// teardown cancels in-flight operations, stops daemons and destroys every
// context created by this run, in reverse creation order. It returns the
// units that had not reached a terminal state, in topological order.
func (r *run) teardown() []string {
	close(r.tearingDown)
	r.cancel()

	var stopping sync.WaitGroup
	for _, id := range r.graph.TopologicalOrder() {
		rec := r.records[id]
		if rec.handle == nil {
			continue
		}
		stopping.Add(1)
		go func(id string, h process.Handle) {
			defer stopping.Done()
			r.stopHandle(id, h)
		}(id, rec.handle)
	}
	stopping.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), r.options.TeardownTimeout)
	defer cancel()
	for i := len(r.contextOrder) - 1; i >= 0; i-- {
		id := r.contextOrder[i]
		if err := r.options.ContextManager.Destroy(ctx, r.contexts[id].context); err != nil {
			r.logger.Errorf("Failed to destroy context, context: %s: %v", id, err)
		}
	}

	r.workers.Wait()

	var interrupted []string
	for _, id := range r.graph.TopologicalOrder() {
		rec := r.records[id]
		if rec.status.State.IsTerminal() {
			continue
		}
		rec.status.Message = "interrupted by teardown"
		interrupted = append(interrupted, id)
	}

	r.logger.Infof("Run torn down, contexts destroyed: %d, units interrupted: %d", len(r.contextOrder), len(interrupted))
	return interrupted
}

func (r *run) deadlineError() error {
	var incomplete []string
	var probing []string
	for _, id := range r.graph.TopologicalOrder() {
		rec := r.records[id]
		if rec.status.State.IsSuccess() {
			continue
		}
		incomplete = append(incomplete, id)
		if rec.unit.IsDaemon() && rec.status.State == StateRunning && rec.lastResult.Status != "" {
			probing = append(probing, fmt.Sprintf("%s: %s", id, rec.lastResult.Reason))
		}
	}
	sort.Strings(probing)

	var cause error
	if len(probing) > 0 {
		cause = errors.NewHealthCheckError("daemons not ready: "+strings.Join(probing, "; "), nil)
	}
	return errors.NewBootstrapDeadlineExceededError(
		fmt.Sprintf("bootstrap did not complete within %v, incomplete units: %s", r.request.Deadline, strings.Join(incomplete, ", ")), cause).
		WithContext("run_id", r.handle.id).
		WithContext("deadline", r.request.Deadline.String()).
		WithContext("unit_ids", incomplete)
}

func (r *run) buildSnapshot(phase Phase) Snapshot {
	snapshot := Snapshot{
		RunID:     r.handle.id,
		Mode:      r.request.Mode,
		Phase:     phase,
		StartedAt: r.startedAt,
		Units:     make([]UnitStatus, 0, len(r.records)),
	}
	for _, id := range r.graph.TopologicalOrder() {
		status := r.records[id].status.clone()
		if status.State == StateFailed {
			snapshot.Degraded = true
		}
		snapshot.Units = append(snapshot.Units, status)
	}
	return snapshot
}

func (r *run) publish(phase Phase) {
	r.handle.publish(r.buildSnapshot(phase))
}
