package scheduler

import (
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/probe"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Observer receives run events from the scheduler goroutine. Implementations
// must not block.
type Observer interface {
	// RunStarted receives the initial snapshot with every unit pending
	RunStarted(snapshot Snapshot)
	UnitTransition(runID, unitID string, kind units.Kind, from, to State)
	ProbeAttempt(runID, unitID string, attempt int, result probe.Result)
	RunFinished(runID string, mode Mode, phase Phase, duration time.Duration)
}

// NopObserver can be embedded to implement only part of Observer
type NopObserver struct{}

func (NopObserver) RunStarted(snapshot Snapshot) {}

func (NopObserver) UnitTransition(runID, unitID string, kind units.Kind, from, to State) {}

func (NopObserver) ProbeAttempt(runID, unitID string, attempt int, result probe.Result) {}

func (NopObserver) RunFinished(runID string, mode Mode, phase Phase, duration time.Duration) {}

// MultiObserver fans events out in order
type MultiObserver []Observer

func (m MultiObserver) RunStarted(snapshot Snapshot) {
	for _, o := range m {
		if o != nil {
			o.RunStarted(snapshot.clone())
		}
	}
}

func (m MultiObserver) UnitTransition(runID, unitID string, kind units.Kind, from, to State) {
	for _, o := range m {
		if o != nil {
			o.UnitTransition(runID, unitID, kind, from, to)
		}
	}
}

func (m MultiObserver) ProbeAttempt(runID, unitID string, attempt int, result probe.Result) {
	for _, o := range m {
		if o != nil {
			o.ProbeAttempt(runID, unitID, attempt, result)
		}
	}
}

func (m MultiObserver) RunFinished(runID string, mode Mode, phase Phase, duration time.Duration) {
	for _, o := range m {
		if o != nil {
			o.RunFinished(runID, mode, phase, duration)
		}
	}
}
