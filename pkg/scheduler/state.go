package scheduler

import (
	"github.com/core-tools/hsu-orchestrator/pkg/graph"
)

// State is the lifecycle state of one unit within a run
type State string

const (
	StatePending State = "pending"

	// StateWaiting is pending with at least one unmet requirement
	StateWaiting State = "waiting"

	StateRunning State = "running"

	// StateSucceeded is the success terminal state of a oneshot
	StateSucceeded State = "succeeded"

	// StateReady is a daemon whose probe succeeded; it keeps running until teardown
	StateReady State = "ready"

	StateFailed State = "failed"
)

// IsSuccess reports whether the state satisfies dependents
func (s State) IsSuccess() bool {
	return s == StateSucceeded || s == StateReady
}

func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateReady || s == StateFailed
}

func (s State) nodeState() graph.NodeState {
	switch s {
	case StateRunning:
		return graph.NodeActive
	case StateSucceeded, StateReady:
		return graph.NodeSatisfied
	case StateFailed:
		return graph.NodeFailed
	default:
		return graph.NodePending
	}
}

// isAllowedTransition encodes pending -> waiting -> running -> {succeeded | ready | failed}.
// Any non-failed unit may fail; a ready daemon fails when it exits.
func isAllowedTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateWaiting || to == StateRunning || to == StateFailed
	case StateWaiting:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateReady || to == StateFailed
	case StateReady:
		return to == StateFailed
	default:
		return false
	}
}

// Mode selects how a run completes
type Mode string

const (
	// ModeContinuous keeps ready daemons running until the run is stopped
	ModeContinuous Mode = "continuous"

	// ModeBootstrap runs the graph once under a deadline and tears everything down afterwards
	ModeBootstrap Mode = "bootstrap"
)

// Phase is the lifecycle of a run as a whole
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseStopping  Phase = "stopping"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseStopped   Phase = "stopped"
)

func (p Phase) IsFinal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseStopped
}
