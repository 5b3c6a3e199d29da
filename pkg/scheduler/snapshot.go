package scheduler

import (
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// UnitStatus is the user-facing view of one unit
type UnitStatus struct {
	ID           string     `json:"id"`
	Kind         units.Kind `json:"kind"`
	Context      string     `json:"context"`
	State        State      `json:"state"`
	Requires     []string   `json:"requires,omitempty"`
	DisplayLabel *string    `json:"display_label,omitempty"`
	// Message is the current probe message of a daemon, or the failure reason
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	Attempts   int       `json:"probe_attempts,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Snapshot is a consistent copy of a run's state. Units are in topological order.
// Interrupted lists the units teardown caught before they reached a terminal state.
type Snapshot struct {
	RunID       string       `json:"run_id"`
	Mode        Mode         `json:"mode"`
	Phase       Phase        `json:"phase"`
	Degraded    bool         `json:"degraded"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	Units       []UnitStatus `json:"units"`
	Interrupted []string     `json:"interrupted,omitempty"`
}

// Unit returns the status of one unit
func (s Snapshot) Unit(id string) (UnitStatus, bool) {
	for _, u := range s.Units {
		if u.ID == id {
			return u, true
		}
	}
	return UnitStatus{}, false
}

// CountByState tallies units per state
func (s Snapshot) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, u := range s.Units {
		counts[u.State]++
	}
	return counts
}

func (s UnitStatus) clone() UnitStatus {
	out := s
	out.Requires = append([]string(nil), s.Requires...)
	if s.DisplayLabel != nil {
		label := *s.DisplayLabel
		out.DisplayLabel = &label
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		out.ExitCode = &code
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Interrupted = append([]string(nil), s.Interrupted...)
	out.Units = make([]UnitStatus, len(s.Units))
	for i, u := range s.Units {
		out.Units[i] = u.clone()
	}
	return out
}
