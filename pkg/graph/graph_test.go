package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

func oneshot(id string, requires ...string) units.Unit {
	return units.Unit{
		ID:         id,
		Kind:       units.KindOneshot,
		ContextRef: "main",
		Command:    units.Command{Args: []string{"/bin/true"}},
		Requires:   requires,
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name    string
		units   []units.Unit
		checker func(error) bool
		message string
	}{
		{
			name:    "duplicate_id",
			units:   []units.Unit{oneshot("a"), oneshot("a")},
			checker: errors.IsConflictError,
			message: "duplicate unit ID: a",
		},
		{
			name:    "unknown_dependency",
			units:   []units.Unit{oneshot("a"), oneshot("b", "z", "a", "y")},
			checker: errors.IsUnknownDependencyError,
			message: "unit b requires unknown unit(s): y, z",
		},
		{
			name:    "self_reference",
			units:   []units.Unit{oneshot("a", "a")},
			checker: errors.IsCyclicDependencyError,
			message: "cycle: a -> a",
		},
		{
			name:    "two_cycle",
			units:   []units.Unit{oneshot("a", "b"), oneshot("b", "a")},
			checker: errors.IsCyclicDependencyError,
			message: "cycle: a -> b -> a",
		},
		{
			name:    "cycle_behind_root",
			units:   []units.Unit{oneshot("a", "b"), oneshot("b", "c"), oneshot("c", "d"), oneshot("d", "b")},
			checker: errors.IsCyclicDependencyError,
			message: "cycle: b -> c -> d -> b",
		},
		{
			name:    "unknown_reported_before_cycle",
			units:   []units.Unit{oneshot("a", "b"), oneshot("b", "a", "ghost")},
			checker: errors.IsUnknownDependencyError,
			message: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Resolve(tt.units)

			require.Error(t, err)
			assert.Nil(t, g)
			assert.True(t, tt.checker(err), "unexpected error type: %v", err)
			assert.True(t, errors.IsStaticError(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestResolve_CycleContext(t *testing.T) {
	_, err := Resolve([]units.Unit{oneshot("x"), oneshot("a", "b"), oneshot("b", "a")})
	require.Error(t, err)

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, []string{"a", "b"}, domainErr.Context["unit_ids"])
}

func TestResolve_UnknownDependencyContext(t *testing.T) {
	_, err := Resolve([]units.Unit{oneshot("b", "a")})

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "b", domainErr.ContextString("unit_id"))
	assert.Equal(t, []string{"a"}, domainErr.Context["missing"])
}

func TestResolve_Accessors(t *testing.T) {
	g, err := Resolve([]units.Unit{
		oneshot("web", "api"),
		oneshot("api", "db", "migrate"),
		oneshot("migrate", "db"),
		oneshot("db"),
		oneshot("docs"),
	})
	require.NoError(t, err)

	assert.Equal(t, 5, g.Len())
	assert.Equal(t, []string{"api", "db", "docs", "migrate", "web"}, g.IDs())
	assert.Equal(t, []string{"db", "migrate"}, g.Requires("api"))
	assert.Equal(t, []string{"api", "migrate"}, g.Dependents("db"))
	assert.Equal(t, []string{"api", "migrate", "web"}, g.TransitiveDependents("db"))
	assert.Empty(t, g.TransitiveDependents("web"))
	assert.Equal(t, []string{"db", "docs", "migrate", "api", "web"}, g.TopologicalOrder())

	assert.Equal(t, 0, g.Depth("db"))
	assert.Equal(t, 1, g.Depth("migrate"))
	assert.Equal(t, 2, g.Depth("api"))
	assert.Equal(t, 3, g.Depth("web"))

	u, ok := g.Unit("api")
	assert.True(t, ok)
	assert.Equal(t, "api", u.ID)
	_, ok = g.Unit("nope")
	assert.False(t, ok)

	ids := make([]string, 0)
	for _, u := range g.Units() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, g.TopologicalOrder(), ids)
}

func TestResolve_Empty(t *testing.T) {
	g, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Frontier(nil))
}

func TestFrontier(t *testing.T) {
	g, err := Resolve([]units.Unit{
		oneshot("a"),
		oneshot("b", "a"),
		oneshot("c", "a"),
		oneshot("d", "b", "c"),
		oneshot("e"),
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		states   map[string]NodeState
		expected []string
	}{
		{
			name:     "initial",
			states:   map[string]NodeState{},
			expected: []string{"a", "e"},
		},
		{
			name:     "a_running",
			states:   map[string]NodeState{"a": NodeActive, "e": NodeActive},
			expected: []string{},
		},
		{
			name:     "a_done",
			states:   map[string]NodeState{"a": NodeSatisfied, "e": NodeActive},
			expected: []string{"b", "c"},
		},
		{
			name:     "one_parent_of_d_done",
			states:   map[string]NodeState{"a": NodeSatisfied, "b": NodeSatisfied, "c": NodeActive, "e": NodeSatisfied},
			expected: []string{},
		},
		{
			name:     "both_parents_done",
			states:   map[string]NodeState{"a": NodeSatisfied, "b": NodeSatisfied, "c": NodeSatisfied, "e": NodeSatisfied},
			expected: []string{"d"},
		},
		{
			name:     "failed_parent_never_admits",
			states:   map[string]NodeState{"a": NodeFailed, "e": NodeSatisfied},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, g.Frontier(tt.states))
		})
	}
}

// Driving the frontier to completion must visit every unit after all of its requires
func TestFrontier_ConsistentWithTopologicalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(12)
		unitSet := make([]units.Unit, 0, n)
		for i := 0; i < n; i++ {
			var requires []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					requires = append(requires, fmt.Sprintf("u%02d", j))
				}
			}
			unitSet = append(unitSet, oneshot(fmt.Sprintf("u%02d", i), requires...))
		}
		rng.Shuffle(len(unitSet), func(i, j int) { unitSet[i], unitSet[j] = unitSet[j], unitSet[i] })

		g, err := Resolve(unitSet)
		require.NoError(t, err)

		states := map[string]NodeState{}
		position := map[string]int{}
		for step := 0; ; step++ {
			frontier := g.Frontier(states)
			if len(frontier) == 0 {
				break
			}
			for _, id := range frontier {
				states[id] = NodeSatisfied
				position[id] = step
			}
		}

		require.Len(t, position, n)
		for _, u := range unitSet {
			for _, dep := range u.Requires {
				assert.Less(t, position[dep], position[u.ID], "round %d: %s started before %s", round, u.ID, dep)
			}
		}
	}
}

func TestResolve_CyclesNeverResolve(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 30; round++ {
		n := 2 + rng.Intn(8)
		unitSet := make([]units.Unit, 0, n)
		for i := 0; i < n; i++ {
			next := fmt.Sprintf("u%d", (i+1)%n)
			unitSet = append(unitSet, oneshot(fmt.Sprintf("u%d", i), next))
		}

		_, err := Resolve(unitSet)
		assert.True(t, errors.IsCyclicDependencyError(err))
	}
}
