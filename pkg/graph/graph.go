package graph

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/units"
)

// Graph is the validated requires graph of one run. It is immutable once
// resolved and safe for concurrent reads.
type Graph struct {
	units      map[string]units.Unit
	ids        []string            // sorted
	requires   map[string][]string // sorted
	dependents map[string][]string // sorted
	depth      map[string]int
	order      []string
}

// Resolve validates the requires edges of a unit set and returns its graph.
// It has no side effects; every error it returns is static.
func Resolve(unitSet []units.Unit) (*Graph, error) {
	g := &Graph{
		units:      make(map[string]units.Unit, len(unitSet)),
		ids:        make([]string, 0, len(unitSet)),
		requires:   make(map[string][]string, len(unitSet)),
		dependents: make(map[string][]string, len(unitSet)),
		depth:      make(map[string]int, len(unitSet)),
	}

	for _, u := range unitSet {
		if _, exists := g.units[u.ID]; exists {
			return nil, errors.NewConflictError("duplicate unit ID: "+u.ID, nil).WithContext("unit_id", u.ID)
		}
		g.units[u.ID] = u
		g.ids = append(g.ids, u.ID)
	}
	sort.Strings(g.ids)

	// Unknown references are reported before cycles
	for _, id := range g.ids {
		var missing []string
		for _, dep := range g.units[id].Requires {
			if _, ok := g.units[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, errors.NewUnknownDependencyError(
				fmt.Sprintf("unit %s requires unknown unit(s): %s", id, strings.Join(missing, ", ")), id, missing)
		}
	}

	for _, id := range g.ids {
		reqs := append([]string(nil), g.units[id].Requires...)
		sort.Strings(reqs)
		g.requires[id] = reqs
		for _, dep := range reqs {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewCyclicDependencyError("cycle: "+strings.Join(cycle, " -> "), cycle[:len(cycle)-1])
	}

	g.order = g.topologicalOrder()
	for _, id := range g.order {
		d := 0
		for _, dep := range g.requires[id] {
			if g.depth[dep]+1 > d {
				d = g.depth[dep] + 1
			}
		}
		g.depth[id] = d
	}

	return g, nil
}

// findCycle walks units in sorted order with three-color marking and returns
// the first cycle found as a closed path (a -> b -> a), or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(g.ids))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range g.requires[id] {
			switch color[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range g.ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

type stringMinHeap []string

func (h stringMinHeap) Len() int           { return len(h) }
func (h stringMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h stringMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *stringMinHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *stringMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topologicalOrder is Kahn's algorithm with the ready set kept as a min-heap by id
func (g *Graph) topologicalOrder() []string {
	indeg := make(map[string]int, len(g.ids))
	ready := &stringMinHeap{}
	for _, id := range g.ids {
		indeg[id] = len(g.requires[id])
		if indeg[id] == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		out = append(out, id)
		for _, dependent := range g.dependents[id] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	return out
}

// Units returns the units in topological order
func (g *Graph) Units() []units.Unit {
	out := make([]units.Unit, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.units[id])
	}
	return out
}

func (g *Graph) Len() int {
	return len(g.ids)
}

func (g *Graph) Unit(id string) (units.Unit, bool) {
	u, ok := g.units[id]
	return u, ok
}

// IDs returns the unit ids in sorted order
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

func (g *Graph) Requires(id string) []string {
	return append([]string(nil), g.requires[id]...)
}

func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Depth is the length of the longest requires chain below id
func (g *Graph) Depth(id string) int {
	return g.depth[id]
}

// TransitiveDependents returns every unit that depends on id directly or
// indirectly, sorted
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns a deterministic order where every unit follows its requires
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}
