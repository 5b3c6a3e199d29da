package graph

import "sort"

// NodeState is the scheduling view of a unit used by Frontier
type NodeState int

const (
	NodePending NodeState = iota
	NodeActive
	NodeSatisfied
	NodeFailed
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeActive:
		return "active"
	case NodeSatisfied:
		return "satisfied"
	case NodeFailed:
		return "failed"
	}
	return "unknown"
}

// Frontier returns the pending units whose requires are all satisfied,
// sorted by (depth, id). Units missing from states count as pending.
// It does not mutate the graph or states.
func (g *Graph) Frontier(states map[string]NodeState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for _, id := range g.ids {
		if states[id] != NodePending {
			continue
		}

		depsOK := true
		for _, dep := range g.requires[id] {
			if states[dep] != NodeSatisfied {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, id)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if g.depth[a] != g.depth[b] {
			return g.depth[a] < g.depth[b]
		}
		return a < b
	})

	return ready
}
