package graph

import (
	"sort"

	"github.com/agentloom/loom/internal/types"
)

// ExecutionPlan is a topological leveling of a workflow graph.
//
// Nodes within the same level have no ordering constraint between each other
// and may execute concurrently; every node's dependencies sit in strictly
// earlier levels.
type ExecutionPlan struct {
	// EntryNodes are the node IDs with no incoming dependency edges.
	EntryNodes []string `json:"entry_nodes"`

	// Levels lists node IDs level by level in execution order.
	Levels [][]string `json:"levels"`

	// DependencyMap maps each node ID to the IDs it depends on.
	DependencyMap map[string][]string `json:"dependency_map"`
}

// Planner produces execution plans from validated graphs.
type Planner struct{}

// NewPlanner creates a new Planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan computes the execution plan for a graph using Kahn-style level
// extraction: each level is the set of pending nodes whose dependencies are
// all in the completed set. Node IDs within a level are sorted for
// deterministic output.
//
// Plan must only be called on graphs that passed validation; it still guards
// against cycles and returns GRAPH_CYCLE_DETECTED if leveling stalls.
func (p *Planner) Plan(g *Graph) (*ExecutionPlan, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, types.NewError(types.GRAPH_INVALID, "cannot plan an empty graph")
	}

	deps := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		if n != nil {
			deps[n.ID] = nil
		}
	}
	for _, e := range g.DependencyEdges() {
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	for id := range deps {
		sort.Strings(deps[id])
	}

	completed := make(map[string]bool, len(g.Nodes))
	remaining := make(map[string]bool, len(g.Nodes))
	for id := range deps {
		remaining[id] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for id := range remaining {
			ready := true
			for _, dep := range deps[id] {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}

		if len(level) == 0 {
			// No progress possible: a dependency cycle survived validation.
			return nil, types.NewError(types.GRAPH_CYCLE_DETECTED, "cannot level graph: dependency cycle present")
		}

		sort.Strings(level)
		for _, id := range level {
			completed[id] = true
			delete(remaining, id)
		}
		levels = append(levels, level)
	}

	entries := g.EntryNodeIDs()
	sort.Strings(entries)

	return &ExecutionPlan{
		EntryNodes:    entries,
		Levels:        levels,
		DependencyMap: deps,
	}, nil
}
