package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Limits caps the size of graphs accepted for execution.
type Limits struct {
	// MaxNodes is the maximum node count (default: 1000).
	MaxNodes int

	// MaxEdges is the maximum edge count (default: 5000).
	MaxEdges int
}

// DefaultLimits returns the default graph size caps.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes: 1000,
		MaxEdges: 5000,
	}
}

// ValidationResult reports the outcome of structural graph validation.
type ValidationResult struct {
	// Valid is true when no errors were found. Warnings do not affect validity.
	Valid bool `json:"valid"`

	// Errors lists the specific rules violated.
	Errors []string `json:"errors,omitempty"`

	// Warnings lists non-fatal observations (e.g. disconnected nodes).
	Warnings []string `json:"warnings,omitempty"`

	// HasCycles is true when the dependency graph contains at least one cycle.
	HasCycles bool `json:"has_cycles"`
}

// nodeIDPattern is the allowed charset for node identifiers.
var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validator performs structural validation of workflow graphs.
// It is stateless apart from its size limits and safe for concurrent use.
type Validator struct {
	limits Limits
}

// NewValidator creates a Validator with the given limits.
func NewValidator(limits Limits) *Validator {
	if limits.MaxNodes <= 0 {
		limits.MaxNodes = DefaultLimits().MaxNodes
	}
	if limits.MaxEdges <= 0 {
		limits.MaxEdges = DefaultLimits().MaxEdges
	}
	return &Validator{limits: limits}
}

// Validate runs all structural checks on a graph.
//
// Checks, in order: size caps, per-node identity and type narrowing,
// duplicate node/edge ids, dangling edge endpoints, self-loops, cycle
// detection over the dependency adjacency, and entry-node existence.
// Disconnected nodes produce a warning, not an error.
func (v *Validator) Validate(g *Graph) ValidationResult {
	result := ValidationResult{Valid: true}

	if g == nil {
		result.addError("graph cannot be nil")
		return result
	}

	if len(g.Nodes) == 0 {
		result.addError("graph must contain at least one node")
		return result
	}

	if len(g.Nodes) > v.limits.MaxNodes {
		result.addError(fmt.Sprintf("graph exceeds node limit: %d > %d", len(g.Nodes), v.limits.MaxNodes))
		return result
	}
	if len(g.Edges) > v.limits.MaxEdges {
		result.addError(fmt.Sprintf("graph exceeds edge limit: %d > %d", len(g.Edges), v.limits.MaxEdges))
		return result
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n == nil {
			result.addError("graph contains a nil node")
			continue
		}
		if n.ID == "" {
			result.addError("node is missing an id")
			continue
		}
		if !nodeIDPattern.MatchString(n.ID) {
			result.addError(fmt.Sprintf("node id %q contains invalid characters", n.ID))
		}
		if n.Name == "" {
			result.addError(fmt.Sprintf("node %q is missing a name", n.ID))
		}
		if nodeIDs[n.ID] {
			result.addError(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true

		if err := n.Validate(); err != nil {
			result.addError(err.Error())
		}
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				result.addError(fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		if !nodeIDs[e.Source] {
			result.addError(fmt.Sprintf("edge %q references non-existent source node %q", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			result.addError(fmt.Sprintf("edge %q references non-existent target node %q", e.ID, e.Target))
		}
		if e.Source != "" && e.Source == e.Target {
			result.addError(fmt.Sprintf("edge %q is a self-loop on node %q", e.ID, e.Source))
		}
	}

	// Cycle detection only makes sense on a structurally sound edge set.
	if len(result.Errors) == 0 {
		if cycle := v.DetectCycle(g); len(cycle) > 0 {
			result.HasCycles = true
			result.addError(fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")))
		}

		if !result.HasCycles && len(g.EntryNodeIDs()) == 0 {
			result.addError("graph has no entry node (every node has incoming dependencies)")
		}
	}

	// Disconnected nodes are a warning, not an error.
	if len(g.Nodes) > 1 {
		connected := make(map[string]bool, len(g.Nodes))
		for _, e := range g.Edges {
			connected[e.Source] = true
			connected[e.Target] = true
		}
		for _, n := range g.Nodes {
			if n != nil && !connected[n.ID] {
				result.Warnings = append(result.Warnings, fmt.Sprintf("node %q is not connected to any other node", n.ID))
			}
		}
	}

	return result
}

// DetectCycle uses depth-first search with color marking to find a cycle in
// the dependency graph. Colors: white (0) = unvisited, gray (1) = in-progress,
// black (2) = done. Returns the nodes on the cycle path if one exists.
//
// Tool-connection edges are excluded: they do not constrain execution order.
func (v *Validator) DetectCycle(g *Graph) []string {
	if g == nil || len(g.Nodes) == 0 {
		return nil
	}

	adj := dependencyAdjacency(g)

	color := make(map[string]int, len(g.Nodes))
	parent := make(map[string]string, len(g.Nodes))

	var dfs func(nodeID string) []string
	dfs = func(nodeID string) []string {
		color[nodeID] = 1

		for _, neighbor := range adj[nodeID] {
			switch color[neighbor] {
			case 0:
				parent[neighbor] = nodeID
				if cycle := dfs(neighbor); cycle != nil {
					return cycle
				}
			case 1:
				// Back edge: reconstruct the cycle path.
				cycle := []string{neighbor}
				current := nodeID
				for current != neighbor {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				return append([]string{neighbor}, cycle...)
			}
		}

		color[nodeID] = 2
		return nil
	}

	// Iterate in definition order for deterministic cycle reporting.
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if color[n.ID] == 0 {
			if cycle := dfs(n.ID); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// dependencyAdjacency builds the source -> targets adjacency of dependency
// edges, with targets sorted for deterministic traversal.
func dependencyAdjacency(g *Graph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		if n != nil {
			adj[n.ID] = nil
		}
	}
	for _, e := range g.DependencyEdges() {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

func (r *ValidationResult) addError(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}
