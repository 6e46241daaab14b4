// Package graph defines the workflow graph model and its structural validation.
//
// A workflow is a directed acyclic graph whose nodes are triggers, integration
// calls, or LLM-backed agents. Edges express execution dependencies, except for
// tool-connection edges, which mark a node as a callable tool for an agent
// rather than an execution predecessor.
package graph

import (
	"time"

	"github.com/agentloom/loom/internal/types"
)

// Graph represents a complete workflow definition as a directed acyclic graph.
type Graph struct {
	// ID is the unique identifier for this workflow.
	ID types.ID `json:"id" yaml:"id"`

	// Name is a human-readable name for the workflow.
	Name string `json:"name" yaml:"name"`

	// TenantOwnerID identifies the agent (tenant principal) that owns this workflow.
	TenantOwnerID string `json:"tenant_owner_id" yaml:"tenant_owner_id"`

	// Nodes contains all nodes in the workflow, in definition order.
	Nodes []*Node `json:"nodes" yaml:"nodes"`

	// Edges contains all directed edges connecting nodes in the workflow.
	Edges []Edge `json:"edges" yaml:"edges"`

	// CreatedAt is the timestamp when the workflow was created.
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// NodeByID retrieves a node by its ID. Returns nil if not found.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n != nil && n.ID == id {
			return n
		}
	}
	return nil
}

// NodeByName retrieves a node by its human-readable name. Returns nil if not found.
func (g *Graph) NodeByName(name string) *Node {
	for _, n := range g.Nodes {
		if n != nil && n.Name == name {
			return n
		}
	}
	return nil
}

// DependencyEdges returns the edges that express execution ordering.
// Tool-connection edges are excluded: they grant an agent a capability
// without constraining when the connected node runs.
func (g *Graph) DependencyEdges() []Edge {
	deps := make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if !e.IsToolConnection() {
			deps = append(deps, e)
		}
	}
	return deps
}

// ToolTargets returns the IDs of nodes connected to the given agent node
// by outgoing edges. These are the candidates for the agent's tool registry,
// in edge-definition order.
func (g *Graph) ToolTargets(agentNodeID string) []string {
	var targets []string
	for _, e := range g.Edges {
		if e.Source == agentNodeID {
			targets = append(targets, e.Target)
		}
	}
	return targets
}

// EntryNodeIDs returns the IDs of nodes with no incoming dependency edges.
func (g *Graph) EntryNodeIDs() []string {
	hasIncoming := make(map[string]bool, len(g.Nodes))
	for _, e := range g.DependencyEdges() {
		hasIncoming[e.Target] = true
	}

	var entries []string
	for _, n := range g.Nodes {
		if n != nil && !hasIncoming[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	return entries
}
