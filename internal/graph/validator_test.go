package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triggerNode(id, name string) *Node {
	return &Node{ID: id, Name: name, Type: NodeTypeTrigger}
}

func integrationNode(id, name string) *Node {
	return &Node{ID: id, Name: name, Type: NodeTypeIntegration, Integration: "http", Function: "request"}
}

func TestValidator_ValidGraph(t *testing.T) {
	g := &Graph{
		Name: "linear",
		Nodes: []*Node{
			triggerNode("t", "Trigger"),
			integrationNode("a", "StepA"),
			integrationNode("b", "StepB"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
		},
	}

	result := NewValidator(DefaultLimits()).Validate(g)

	assert.True(t, result.Valid)
	assert.False(t, result.HasCycles)
	assert.Empty(t, result.Errors)
}

func TestValidator_StructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		graph   *Graph
		wantErr string
	}{
		{
			name:    "nil graph",
			graph:   nil,
			wantErr: "nil",
		},
		{
			name:    "empty graph",
			graph:   &Graph{Name: "empty"},
			wantErr: "at least one node",
		},
		{
			name: "duplicate node id",
			graph: &Graph{
				Nodes: []*Node{integrationNode("a", "One"), integrationNode("a", "Two")},
			},
			wantErr: "duplicate node id",
		},
		{
			name: "invalid node id charset",
			graph: &Graph{
				Nodes: []*Node{integrationNode("bad id!", "Bad")},
			},
			wantErr: "invalid characters",
		},
		{
			name: "dangling edge target",
			graph: &Graph{
				Nodes: []*Node{integrationNode("a", "A")},
				Edges: []Edge{{ID: "e1", Source: "a", Target: "missing"}},
			},
			wantErr: "non-existent target",
		},
		{
			name: "self loop",
			graph: &Graph{
				Nodes: []*Node{integrationNode("a", "A")},
				Edges: []Edge{{ID: "e1", Source: "a", Target: "a"}},
			},
			wantErr: "self-loop",
		},
		{
			name: "no entry node",
			graph: &Graph{
				Nodes: []*Node{integrationNode("a", "A"), integrationNode("b", "B")},
				Edges: []Edge{
					{ID: "e1", Source: "a", Target: "b"},
					{ID: "e2", Source: "b", Target: "a"},
				},
			},
			wantErr: "",
		},
	}

	validator := NewValidator(DefaultLimits())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validator.Validate(tt.graph)
			assert.False(t, result.Valid)
			if tt.wantErr != "" {
				assert.True(t, containsError(result.Errors, tt.wantErr),
					"expected an error containing %q, got %v", tt.wantErr, result.Errors)
			}
		})
	}
}

func TestValidator_CycleRejection(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			triggerNode("t", "Trigger"),
			integrationNode("a", "A"),
			integrationNode("b", "B"),
			integrationNode("c", "C"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "c"},
			{ID: "e4", Source: "c", Target: "a"},
		},
	}

	result := NewValidator(DefaultLimits()).Validate(g)

	require.False(t, result.Valid)
	assert.True(t, result.HasCycles)

	// At least one error must name the cycle path.
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, "a") && strings.Contains(e, "b") && strings.Contains(e, "c") && strings.Contains(e, "cycle") {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle error naming the path, got %v", result.Errors)
}

func TestValidator_ToolConnectionsAreNotDependencies(t *testing.T) {
	// A tool connection back to an earlier node must not register as a cycle.
	g := &Graph{
		Nodes: []*Node{
			triggerNode("t", "Trigger"),
			{ID: "agent", Name: "Agent", Type: NodeTypeAgent, Agent: &AgentConfig{LLM: LLMConfig{Provider: "openai", Model: "gpt-4"}}},
			integrationNode("search", "Search"),
		},
		Edges: []Edge{
			{ID: "e1", Source: "t", Target: "agent"},
			{ID: "e2", Source: "agent", Target: "search", Type: EdgeTypeToolConnection},
			{ID: "e3", Source: "search", Target: "agent", Type: EdgeTypeToolConnection},
		},
	}

	result := NewValidator(DefaultLimits()).Validate(g)
	assert.False(t, result.HasCycles)
}

func TestValidator_GraphCaps(t *testing.T) {
	limits := Limits{MaxNodes: 3, MaxEdges: 2}
	nodes := make([]*Node, 0, 4)
	for i := 0; i < 4; i++ {
		nodes = append(nodes, integrationNode(fmt.Sprintf("n%d", i), fmt.Sprintf("Node%d", i)))
	}

	result := NewValidator(limits).Validate(&Graph{Nodes: nodes})
	assert.False(t, result.Valid)
	assert.True(t, containsError(result.Errors, "node"), "expected node cap error, got %v", result.Errors)
}

func TestValidator_DisconnectedNodeIsWarning(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			triggerNode("t", "Trigger"),
			integrationNode("a", "A"),
			integrationNode("lonely", "Lonely"),
		},
		Edges: []Edge{{ID: "e1", Source: "t", Target: "a"}},
	}

	result := NewValidator(DefaultLimits()).Validate(g)

	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
}

func containsError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
