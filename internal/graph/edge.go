package graph

// EdgeType distinguishes plain dependency edges from tool connections.
type EdgeType string

const (
	// EdgeTypeDependency is a strict execution-ordering edge (the default).
	EdgeTypeDependency EdgeType = ""

	// EdgeTypeToolConnection marks the target as a candidate tool for the
	// source agent rather than an execution predecessor.
	EdgeTypeToolConnection EdgeType = "tool_connection"
)

// Edge is a directed connection between two nodes in a workflow graph.
type Edge struct {
	// ID is the unique identifier for the edge within its graph.
	ID string `json:"id" yaml:"id"`

	// Source and Target reference node IDs.
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	// Type is empty for plain dependencies or "tool_connection".
	Type EdgeType `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsToolConnection reports whether the edge is a tool connection.
func (e Edge) IsToolConnection() bool {
	return e.Type == EdgeTypeToolConnection
}
