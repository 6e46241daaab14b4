package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentloom/loom/internal/types"
)

// toolNamePattern is the charset providers accept for tool names.
var toolNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ToolDef defines a tool that an LLM can call during completion.
// Tool schemas are derived either from an explicit tool definition in an
// agent's config or from a graph-connected node's metadata.
type ToolDef struct {
	// Name is the unique, provider-safe identifier for this tool.
	Name string `json:"name"`

	// Description explains what the tool does and when to use it.
	Description string `json:"description"`

	// Parameters defines the JSON schema for the tool's input parameters.
	Parameters *types.JSONSchema `json:"parameters,omitempty"`
}

// Validate checks if the tool definition is valid.
func (t ToolDef) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	if t.Parameters != nil && t.Parameters.Type != "" && t.Parameters.Type != "object" {
		return fmt.Errorf("tool parameters must be an object schema, got %s", t.Parameters.Type)
	}
	return nil
}

// SanitizeToolName converts an arbitrary node name into a provider-safe
// tool identifier.
func SanitizeToolName(name string) string {
	sanitized := toolNamePattern.ReplaceAllString(strings.TrimSpace(name), "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return "tool"
	}
	return sanitized
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string `json:"id"`

	// ToolName is the name of the tool to call.
	ToolName string `json:"tool_name"`

	// Arguments contains the decoded arguments for the tool.
	Arguments map[string]any `json:"arguments"`
}

// Validate checks if the tool call is valid.
func (t ToolCall) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tool call ID is required")
	}
	if t.ToolName == "" {
		return fmt.Errorf("tool call name is required")
	}
	return nil
}

// ArgumentsJSON renders the call arguments as compact JSON.
func (t ToolCall) ArgumentsJSON() string {
	if t.Arguments == nil {
		return "{}"
	}
	data, err := json.Marshal(t.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolResult pairs a tool call id with its output or error.
type ToolResult struct {
	// ToolCallID is the ID of the tool call this result corresponds to.
	ToolCallID string `json:"tool_call_id"`

	// Content is the result content returned to the LLM.
	Content string `json:"content"`

	// IsError indicates whether the tool execution failed.
	IsError bool `json:"is_error,omitempty"`
}

// NewToolResult creates a successful tool result.
func NewToolResult(toolCallID, content string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Content: content}
}

// NewToolError creates an error tool result.
func NewToolError(toolCallID, errorMessage string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Content: errorMessage, IsError: true}
}
