package graph

import (
	"fmt"

	"github.com/agentloom/loom/internal/secret"
	"github.com/agentloom/loom/internal/types"
)

// NodeType defines the kind of workflow node.
type NodeType string

const (
	// NodeTypeTrigger is an entry node whose data is injected before scheduling.
	NodeTypeTrigger NodeType = "trigger"

	// NodeTypeIntegration is a deterministic call to a registered handler.
	NodeTypeIntegration NodeType = "integration"

	// NodeTypeAgent is an LLM-backed node with iterative tool calling.
	NodeTypeAgent NodeType = "agent"
)

// IsValid checks if the node type is a known value.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeTrigger, NodeTypeIntegration, NodeTypeAgent:
		return true
	default:
		return false
	}
}

// Node represents a single unit of work in a workflow graph.
//
// The Type field narrows which of the optional sections applies: integration
// nodes carry Integration+Function, agent nodes carry Agent. The validator
// enforces this narrowing so later stages can rely on it.
type Node struct {
	// ID is the unique identifier for the node within its graph.
	// Charset: [a-zA-Z0-9_-].
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable label, also usable as a reference key.
	Name string `json:"name" yaml:"name"`

	// Type is the node kind: trigger, integration, or agent.
	Type NodeType `json:"type" yaml:"type"`

	// Integration and Function address the handler for integration nodes.
	Integration string `json:"integration,omitempty" yaml:"integration,omitempty"`
	Function    string `json:"function,omitempty" yaml:"function,omitempty"`

	// Agent holds the LLM configuration for agent nodes.
	Agent *AgentConfig `json:"agent,omitempty" yaml:"agent,omitempty"`

	// ToolMeta describes this node when it is exposed as a callable tool
	// to an agent. Optional; a generated schema is used when absent.
	ToolMeta *ToolMetadata `json:"tool_meta,omitempty" yaml:"tool_meta,omitempty"`

	// Parameters is the node's configuration, resolved against prior node
	// outputs before dispatch. Values may contain semantic references.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// ContinueOnError and RetryAttempts are accepted in definitions but not
	// consulted by the executor: any node failure aborts the run.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	RetryAttempts   int  `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
}

// AgentConfig holds the configuration for an agent node.
type AgentConfig struct {
	// SystemPrompt and UserPrompt may contain semantic references to
	// prior node outputs.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`

	// LLM selects the provider, model, and sampling parameters.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Memory enables conversation memory through a memory integration.
	Memory *MemoryConfig `json:"memory,omitempty" yaml:"memory,omitempty"`

	// Tools declares explicit tool definitions available to the agent
	// in addition to graph-connected nodes.
	Tools []ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`

	// MaxIterations bounds the tool-calling loop. Zero means the
	// configured default (10).
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// LLMConfig selects the provider and model for an agent node.
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// APIKey is an inline credential. SecretRef is preferred: it is resolved
	// just-in-time through the secret store and tenant-matched first.
	APIKey    string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	SecretRef *secret.Reference `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`
}

// MemoryConfig enables conversation memory for an agent node.
type MemoryConfig struct {
	// Integration names the memory integration (looked up in the registry
	// as integration "memory" unless overridden).
	Integration string `json:"integration,omitempty" yaml:"integration,omitempty"`

	// SessionKey scopes stored turns, typically a channel or user id
	// reference. May contain semantic references.
	SessionKey string `json:"session_key,omitempty" yaml:"session_key,omitempty"`
}

// ToolDefinition is an explicit tool declared in an agent's own config.
type ToolDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Parameters  *types.JSONSchema `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Integration and Function route the tool call to a handler.
	Integration string `json:"integration,omitempty" yaml:"integration,omitempty"`
	Function    string `json:"function,omitempty" yaml:"function,omitempty"`
}

// ToolMetadata describes a node when exposed as a callable tool.
type ToolMetadata struct {
	Description string            `json:"description" yaml:"description"`
	Parameters  *types.JSONSchema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Validate checks the node's per-type narrowing rules.
func (n *Node) Validate() error {
	if !n.Type.IsValid() {
		return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
	}

	switch n.Type {
	case NodeTypeIntegration:
		if n.Integration == "" || n.Function == "" {
			return fmt.Errorf("integration node %q requires integration and function", n.ID)
		}
	case NodeTypeAgent:
		if n.Agent == nil {
			return fmt.Errorf("agent node %q requires an agent config", n.ID)
		}
		if n.Agent.LLM.Model == "" {
			return fmt.Errorf("agent node %q requires an llm model", n.ID)
		}
	}

	return nil
}

// IsAgent reports whether the node is an agent node.
func (n *Node) IsAgent() bool { return n.Type == NodeTypeAgent }

// IsTrigger reports whether the node is a trigger node.
func (n *Node) IsTrigger() bool { return n.Type == NodeTypeTrigger }
