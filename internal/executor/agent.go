package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/events"
	"github.com/agentloom/loom/internal/execstore"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/integration"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/types"
)

// Transcript bounds: past transcriptLimit entries, the transcript is
// trimmed to the first transcriptHead (system + user) plus the most recent
// remainder, bounding token growth across iterations.
const (
	transcriptLimit = 20
	transcriptHead  = 2
)

// memoryTurns is the number of recent conversation turns retrieved into an
// agent's context block.
const memoryTurns = 8

// iterationFallback is returned when the tool-calling loop exhausts its
// iteration bound without a final answer.
const iterationFallback = "I was unable to complete this request within the allowed number of reasoning steps. Please try rephrasing or simplifying the request."

// toolBinding routes a tool name to its invocation target: a connected
// graph node or an explicit tool definition from the agent's own config.
type toolBinding struct {
	node *graph.Node
	def  *graph.ToolDefinition
}

// executeAgent runs an agent node: prompt resolution, optional memory
// retrieval, and the iterative LLM tool-calling loop.
func (r *Runtime) executeAgent(ctx context.Context, g *graph.Graph, node *graph.Node, _ map[string]any, store *execstore.Store, usage *llm.TokenUsage) (map[string]any, error) {
	cfg := node.Agent

	systemPrompt := r.resolveText(cfg.SystemPrompt, store)
	userPrompt := r.resolveText(cfg.UserPrompt, store)

	if cfg.Memory != nil {
		if block := r.retrieveMemory(ctx, cfg, node, store); block != "" {
			systemPrompt = systemPrompt + "\n\nConversation so far:\n" + block
		}
	}

	apiKey, err := r.resolveCredential(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	provider, err := r.providers.Get(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	guarded := llm.NewGuardedProvider(provider, r.breaker)

	schemas, bindings := r.buildToolRegistry(g, node)

	messages := []llm.Message{
		llm.NewSystemMessage(systemPrompt),
		llm.NewUserMessage(userPrompt),
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = r.config.MaxAgentIterations
	}

	output := ""
	final := false
	for iteration := 0; iteration < maxIterations; iteration++ {
		ctx, span := r.tracer.Start(ctx, "agent.iteration",
			trace.WithAttributes(
				attribute.String("node.id", node.ID),
				attribute.Int("iteration", iteration),
			))

		r.publish(ctx, events.NewEvent(events.EventAgentIteration, store.ExecutionID(), store.TenantID(), node.ID, map[string]any{
			"iteration": iteration,
		}))

		resp, err := guarded.Complete(ctx, llm.CompletionRequest{
			Model:       cfg.LLM.Model,
			Messages:    messages,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Tools:       schemas,
			APIKey:      apiKey,
		})
		span.End()
		if err != nil {
			if types.CodeOf(err) == types.LLM_CIRCUIT_OPEN && r.audit != nil {
				_, _ = r.audit.Record(ctx, audit.EventBreakerOpen, store.ExecutionID(), store.TenantID(), store.AgentOwnerID(), map[string]any{
					"provider": cfg.LLM.Provider,
				})
			}
			return nil, err
		}
		usage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			output = resp.Output
			final = true
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Output,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := r.executeToolCall(ctx, g, node, call, bindings, store)
			messages = append(messages, llm.NewToolResultMessage(call.ID, result.Content))
		}
		messages = trimTranscript(messages)
	}

	if !final {
		output = iterationFallback
	}
	output = StripControlTokens(output)

	if cfg.Memory != nil && final {
		r.storeMemory(ctx, cfg, node, store, userPrompt, output)
	}

	return map[string]any{
		"output":      output,
		"agentOutput": output,
		"model":       cfg.LLM.Model,
	}, nil
}

// resolveText resolves semantic references in a prompt string, rendering
// non-string values as JSON text.
func (r *Runtime) resolveText(s string, store *execstore.Store) string {
	if s == "" {
		return ""
	}
	resolved := r.resolver.Resolve(s, store)
	if str, ok := resolved.(string); ok {
		return str
	}
	encoded, err := json.Marshal(resolved)
	if err != nil {
		return s
	}
	return string(encoded)
}

// resolveCredential returns the provider credential for the agent. A secret
// reference is resolved through the secret store with tenant matching and
// audited; a tenant mismatch is additionally audited as a violation.
func (r *Runtime) resolveCredential(ctx context.Context, cfg *graph.AgentConfig, store *execstore.Store) (string, error) {
	if cfg.LLM.SecretRef == nil {
		return cfg.LLM.APIKey, nil
	}
	if r.secrets == nil {
		return "", types.NewError(types.SECRET_NOT_FOUND, "no secret store configured")
	}

	value, err := r.secrets.Get(ctx, *cfg.LLM.SecretRef, store.TenantID())
	if err != nil {
		if types.CodeOf(err) == types.SECRET_TENANT_MISMATCH && r.audit != nil {
			_, _ = r.audit.Record(ctx, audit.EventTenantViolation, store.ExecutionID(), store.TenantID(), store.AgentOwnerID(), map[string]any{
				"secret_id": cfg.LLM.SecretRef.SecretID,
				"reason":    "secret_tenant_mismatch",
			})
		}
		return "", err
	}

	if r.audit != nil {
		_, _ = r.audit.Record(ctx, audit.EventSecretAccess, store.ExecutionID(), store.TenantID(), store.AgentOwnerID(), map[string]any{
			"secret_id": cfg.LLM.SecretRef.SecretID,
		})
	}
	return value, nil
}

// buildToolRegistry assembles the predicted tool subset sent to the
// provider: graph-connected nodes first, then explicit config tools, then a
// trigger heuristic, capped at MaxToolRegistry. The prediction may miss;
// executeToolCall resolves unknown names against the full graph.
func (r *Runtime) buildToolRegistry(g *graph.Graph, agent *graph.Node) ([]llm.ToolDef, map[string]toolBinding) {
	schemas := make([]llm.ToolDef, 0, r.config.MaxToolRegistry)
	bindings := make(map[string]toolBinding)

	add := func(def llm.ToolDef, binding toolBinding) bool {
		if len(schemas) >= r.config.MaxToolRegistry {
			return false
		}
		if _, exists := bindings[def.Name]; exists {
			return true
		}
		schemas = append(schemas, def)
		bindings[def.Name] = binding
		return true
	}

	for _, targetID := range g.ToolTargets(agent.ID) {
		node := g.NodeByID(targetID)
		if node == nil {
			continue
		}
		if !add(nodeToolDef(node), toolBinding{node: node}) {
			return schemas, bindings
		}
	}

	for i := range agent.Agent.Tools {
		def := &agent.Agent.Tools[i]
		if !add(llm.ToolDef{
			Name:        llm.SanitizeToolName(def.Name),
			Description: def.Description,
			Parameters:  def.Parameters,
		}, toolBinding{def: def}) {
			return schemas, bindings
		}
	}

	if len(schemas) == 0 {
		for _, node := range g.Nodes {
			if !node.IsTrigger() || node.ToolMeta == nil {
				continue
			}
			if !add(nodeToolDef(node), toolBinding{node: node}) {
				break
			}
		}
	}

	return schemas, bindings
}

// nodeToolDef derives a tool schema from a graph node, preferring its
// declared tool metadata over a generated generic schema.
func nodeToolDef(node *graph.Node) llm.ToolDef {
	def := llm.ToolDef{
		Name:        llm.SanitizeToolName(node.Name),
		Description: fmt.Sprintf("Invoke the %s node", node.Name),
		Parameters: types.ObjectSchema(map[string]*types.JSONSchema{
			"input": types.StringProperty("Free-form input passed to the node"),
		}),
	}
	if node.ToolMeta != nil {
		if node.ToolMeta.Description != "" {
			def.Description = node.ToolMeta.Description
		}
		if node.ToolMeta.Parameters != nil {
			def.Parameters = node.ToolMeta.Parameters
		}
	}
	return def
}

// executeToolCall invokes one LLM-requested tool and returns its result.
// Unknown names are retried against the full graph by name and alias before
// the model is told the capability does not exist. Tool failures become
// error results fed back to the model, not run failures.
func (r *Runtime) executeToolCall(ctx context.Context, g *graph.Graph, agent *graph.Node, call llm.ToolCall, bindings map[string]toolBinding, store *execstore.Store) llm.ToolResult {
	binding, ok := bindings[call.ToolName]
	if !ok {
		if node := findToolNode(g, call.ToolName); node != nil {
			binding = toolBinding{node: node}
			bindings[call.ToolName] = binding
			ok = true
		}
	}
	if !ok {
		return llm.NewToolError(call.ID,
			fmt.Sprintf("tool %q is not available in this workflow", call.ToolName))
	}

	r.publish(ctx, events.NewEvent(events.EventToolInvoked, store.ExecutionID(), store.TenantID(), agent.ID, map[string]any{
		"tool": call.ToolName,
	}))

	var (
		handler      integration.Handler
		callNode     *graph.Node
		baseParams   map[string]any
		lookupTarget string
		err          error
	)
	switch {
	case binding.node != nil:
		if binding.node.Integration == "" {
			return llm.NewToolError(call.ID,
				fmt.Sprintf("tool %q cannot be invoked directly", call.ToolName))
		}
		callNode = binding.node
		baseParams, _ = r.resolver.ResolveDeep(binding.node.Parameters, store).(map[string]any)
		lookupTarget = binding.node.Integration
		handler, _, err = r.registry.GetFunction(binding.node.Integration, binding.node.Function)
	default:
		callNode = agent
		lookupTarget = binding.def.Integration
		handler, _, err = r.registry.GetFunction(binding.def.Integration, binding.def.Function)
	}
	if err != nil {
		return llm.NewToolError(call.ID,
			fmt.Sprintf("tool %q has no registered handler (%s)", call.ToolName, lookupTarget))
	}

	args, _ := r.resolver.ResolveDeep(call.Arguments, store).(map[string]any)
	params := mergeParams(baseParams, args)

	result, err := r.invokeHandler(ctx, handler, integration.Call{
		Execution:  store,
		Node:       callNode,
		Parameters: params,
	}, callNode.ID, store)
	if err != nil {
		return llm.NewToolError(call.ID, err.Error())
	}

	content := "{}"
	if result != nil && result.Data != nil {
		if encoded, marshalErr := json.Marshal(result.Data); marshalErr == nil {
			content = string(encoded)
		}
	}
	return llm.NewToolResult(call.ID, content)
}

// findToolNode resolves a tool name against the full graph by sanitized
// name, exact name, or node id.
func findToolNode(g *graph.Graph, toolName string) *graph.Node {
	for _, node := range g.Nodes {
		if node.Name == toolName || node.ID == toolName {
			return node
		}
		if llm.SanitizeToolName(node.Name) == toolName {
			return node
		}
	}
	return nil
}

// mergeParams overlays the model-supplied arguments onto the node's own
// resolved parameters.
func mergeParams(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// trimTranscript bounds transcript growth: past the limit, keep the head
// (system + user) plus the most recent entries.
func trimTranscript(messages []llm.Message) []llm.Message {
	if len(messages) <= transcriptLimit {
		return messages
	}
	tail := transcriptLimit - transcriptHead
	trimmed := make([]llm.Message, 0, transcriptLimit)
	trimmed = append(trimmed, messages[:transcriptHead]...)
	trimmed = append(trimmed, messages[len(messages)-tail:]...)
	return trimmed
}

// retrieveMemory fetches recent conversation turns through the configured
// memory integration and formats them into a context block. Failures are
// tolerated: memory is an enhancement, not a dependency.
func (r *Runtime) retrieveMemory(ctx context.Context, cfg *graph.AgentConfig, node *graph.Node, store *execstore.Store) string {
	handler, _, err := r.registry.GetFunction(memoryIntegration(cfg), "retrieve")
	if err != nil {
		return ""
	}

	sessionKey := r.resolveText(cfg.Memory.SessionKey, store)
	result, err := r.invokeHandler(ctx, handler, integration.Call{
		Execution:  store,
		Node:       node,
		Parameters: map[string]any{"session_key": sessionKey, "limit": memoryTurns},
	}, node.ID, store)
	if err != nil || result == nil {
		return ""
	}

	turns, _ := result.Data["turns"].([]any)
	if len(turns) > memoryTurns {
		turns = turns[len(turns)-memoryTurns:]
	}

	var b strings.Builder
	for _, turn := range turns {
		m, ok := turn.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// storeMemory persists the finished turn through the memory integration.
// Best effort; a store failure does not fail the agent.
func (r *Runtime) storeMemory(ctx context.Context, cfg *graph.AgentConfig, node *graph.Node, store *execstore.Store, userMessage, assistantMessage string) {
	handler, _, err := r.registry.GetFunction(memoryIntegration(cfg), "store")
	if err != nil {
		return
	}

	sessionKey := r.resolveText(cfg.Memory.SessionKey, store)
	_, _ = r.invokeHandler(ctx, handler, integration.Call{
		Execution: store,
		Node:      node,
		Parameters: map[string]any{
			"session_key":       sessionKey,
			"user_message":      userMessage,
			"assistant_message": assistantMessage,
		},
	}, node.ID, store)
}

func memoryIntegration(cfg *graph.AgentConfig) string {
	if cfg.Memory.Integration != "" {
		return cfg.Memory.Integration
	}
	return "memory"
}
