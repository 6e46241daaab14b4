package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/breaker"
	"github.com/agentloom/loom/internal/channel"
	"github.com/agentloom/loom/internal/events"
	"github.com/agentloom/loom/internal/governor"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/integration"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/resolver"
	"github.com/agentloom/loom/internal/secret"
	"github.com/agentloom/loom/internal/types"
)

// fakeProvider returns scripted responses in order, repeating the last one
// when the script runs out. Safe for concurrent agents.
type fakeProvider struct {
	name      string
	responses []*llm.CompletionResponse
	err       error

	mu       sync.Mutex
	calls    int
	requests []llm.CompletionRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

type testHarness struct {
	runtime  *Runtime
	governor *governor.Governor
	registry *integration.MapRegistry
	secrets  *secret.MemoryStore
	audit    *audit.Logger
}

func newHarness(t *testing.T, config Config, provider llm.Provider, router *channel.Router) *testHarness {
	t.Helper()

	sink := slog.New(slog.NewJSONHandler(io.Discard, nil))
	auditLogger, err := audit.NewLogger([]byte("test-key"), sink)
	require.NoError(t, err)

	gov := governor.New(governor.Config{}, auditLogger)
	t.Cleanup(gov.Close)

	registry := integration.NewMapRegistry()
	providers := llm.NewRegistry()
	if provider != nil {
		providers.Register(provider)
	}
	secrets := secret.NewMemoryStore()

	runtime := NewRuntime(config, Deps{
		Governor:  gov,
		Validator: graph.NewValidator(graph.DefaultLimits()),
		Planner:   graph.NewPlanner(),
		Resolver:  resolver.New(),
		Registry:  registry,
		Providers: providers,
		Breaker:   breaker.New(breaker.Config{}),
		Secrets:   secrets,
		Router:    router,
		Audit:     auditLogger,
		Bus:       events.NewBus(),
	})

	return &testHarness{
		runtime:  runtime,
		governor: gov,
		registry: registry,
		secrets:  secrets,
		audit:    auditLogger,
	}
}

func triggerAgentGraph(agent *graph.AgentConfig) *graph.Graph {
	return &graph.Graph{
		Name:          "trigger-agent",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "A", Name: "A", Type: graph.NodeTypeAgent, Agent: agent},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "T", Target: "A"},
		},
	}
}

func TestExecute_EndToEndTriggerAgent(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		responses: []*llm.CompletionResponse{
			{Success: true, Output: "<|im_start|>Hello there [INST]<|im_end|>", Model: "gpt-4"},
		},
	}
	h := newHarness(t, Config{}, provider, nil)

	g := triggerAgentGraph(&graph.AgentConfig{
		UserPrompt: "{{$json.T.message}}",
		LLM:        graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
	})

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers: []TriggerRecord{
			{NodeID: "T", NodeName: "T", TriggerType: "webhook", Data: map[string]any{"message": "hi"}},
		},
	})
	require.NoError(t, err)

	// The provider was called exactly once with the resolved prompt.
	require.Equal(t, 1, provider.calls)
	require.Len(t, provider.requests[0].Messages, 2)
	assert.Equal(t, "hi", provider.requests[0].Messages[1].Content)

	// Control tokens are stripped from the final output.
	assert.Equal(t, "Hello there", resp.Output)
	assert.NotContains(t, resp.Output, "<|")
	assert.NotContains(t, resp.Output, "[INST]")
}

func TestExecute_ToolLoopTerminatesAtMaxIterations(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		responses: []*llm.CompletionResponse{
			{Success: true, ToolCalls: []llm.ToolCall{{ID: "c1", ToolName: "missing_tool", Arguments: map[string]any{}}}},
		},
	}
	h := newHarness(t, Config{}, provider, nil)

	g := triggerAgentGraph(&graph.AgentConfig{
		UserPrompt:    "{{$json.T.message}}",
		LLM:           graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
		MaxIterations: 3,
	})

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers: []TriggerRecord{
			{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, provider.calls, "loop must stop at exactly maxIterations")
	assert.Equal(t, iterationFallback, resp.Output)
	assert.NotEmpty(t, resp.Output)
}

func TestExecute_AgentInvokesConnectedTool(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		responses: []*llm.CompletionResponse{
			{Success: true, ToolCalls: []llm.ToolCall{{ID: "c1", ToolName: "Search", Arguments: map[string]any{"query": "weather"}}}},
			{Success: true, Output: "It is sunny."},
		},
	}
	h := newHarness(t, Config{}, provider, nil)

	var receivedQuery string
	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData, Category: integration.CategoryAction}, func(_ context.Context, call integration.Call) (*integration.Result, error) {
		receivedQuery, _ = call.Parameters["query"].(string)
		return &integration.Result{Data: map[string]any{"result": "sunny"}}, nil
	})

	g := triggerAgentGraph(&graph.AgentConfig{
		UserPrompt: "{{$json.T.message}}",
		LLM:        graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
	})
	g.Nodes = append(g.Nodes, &graph.Node{
		ID: "search", Name: "Search", Type: graph.NodeTypeIntegration,
		Integration: "http", Function: "request",
		ToolMeta: &graph.ToolMetadata{Description: "Search the web"},
	})
	g.Edges = append(g.Edges, graph.Edge{ID: "e2", Source: "A", Target: "search", Type: graph.EdgeTypeToolConnection})

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers: []TriggerRecord{
			{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "weather?"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, "weather", receivedQuery)
	assert.Equal(t, "It is sunny.", resp.Output)

	// The first request carried the connected node's tool schema. With no
	// declared parameters the generated schema offers a generic input field.
	require.Len(t, provider.requests[0].Tools, 1)
	assert.Equal(t, "Search", provider.requests[0].Tools[0].Name)
	assert.Equal(t, "Search the web", provider.requests[0].Tools[0].Description)
	require.NotNil(t, provider.requests[0].Tools[0].Parameters)
	assert.Contains(t, provider.requests[0].Tools[0].Parameters.Properties, "input")

	// The second request carried the tool result back to the model.
	var sawToolResult bool
	for _, m := range provider.requests[1].Messages {
		if m.Role == llm.RoleTool && strings.Contains(m.Content, "sunny") {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestExecute_IntegrationPipeline(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData, Category: integration.CategoryAction}, func(_ context.Context, call integration.Call) (*integration.Result, error) {
		name, _ := call.Parameters["name"].(string)
		return &integration.Result{Data: map[string]any{"text": "fetched:" + name}}, nil
	})

	g := &graph.Graph{
		Name:          "pipeline",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "fetch", Name: "Fetch", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request",
				Parameters: map[string]any{"name": "{{$json.T.message}}"}},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "T", Target: "fetch"}},
	}

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "doc-7"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fetched:doc-7", resp.Output)
}

func TestExecute_NodeFailureAbortsRunWithGenericError(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		return nil, types.NewError(types.EXEC_NODE_FAILED, "connection refused to internal-db:5432")
	})

	g := &graph.Graph{
		Name:          "failing",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "fetch", Name: "Fetch", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request"},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "T", Target: "fetch"}},
	}

	_, err := h.runtime.Execute(context.Background(), Request{
		Graph:    g,
		TenantID: "tenant-1",
	})
	require.Error(t, err)

	// Internal detail never crosses the trust boundary: the caller sees a
	// generic message with a reference id only.
	assert.NotContains(t, err.Error(), "internal-db")
	assert.Contains(t, err.Error(), "reference")
}

func TestExecute_NodeTimeout(t *testing.T) {
	h := newHarness(t, Config{NodeTimeout: 50 * time.Millisecond}, nil, nil)

	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData}, func(ctx context.Context, _ integration.Call) (*integration.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := &graph.Graph{
		Name:          "slow",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "slow", Name: "Slow", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request"},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "T", Target: "slow"}},
	}

	_, err := h.runtime.Execute(context.Background(), Request{Graph: g, TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Equal(t, types.EXEC_NODE_TIMEOUT, types.CodeOf(err))
}

func TestExecute_InvalidGraphFailsBeforeExecution(t *testing.T) {
	handlerCalled := false
	h := newHarness(t, Config{}, nil, nil)
	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		handlerCalled = true
		return &integration.Result{}, nil
	})

	g := &graph.Graph{
		Name: "cyclic",
		Nodes: []*graph.Node{
			{ID: "a", Name: "A", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request"},
			{ID: "b", Name: "B", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	_, err := h.runtime.Execute(context.Background(), Request{Graph: g, TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_INVALID, types.CodeOf(err))
	assert.False(t, handlerCalled, "no node may execute on a failed validation")
}

func TestExecute_SecretTenantMismatch(t *testing.T) {
	provider := &fakeProvider{name: "openai", responses: []*llm.CompletionResponse{{Success: true, Output: "ok"}}}
	h := newHarness(t, Config{}, provider, nil)
	h.secrets.Put("tenant-2", "llm-key", "sk-secret")

	g := triggerAgentGraph(&graph.AgentConfig{
		UserPrompt: "hello",
		LLM: graph.LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4",
			SecretRef: &secret.Reference{SecretID: "llm-key", TenantID: "tenant-2", Type: "api_key"},
		},
	})

	_, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}}},
	})
	require.Error(t, err)
	assert.Equal(t, types.SECRET_TENANT_MISMATCH, types.CodeOf(err))
	assert.Zero(t, provider.calls, "the provider must not be called without a resolved credential")
}

func TestExecute_ChannelDelivery(t *testing.T) {
	provider := &fakeProvider{name: "openai", responses: []*llm.CompletionResponse{{Success: true, Output: "answer"}}}

	ownership := channel.NewStaticOwnership()
	ownership.Claim("webchat", "chan-1", "tenant-1")
	adapter := &fakeAdapter{}
	router := channel.NewRouter(adapter, ownership, nil)

	h := newHarness(t, Config{}, provider, router)

	g := triggerAgentGraph(&graph.AgentConfig{
		UserPrompt: "{{$json.T.message}}",
		LLM:        graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
	})

	req := Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}}},
		Channel:      &ChannelTarget{Type: "webchat", ID: "chan-1"},
	}

	resp, err := h.runtime.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Output)
	require.Len(t, adapter.sent, 1)
	assert.Equal(t, "answer", adapter.sent[0].Text)

	// A channel owned by another tenant is a hard rejection.
	req.Channel = &ChannelTarget{Type: "webchat", ID: "chan-owned-elsewhere"}
	ownership.Claim("webchat", "chan-owned-elsewhere", "tenant-9")

	_, err = h.runtime.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CHANNEL_TENANT_MISMATCH, types.CodeOf(err))
	assert.Len(t, adapter.sent, 1, "no delivery on tenant mismatch")
}

type fakeAdapter struct {
	sent []channel.Response
}

func (f *fakeAdapter) Send(_ context.Context, _, _ string, response channel.Response, _ channel.SendContext) error {
	f.sent = append(f.sent, response)
	return nil
}

func (f *fakeAdapter) IsSupported(channelType string) bool { return channelType == "webchat" }

func TestExecute_OversizedResultTruncated(t *testing.T) {
	h := newHarness(t, Config{MaxResultBytes: 256}, nil, nil)

	big := strings.Repeat("x", 1024)
	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		return &integration.Result{Data: map[string]any{"payload": big}}, nil
	})

	g := &graph.Graph{
		Name:          "big",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "fetch", Name: "Fetch", Type: graph.NodeTypeIntegration, Integration: "http", Function: "request"},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "T", Target: "fetch"}},
	}

	resp, err := h.runtime.Execute(context.Background(), Request{Graph: g, TenantID: "tenant-1"})
	require.NoError(t, err, "oversized results degrade, they do not fail the node")

	// The stored result was replaced by the truncated error shape, so the
	// original payload cannot surface as output.
	assert.NotContains(t, resp.Output, big)
}

func TestExecute_TranscriptTrimming(t *testing.T) {
	calls := 0
	h := newHarness(t, Config{}, nil, nil)
	h.registry.Register("http", "request", integration.HandlerMeta{Type: integration.TypeData}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		calls++
		return &integration.Result{Data: map[string]any{"ok": true}}, nil
	})

	// Each iteration adds 2 messages (assistant + tool result); enough
	// iterations push the transcript past the trim threshold.
	provider := &fakeProvider{
		name: "openai",
		responses: []*llm.CompletionResponse{
			{Success: true, ToolCalls: []llm.ToolCall{{ID: "c", ToolName: "Search", Arguments: map[string]any{}}}},
		},
	}
	h.runtime.providers.Register(provider)

	g := triggerAgentGraph(&graph.AgentConfig{
		SystemPrompt:  "system",
		UserPrompt:    "user",
		LLM:           graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
		MaxIterations: 15,
	})
	g.Nodes = append(g.Nodes, &graph.Node{
		ID: "search", Name: "Search", Type: graph.NodeTypeIntegration,
		Integration: "http", Function: "request",
	})
	g.Edges = append(g.Edges, graph.Edge{ID: "e2", Source: "A", Target: "search", Type: graph.EdgeTypeToolConnection})

	_, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}}},
	})
	require.NoError(t, err)

	last := provider.requests[len(provider.requests)-1]
	assert.LessOrEqual(t, len(last.Messages), transcriptLimit)
	assert.Equal(t, llm.RoleSystem, last.Messages[0].Role, "trimming must keep the head")
	assert.Equal(t, llm.RoleUser, last.Messages[1].Role)
}

func TestExecute_ParallelAgentsAccumulateUsage(t *testing.T) {
	provider := &fakeProvider{
		name: "openai",
		responses: []*llm.CompletionResponse{
			{Success: true, Output: "done", Usage: llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		},
	}
	h := newHarness(t, Config{}, provider, nil)

	// Both agents sit in the same topological level and run concurrently.
	g := &graph.Graph{
		Name:          "fan-out",
		TenantOwnerID: "tenant-1",
		Nodes: []*graph.Node{
			{ID: "T", Name: "T", Type: graph.NodeTypeTrigger},
			{ID: "A1", Name: "A1", Type: graph.NodeTypeAgent, Agent: &graph.AgentConfig{
				UserPrompt: "first", LLM: graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
			}},
			{ID: "A2", Name: "A2", Type: graph.NodeTypeAgent, Agent: &graph.AgentConfig{
				UserPrompt: "second", LLM: graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
			}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "T", Target: "A1"},
			{ID: "e2", Source: "T", Target: "A2"},
		},
	}

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}}},
	})
	require.NoError(t, err)

	// No tokens may be lost when sibling nodes report usage concurrently.
	assert.Equal(t, 2, provider.calls)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 10, resp.Usage.CompletionTokens)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
}

func TestExecute_AgentMemoryRetrieveAndStore(t *testing.T) {
	provider := &fakeProvider{
		name:      "openai",
		responses: []*llm.CompletionResponse{{Success: true, Output: "the answer"}},
	}
	h := newHarness(t, Config{}, provider, nil)

	// Twelve prior turns: only the most recent eight may enter the context.
	turns := make([]any, 0, 12)
	for i := 1; i <= 6; i++ {
		turns = append(turns,
			map[string]any{"role": "user", "content": strings.Repeat("q", i)},
			map[string]any{"role": "assistant", "content": strings.Repeat("a", i)},
		)
	}
	h.registry.Register("memory", "retrieve", integration.HandlerMeta{Type: integration.TypeContext}, func(_ context.Context, call integration.Call) (*integration.Result, error) {
		assert.Equal(t, "sess-1", call.Parameters["session_key"])
		return &integration.Result{Data: map[string]any{"turns": turns}}, nil
	})

	var stored map[string]any
	h.registry.Register("memory", "store", integration.HandlerMeta{Type: integration.TypeContext}, func(_ context.Context, call integration.Call) (*integration.Result, error) {
		stored = call.Parameters
		return &integration.Result{}, nil
	})

	g := triggerAgentGraph(&graph.AgentConfig{
		SystemPrompt: "You are helpful.",
		UserPrompt:   "{{$json.T.message}}",
		LLM:          graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
		Memory:       &graph.MemoryConfig{SessionKey: "sess-1"},
	})

	_, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "what now?"}}},
	})
	require.NoError(t, err)

	// The system prompt carries the formatted context block, trimmed to the
	// last eight turns: the two oldest must not appear.
	require.Equal(t, 1, provider.calls)
	system := provider.requests[0].Messages[0].Content
	assert.Contains(t, system, "Conversation so far:")
	assert.Contains(t, system, "user: qqq\n")
	assert.Contains(t, system, "assistant: aaaaaa")
	assert.NotContains(t, system, "user: q\n")
	assert.NotContains(t, system, "assistant: a\n")

	// The finished turn was stored after the final answer.
	require.NotNil(t, stored)
	assert.Equal(t, "sess-1", stored["session_key"])
	assert.Equal(t, "what now?", stored["user_message"])
	assert.Equal(t, "the answer", stored["assistant_message"])
}

func TestExecute_AgentMemoryFailureIsTolerated(t *testing.T) {
	provider := &fakeProvider{
		name:      "openai",
		responses: []*llm.CompletionResponse{{Success: true, Output: "still fine"}},
	}
	h := newHarness(t, Config{}, provider, nil)

	h.registry.Register("memory", "retrieve", integration.HandlerMeta{Type: integration.TypeContext}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		return nil, types.NewError(types.EXEC_NODE_FAILED, "memory backend down")
	})
	h.registry.Register("memory", "store", integration.HandlerMeta{Type: integration.TypeContext}, func(_ context.Context, _ integration.Call) (*integration.Result, error) {
		return nil, types.NewError(types.EXEC_NODE_FAILED, "memory backend down")
	})

	g := triggerAgentGraph(&graph.AgentConfig{
		SystemPrompt: "You are helpful.",
		UserPrompt:   "hello",
		LLM:          graph.LLMConfig{Provider: "openai", Model: "gpt-4"},
		Memory:       &graph.MemoryConfig{SessionKey: "sess-1"},
	})

	resp, err := h.runtime.Execute(context.Background(), Request{
		Graph:        g,
		TenantID:     "tenant-1",
		AgentOwnerID: "agent-1",
		Triggers:     []TriggerRecord{{NodeID: "T", NodeName: "T", Data: map[string]any{"message": "hi"}}},
	})
	require.NoError(t, err, "memory is an enhancement, not a dependency")
	assert.Equal(t, "still fine", resp.Output)

	// The broken retrieve contributes no context block.
	assert.Equal(t, "You are helpful.", provider.requests[0].Messages[0].Content)
}

func TestStripControlTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"pipe tokens", "<|im_start|>hello<|im_end|>", "hello"},
		{"inst markers", "[INST] hi [/INST]", "hi"},
		{"sys markers", "<<SYS>>prompt<</SYS>>", "prompt"},
		{"clean text", "just text", "just text"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripControlTokens(tt.in))
		})
	}
}
