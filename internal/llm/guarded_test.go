package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/internal/breaker"
	"github.com/agentloom/loom/internal/types"
)

type scriptedProvider struct {
	name  string
	err   error
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &CompletionResponse{Success: true, Output: "ok"}, nil
}

func TestGuardedProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	provider := &scriptedProvider{name: "openai", err: errors.New("upstream 500")}
	guarded := NewGuardedProvider(provider, breaker.New(breaker.Config{FailureThreshold: 3}))

	ctx := context.Background()
	req := CompletionRequest{Model: "gpt-4", Messages: []Message{NewUserMessage("hi")}}

	for i := 0; i < 3; i++ {
		_, err := guarded.Complete(ctx, req)
		require.Error(t, err)
	}
	assert.Equal(t, 3, provider.calls)

	// The open circuit rejects without reaching the provider.
	_, err := guarded.Complete(ctx, req)
	require.Error(t, err)
	assert.Equal(t, types.LLM_CIRCUIT_OPEN, types.CodeOf(err))
	assert.Equal(t, 3, provider.calls)
}

func TestGuardedProvider_SuccessResetsBreaker(t *testing.T) {
	provider := &scriptedProvider{name: "openai", err: errors.New("upstream 500")}
	b := breaker.New(breaker.Config{FailureThreshold: 3})
	guarded := NewGuardedProvider(provider, b)

	ctx := context.Background()
	req := CompletionRequest{Model: "gpt-4"}

	_, _ = guarded.Complete(ctx, req)
	_, _ = guarded.Complete(ctx, req)

	provider.err = nil
	_, err := guarded.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, b.CurrentState("openai"))
}

func TestGuardedProvider_NotConfiguredDoesNotTrip(t *testing.T) {
	provider := &scriptedProvider{name: "openai", err: ErrNotConfigured}
	b := breaker.New(breaker.Config{FailureThreshold: 1})
	guarded := NewGuardedProvider(provider, b)

	_, err := guarded.Complete(context.Background(), CompletionRequest{Model: "gpt-4"})
	require.Error(t, err)
	assert.True(t, IsNotConfigured(err))

	// A caller misconfiguration is not a provider outage.
	assert.Equal(t, breaker.StateClosed, b.CurrentState("openai"))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	provider := &scriptedProvider{name: "openai"}
	registry.Register(provider)

	got, err := registry.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, provider, got)

	_, err = registry.Get("missing")
	require.Error(t, err)
	assert.Equal(t, types.LLM_NOT_CONFIGURED, types.CodeOf(err))

	assert.ElementsMatch(t, []string{"openai"}, registry.Names())
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Search Web", "Search_Web"},
		{"already-ok_1", "already-ok_1"},
		{"weird!!chars##", "weird_chars"},
		{"  spaced  ", "spaced"},
		{"!!!", "tool"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeToolName(tt.in))
	}
}

func TestToolCall_ArgumentsJSON(t *testing.T) {
	call := ToolCall{ID: "call-1", ToolName: "search", Arguments: map[string]any{"q": "go"}}
	assert.Equal(t, `{"q":"go"}`, call.ArgumentsJSON())

	empty := ToolCall{ID: "call-2", ToolName: "search"}
	assert.Equal(t, "{}", empty.ArgumentsJSON())
}

func TestToolDef_Validate(t *testing.T) {
	valid := ToolDef{Name: "search", Description: "web search", Parameters: types.ObjectSchema(nil)}
	assert.NoError(t, valid.Validate())

	assert.Error(t, ToolDef{Description: "no name"}.Validate())
	assert.Error(t, ToolDef{Name: "no-description"}.Validate())
	assert.Error(t, ToolDef{
		Name:        "bad-schema",
		Description: "non-object parameters",
		Parameters:  &types.JSONSchema{Type: "string"},
	}.Validate())
}
