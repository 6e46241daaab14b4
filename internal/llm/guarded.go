package llm

import (
	"context"

	"github.com/agentloom/loom/internal/breaker"
	"github.com/agentloom/loom/internal/types"
)

// GuardedProvider wraps a Provider with a circuit breaker.
//
// After the configured number of consecutive failures the underlying
// provider is no longer called: requests fail fast with LLM_CIRCUIT_OPEN
// until the cooldown elapses, then a single trial request decides whether
// the circuit closes again.
//
// A not-configured condition is a caller error, not a provider outage, and
// does not count against the breaker.
type GuardedProvider struct {
	provider Provider
	breaker  *breaker.Breaker
}

// NewGuardedProvider wraps the provider with the given breaker. The breaker
// may be shared across providers; circuits are keyed by provider name.
func NewGuardedProvider(provider Provider, b *breaker.Breaker) *GuardedProvider {
	return &GuardedProvider{provider: provider, breaker: b}
}

// Name returns the underlying provider's name.
func (g *GuardedProvider) Name() string {
	return g.provider.Name()
}

// Complete checks the circuit, delegates, and records the outcome.
func (g *GuardedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	key := g.provider.Name()

	if err := g.breaker.Allow(key); err != nil {
		return nil, types.WrapError(types.LLM_CIRCUIT_OPEN, "llm provider circuit is open", err)
	}

	resp, err := g.provider.Complete(ctx, req)
	if err != nil {
		if !IsNotConfigured(err) {
			g.breaker.RecordFailure(key)
		}
		return nil, err
	}

	g.breaker.RecordSuccess(key)
	return resp, nil
}

var _ Provider = (*GuardedProvider)(nil)
