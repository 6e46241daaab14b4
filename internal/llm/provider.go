package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentloom/loom/internal/types"
)

// Provider is the contract every LLM backend must satisfy. Concrete HTTP
// adapters (OpenAI, OpenRouter, ...) live outside this module; the runtime
// depends only on this interface.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "openrouter").
	Name() string

	// Complete sends a completion request and returns the full response.
	// Tool schemas attached to the request enable tool calling.
	//
	// A provider must surface a missing/invalid credential condition via an
	// error for which IsNotConfigured returns true, distinguishable from
	// generic request failure.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ErrNotConfigured is the sentinel distinguishing "provider has no usable
// credentials" from generic failure.
var ErrNotConfigured = types.NewError(types.LLM_NOT_CONFIGURED, "llm provider is not configured")

// IsNotConfigured reports whether the error chain signals a
// not-configured/unauthenticated provider condition.
func IsNotConfigured(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// Registry maps provider names to Provider implementations.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name. Registering the same name twice
// replaces the earlier provider.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, types.NewError(types.LLM_NOT_CONFIGURED,
			fmt.Sprintf("no llm provider registered under %q", name))
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
