// Package integration defines the contract between the workflow runtime and
// integration handlers.
//
// Concrete integrations (HTTP clients, messaging channels, spreadsheets and
// so on) live outside this module. The runtime only knows how to look a
// handler up by (integration, function), call it with resolved parameters,
// and normalize its result according to the handler metadata.
package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentloom/loom/internal/execstore"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/types"
)

// HandlerType describes the shape of a handler's result.
type HandlerType string

const (
	// TypeData handlers return record-shaped data under a "json" key,
	// optionally with a "binary" payload.
	TypeData HandlerType = "data"

	// TypeContext handlers return a context-shaped map merged into the
	// execution store as-is.
	TypeContext HandlerType = "context"
)

// Category distinguishes trigger handlers from actions.
type Category string

const (
	CategoryTrigger Category = "trigger"
	CategoryAction  Category = "action"
)

// HandlerMeta carries normalization hints for a registered handler.
type HandlerMeta struct {
	Type     HandlerType
	Category Category
}

// Call is the argument bundle passed to a handler.
type Call struct {
	// Execution is the per-run data store. Handlers may read prior node
	// results but writes go through the executor.
	Execution *execstore.Store

	// Node is the workflow node being executed.
	Node *graph.Node

	// Parameters are the node's parameters after reference resolution.
	Parameters map[string]any
}

// Result is what a handler returns. Data is normalized by the executor
// according to the handler's meta before it enters the execution store.
type Result struct {
	Data map[string]any
}

// Handler executes one integration function.
type Handler func(ctx context.Context, call Call) (*Result, error)

// Registry resolves (integration, function) pairs to handlers.
type Registry interface {
	// GetFunction returns the handler and its metadata, or
	// EXEC_HANDLER_MISSING when no handler is registered for the pair.
	GetFunction(integration, function string) (Handler, *HandlerMeta, error)
}

// MapRegistry is an in-memory Registry for wiring and tests.
// It is safe for concurrent use.
type MapRegistry struct {
	mu       sync.RWMutex
	handlers map[string]registered
}

type registered struct {
	handler Handler
	meta    HandlerMeta
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{handlers: make(map[string]registered)}
}

// Register adds a handler for the (integration, function) pair, replacing
// any existing registration.
func (r *MapRegistry) Register(integration, function string, meta HandlerMeta, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey(integration, function)] = registered{handler: handler, meta: meta}
}

// GetFunction implements Registry.
func (r *MapRegistry) GetFunction(integration, function string) (Handler, *HandlerMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[handlerKey(integration, function)]
	if !ok {
		return nil, nil, types.NewError(types.EXEC_HANDLER_MISSING,
			fmt.Sprintf("no handler registered for %s.%s", integration, function))
	}
	meta := reg.meta
	return reg.handler, &meta, nil
}

func handlerKey(integration, function string) string {
	return integration + "." + function
}

var _ Registry = (*MapRegistry)(nil)
