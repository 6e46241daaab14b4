// Package executor runs workflow graphs.
//
// A Runtime owns one pass through the pipeline: admission, validation,
// planning, trigger injection, level-by-level node execution, final output
// extraction, and channel delivery. Integration nodes dispatch to registered
// handlers; agent nodes run an LLM with an iterative tool-calling loop.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/breaker"
	"github.com/agentloom/loom/internal/channel"
	"github.com/agentloom/loom/internal/events"
	"github.com/agentloom/loom/internal/execstore"
	"github.com/agentloom/loom/internal/governor"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/integration"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/observability"
	"github.com/agentloom/loom/internal/resolver"
	"github.com/agentloom/loom/internal/secret"
	"github.com/agentloom/loom/internal/types"
)

// Config holds executor tunables.
type Config struct {
	// NodeTimeout bounds a single node dispatch. Default: 30s.
	NodeTimeout time.Duration

	// WorkflowTimeout bounds a whole run. Default: 5m.
	WorkflowTimeout time.Duration

	// MaxResultBytes caps a stored node result's JSON size. Oversized
	// results are replaced by a truncated error-shaped result.
	// Default: 10MB.
	MaxResultBytes int

	// MaxToolRegistry caps the number of tool schemas sent to the
	// provider per request. Default: 7.
	MaxToolRegistry int

	// MaxAgentIterations bounds the tool-calling loop. Default: 10.
	MaxAgentIterations int

	// MaxParallelNodes bounds concurrent node execution within a level.
	// Default: 4.
	MaxParallelNodes int
}

// DefaultConfig returns the default executor tunables.
func DefaultConfig() Config {
	return Config{
		NodeTimeout:        30 * time.Second,
		WorkflowTimeout:    5 * time.Minute,
		MaxResultBytes:     10 * 1024 * 1024,
		MaxToolRegistry:    7,
		MaxAgentIterations: 10,
		MaxParallelNodes:   4,
	}
}

// TriggerRecord is inbound trigger data injected before scheduling.
type TriggerRecord struct {
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name"`
	TriggerType string         `json:"trigger_type"`
	Data        map[string]any `json:"data"`
}

// ChannelTarget identifies where the final output is delivered.
type ChannelTarget struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	SessionKey string `json:"session_key,omitempty"`
}

// Request is one workflow execution request.
type Request struct {
	Graph        *graph.Graph
	TenantID     string
	AgentOwnerID string
	Triggers     []TriggerRecord
	Channel      *ChannelTarget
}

// Response is the outcome of a completed execution.
type Response struct {
	ExecutionID types.ID       `json:"execution_id"`
	Output      string         `json:"output"`
	Usage       llm.TokenUsage `json:"usage"`
}

// Runtime executes workflow graphs. All collaborators are injected; the
// Runtime holds no global state and is safe for concurrent Execute calls.
type Runtime struct {
	config    Config
	governor  *governor.Governor
	validator *graph.Validator
	planner   *graph.Planner
	resolver  *resolver.Resolver
	registry  integration.Registry
	providers *llm.Registry
	breaker   *breaker.Breaker
	secrets   secret.Store
	router    *channel.Router
	audit     *audit.Logger
	bus       events.Bus
	logger    *observability.TracedLogger
	tracer    trace.Tracer
}

// Deps bundles the Runtime's collaborators.
type Deps struct {
	Governor  *governor.Governor
	Validator *graph.Validator
	Planner   *graph.Planner
	Resolver  *resolver.Resolver
	Registry  integration.Registry
	Providers *llm.Registry
	Breaker   *breaker.Breaker
	Secrets   secret.Store
	Router    *channel.Router
	Audit     *audit.Logger
	Bus       events.Bus
	Logger    *observability.TracedLogger
}

// NewRuntime creates a Runtime. Zero-valued config fields fall back to
// defaults; nil optional collaborators (router, bus, logger) are tolerated.
func NewRuntime(config Config, deps Deps) *Runtime {
	defaults := DefaultConfig()
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = defaults.NodeTimeout
	}
	if config.WorkflowTimeout <= 0 {
		config.WorkflowTimeout = defaults.WorkflowTimeout
	}
	if config.MaxResultBytes <= 0 {
		config.MaxResultBytes = defaults.MaxResultBytes
	}
	if config.MaxToolRegistry <= 0 {
		config.MaxToolRegistry = defaults.MaxToolRegistry
	}
	if config.MaxAgentIterations <= 0 {
		config.MaxAgentIterations = defaults.MaxAgentIterations
	}
	if config.MaxParallelNodes <= 0 {
		config.MaxParallelNodes = defaults.MaxParallelNodes
	}

	return &Runtime{
		config:    config,
		governor:  deps.Governor,
		validator: deps.Validator,
		planner:   deps.Planner,
		resolver:  deps.Resolver,
		registry:  deps.Registry,
		providers: deps.Providers,
		breaker:   deps.Breaker,
		secrets:   deps.Secrets,
		router:    deps.Router,
		audit:     deps.Audit,
		bus:       deps.Bus,
		logger:    deps.Logger,
		tracer:    otel.Tracer("loom/executor"),
	}
}

// Execute runs one workflow from admission to delivery.
//
// Admission and validation failures are returned with their specific cause;
// once node execution begins, failures surface to the caller as a generic
// message carrying the execution id as reference, with full detail going to
// the (redacted) log instead.
func (r *Runtime) Execute(ctx context.Context, req Request) (*Response, error) {
	tracker, err := r.governor.Admit(ctx, req.TenantID, req.AgentOwnerID)
	if err != nil {
		return nil, err
	}
	executionID := tracker.ExecutionID()

	ctx, cancel := context.WithTimeout(ctx, r.config.WorkflowTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("execution.id", executionID.String()),
			attribute.String("tenant.id", req.TenantID),
			attribute.String("workflow.name", req.Graph.Name),
		))
	defer span.End()

	resp, err := r.run(ctx, req, tracker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "workflow failed")
		tracker.Fail(ctx, map[string]any{"error_code": string(types.CodeOf(err))})
		r.publish(ctx, events.NewEvent(events.EventExecutionFailed, executionID, req.TenantID, "", nil))
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	tracker.Complete(ctx, map[string]any{"output_bytes": len(resp.Output)})
	r.publish(ctx, events.NewEvent(events.EventExecutionCompleted, executionID, req.TenantID, "", nil))
	return resp, nil
}

func (r *Runtime) run(ctx context.Context, req Request, tracker *governor.Tracker) (*Response, error) {
	executionID := tracker.ExecutionID()

	result := r.validator.Validate(req.Graph)
	if !result.Valid {
		return nil, types.NewError(types.GRAPH_INVALID,
			fmt.Sprintf("graph validation failed: %v", result.Errors))
	}

	plan, err := r.planner.Plan(req.Graph)
	if err != nil {
		return nil, err
	}

	store := execstore.New(executionID, req.TenantID, req.AgentOwnerID)
	r.injectTriggers(store, req.Triggers)
	r.publish(ctx, events.NewEvent(events.EventExecutionStarted, executionID, req.TenantID, "", map[string]any{
		"workflow": req.Graph.Name,
		"levels":   len(plan.Levels),
	}))

	toolOnly := toolOnlyNodes(req.Graph)

	usage := llm.TokenUsage{}
	for _, level := range plan.Levels {
		if err := r.runLevel(ctx, req.Graph, level, toolOnly, store, &usage); err != nil {
			return nil, r.sanitizeError(ctx, executionID, err)
		}
	}

	output := r.extractFinalOutput(req.Graph, plan, store)
	output = StripControlTokens(output)

	if req.Channel != nil && r.router != nil {
		sendErr := r.router.Send(ctx, req.Channel.Type, req.Channel.ID,
			channel.Response{Type: "text", Text: output},
			channel.SendContext{
				ExecutionID: executionID,
				TenantID:    req.TenantID,
				SessionKey:  req.Channel.SessionKey,
			})
		if sendErr != nil {
			return nil, sendErr
		}
	}

	store.SetStatus(execstore.StatusCompleted)
	return &Response{ExecutionID: executionID, Output: output, Usage: usage}, nil
}

// toolOnlyNodes returns the ids of nodes whose only incoming connections
// are tool connections. They run on demand when an agent invokes them, not
// as part of the regular schedule.
func toolOnlyNodes(g *graph.Graph) map[string]bool {
	hasDep := make(map[string]bool)
	for _, e := range g.DependencyEdges() {
		hasDep[e.Target] = true
	}
	toolOnly := make(map[string]bool)
	for _, e := range g.Edges {
		if e.IsToolConnection() && !hasDep[e.Target] {
			toolOnly[e.Target] = true
		}
	}
	return toolOnly
}

// runLevel executes the nodes of one topological level, bounded by the
// parallelism semaphore. The first node error cancels the rest of the level.
func (r *Runtime) runLevel(ctx context.Context, g *graph.Graph, level []string, toolOnly map[string]bool, store *execstore.Store, usage *llm.TokenUsage) error {
	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, r.config.MaxParallelNodes)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, nodeID := range level {
		node := g.NodeByID(nodeID)
		if node == nil || node.IsTrigger() || toolOnly[nodeID] {
			// Trigger nodes are pre-satisfied: their data was injected
			// before scheduling. Tool-only nodes run when an agent
			// invokes them.
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(node *graph.Node) {
			defer wg.Done()
			defer func() { <-sem }()

			if levelCtx.Err() != nil {
				return
			}
			// Each node accumulates usage locally; the shared total is only
			// touched under mu.
			var nodeUsage llm.TokenUsage
			err := r.executeNode(levelCtx, g, node, store, &nodeUsage)
			mu.Lock()
			usage.Add(nodeUsage)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			if err != nil {
				cancel()
			}
		}(node)
	}

	wg.Wait()
	return firstErr
}

// injectTriggers writes trigger records under both node id and name with
// the trigger source stamp.
func (r *Runtime) injectTriggers(store *execstore.Store, triggers []TriggerRecord) {
	for _, t := range triggers {
		record := make(map[string]any, len(t.Data)+2)
		for k, v := range t.Data {
			record[k] = v
		}
		record["source"] = "trigger"
		if t.TriggerType != "" {
			record["triggerType"] = t.TriggerType
		}
		store.SetNodeResult(t.NodeID, t.NodeName, record)
	}
}

// extractFinalOutput returns the text of the last non-trigger node in plan
// order, trying the text-like field aliases in order.
func (r *Runtime) extractFinalOutput(g *graph.Graph, plan *graph.ExecutionPlan, store *execstore.Store) string {
	for i := len(plan.Levels) - 1; i >= 0; i-- {
		for j := len(plan.Levels[i]) - 1; j >= 0; j-- {
			node := g.NodeByID(plan.Levels[i][j])
			if node == nil || node.IsTrigger() {
				continue
			}
			result, ok := store.Get(node.ID)
			if !ok {
				continue
			}
			if text := textField(result); text != "" {
				return text
			}
		}
	}
	return ""
}

// textField extracts a text-like value from a stored result, descending one
// level into a "json" wrapper when present.
func textField(result map[string]any) string {
	aliases := []string{"output", "agentOutput", "text", "message", "content", "response", "result"}
	for _, alias := range aliases {
		if v, ok := result[alias]; ok {
			if s, isStr := v.(string); isStr && s != "" {
				return s
			}
		}
	}
	if inner, ok := result["json"].(map[string]any); ok {
		return textField(inner)
	}
	return ""
}

// sanitizeError logs the full error (redacted) and returns the generic
// caller-visible form carrying the execution id as reference. Internal
// detail never crosses the trust boundary.
func (r *Runtime) sanitizeError(ctx context.Context, executionID types.ID, err error) error {
	if r.logger != nil {
		r.logger.Error(ctx, "node execution failed",
			"execution_id", executionID.String(),
			"error", err.Error(),
		)
	}
	code := types.CodeOf(err)
	if code == "" {
		code = types.EXEC_NODE_FAILED
	}
	return types.NewError(code,
		fmt.Sprintf("workflow execution failed (reference %s)", executionID))
}

func (r *Runtime) publish(ctx context.Context, event events.Event) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, event)
}
