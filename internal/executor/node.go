package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/events"
	"github.com/agentloom/loom/internal/execstore"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/integration"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/types"
)

// executeNode resolves a node's inputs, dispatches it, and stores the
// result under both node id and name.
func (r *Runtime) executeNode(ctx context.Context, g *graph.Graph, node *graph.Node, store *execstore.Store, usage *llm.TokenUsage) error {
	ctx, span := r.tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		))
	defer span.End()

	r.publish(ctx, events.NewEvent(events.EventNodeStarted, store.ExecutionID(), store.TenantID(), node.ID, nil))

	params, _ := r.resolver.ResolveDeep(node.Parameters, store).(map[string]any)

	var (
		result map[string]any
		err    error
	)
	if node.IsAgent() {
		result, err = r.executeAgent(ctx, g, node, params, store, usage)
	} else {
		result, err = r.executeIntegration(ctx, node, params, store)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "node failed")
		r.publish(ctx, events.NewEvent(events.EventNodeFailed, store.ExecutionID(), store.TenantID(), node.ID, map[string]any{
			"error_code": string(types.CodeOf(err)),
		}))
		return err
	}

	result = r.capResultSize(node, result)
	store.SetNodeResult(node.ID, node.Name, result)

	span.SetStatus(codes.Ok, "")
	r.publish(ctx, events.NewEvent(events.EventNodeCompleted, store.ExecutionID(), store.TenantID(), node.ID, nil))
	return nil
}

// executeIntegration looks up the node's handler and invokes it under the
// per-node timeout, normalizing the result per handler metadata.
func (r *Runtime) executeIntegration(ctx context.Context, node *graph.Node, params map[string]any, store *execstore.Store) (map[string]any, error) {
	handler, meta, err := r.registry.GetFunction(node.Integration, node.Function)
	if err != nil {
		return nil, err
	}

	result, err := r.invokeHandler(ctx, handler, integration.Call{
		Execution:  store,
		Node:       node,
		Parameters: params,
	}, node.ID, store)
	if err != nil {
		return nil, err
	}

	return normalizeResult(result, meta), nil
}

// invokeHandler runs the handler in a goroutine and races it against the
// per-node deadline. A timeout is audited before the run aborts.
func (r *Runtime) invokeHandler(ctx context.Context, handler integration.Handler, call integration.Call, nodeID string, store *execstore.Store) (*integration.Result, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, r.config.NodeTimeout)
	defer cancel()

	type outcome struct {
		result *integration.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(nodeCtx, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, types.WrapError(types.EXEC_NODE_FAILED,
				fmt.Sprintf("node %s handler failed", nodeID), out.err)
		}
		return out.result, nil

	case <-nodeCtx.Done():
		if ctx.Err() != nil {
			// The workflow-level deadline or a sibling failure cancelled
			// us, not this node's own timeout.
			return nil, types.WrapError(types.EXEC_WORKFLOW_TIMEOUT,
				"workflow cancelled during node execution", ctx.Err())
		}
		if r.audit != nil {
			_, _ = r.audit.Record(ctx, audit.EventNodeTimeout, store.ExecutionID(), store.TenantID(), store.AgentOwnerID(), map[string]any{
				"node_id": nodeID,
				"timeout": r.config.NodeTimeout.String(),
			})
		}
		return nil, types.NewError(types.EXEC_NODE_TIMEOUT,
			fmt.Sprintf("node %s timed out after %s", nodeID, r.config.NodeTimeout))
	}
}

// normalizeResult shapes a handler result per its metadata: data handlers
// return record-shaped data under a "json" key, context handlers return
// context-shaped maps as-is.
func normalizeResult(result *integration.Result, meta *integration.HandlerMeta) map[string]any {
	if result == nil || result.Data == nil {
		return map[string]any{}
	}
	if meta != nil && meta.Type == integration.TypeData {
		if _, ok := result.Data["json"]; ok {
			return result.Data
		}
		return map[string]any{"json": result.Data}
	}
	return result.Data
}

// capResultSize replaces results whose JSON encoding exceeds the configured
// byte cap with a truncated error-shaped result, so the context store never
// grows unbounded.
func (r *Runtime) capResultSize(node *graph.Node, result map[string]any) map[string]any {
	encoded, err := json.Marshal(result)
	if err != nil || len(encoded) <= r.config.MaxResultBytes {
		return result
	}
	return map[string]any{
		"error":     fmt.Sprintf("result for node %s exceeded the %d byte limit and was truncated", node.ID, r.config.MaxResultBytes),
		"truncated": true,
		"size":      len(encoded),
	}
}
