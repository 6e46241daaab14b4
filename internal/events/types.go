// Package events provides the execution event bus.
//
// The bus distributes workflow lifecycle events (execution started, node
// completed, and so on) to subscribers with optional filtering. Publish is
// non-blocking: a subscriber whose buffer is full has events dropped rather
// than stalling the executor.
package events

import (
	"time"

	"github.com/agentloom/loom/internal/types"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"

	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"

	EventAgentIteration EventType = "agent.iteration"
	EventToolInvoked    EventType = "agent.tool_invoked"
)

// Event is a single workflow lifecycle event.
type Event struct {
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID types.ID       `json:"execution_id"`
	TenantID    string         `json:"tenant_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, executionID types.ID, tenantID, nodeID string, data map[string]any) Event {
	return Event{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		TenantID:    tenantID,
		NodeID:      nodeID,
		Data:        data,
	}
}

// Filter selects which events a subscriber receives. Zero-valued fields
// match everything.
type Filter struct {
	// Types restricts delivery to the listed event types.
	Types []EventType

	// ExecutionID restricts delivery to one execution.
	ExecutionID types.ID

	// TenantID restricts delivery to one tenant.
	TenantID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.ExecutionID.IsZero() && f.ExecutionID != event.ExecutionID {
		return false
	}
	if f.TenantID != "" && f.TenantID != event.TenantID {
		return false
	}
	return true
}
