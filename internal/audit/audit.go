// Package audit provides the signed audit trail.
//
// Every admission, completion, failure, secret access, and tenant-isolation
// violation is recorded as an Event carrying an HMAC-SHA256 signature over
// its canonical JSON form. A Logger cannot be constructed without a signing
// key: unsigned audit events do not exist.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/agentloom/loom/internal/observability"
	"github.com/agentloom/loom/internal/types"
)

// EventType classifies audit events.
type EventType string

const (
	EventAdmission         EventType = "admission"
	EventAdmissionRejected EventType = "admission_rejected"
	EventRateLimited       EventType = "rate_limited"
	EventExecutionComplete EventType = "execution_completed"
	EventExecutionFailed   EventType = "execution_failed"
	EventNodeTimeout       EventType = "node_timeout"
	EventSecretAccess      EventType = "secret_access"
	EventTenantViolation   EventType = "tenant_violation"
	EventBreakerOpen       EventType = "breaker_open"
)

// Event is a single signed audit record.
type Event struct {
	Type         EventType      `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	ExecutionID  types.ID       `json:"execution_id,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	AgentOwnerID string         `json:"agent_owner_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Signature    string         `json:"signature"`
}

// Logger signs and records audit events.
type Logger struct {
	key  []byte
	sink *slog.Logger
}

// NewLogger creates an audit logger with the given HMAC signing key.
// An empty key is a configuration error: construction fails fast rather
// than producing unsigned events.
func NewLogger(signingKey []byte, sink *slog.Logger) (*Logger, error) {
	if len(signingKey) == 0 {
		return nil, types.NewError(types.AUDIT_KEY_MISSING, "audit signing key is required")
	}
	if sink == nil {
		sink = slog.Default()
	}
	return &Logger{key: signingKey, sink: sink}, nil
}

// Record builds, signs, and emits an audit event. Details pass through the
// redaction filter before signing so sensitive values never enter the trail.
func (l *Logger) Record(ctx context.Context, eventType EventType, executionID types.ID, tenantID, agentOwnerID string, details map[string]any) (Event, error) {
	event := Event{
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ExecutionID:  executionID,
		TenantID:     tenantID,
		AgentOwnerID: agentOwnerID,
		Details:      observability.RedactMap(details),
	}

	signature, err := l.sign(event)
	if err != nil {
		return Event{}, types.WrapError(types.AUDIT_SIGN_FAILED, "failed to sign audit event", err)
	}
	event.Signature = signature

	l.sink.InfoContext(ctx, "audit event",
		"event_type", string(event.Type),
		"execution_id", event.ExecutionID.String(),
		"tenant_id", event.TenantID,
		"agent_owner_id", event.AgentOwnerID,
		"signature", event.Signature,
	)

	return event, nil
}

// Verify recomputes the signature for an event and reports whether it
// matches, in constant time.
func (l *Logger) Verify(event Event) bool {
	expected, err := l.sign(event)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(event.Signature))
}

// sign computes the HMAC-SHA256 over the event's canonical form, excluding
// the signature field itself.
func (l *Logger) sign(event Event) (string, error) {
	canonical, err := canonicalize(event)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, l.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalize renders the event as deterministic JSON: fixed field order,
// details keys sorted, signature excluded.
func canonicalize(event Event) ([]byte, error) {
	type canonicalEvent struct {
		Type         EventType `json:"event_type"`
		Timestamp    string    `json:"timestamp"`
		ExecutionID  string    `json:"execution_id"`
		TenantID     string    `json:"tenant_id"`
		AgentOwnerID string    `json:"agent_owner_id"`
		Details      string    `json:"details"`
	}

	details, err := canonicalDetails(event.Details)
	if err != nil {
		return nil, err
	}

	return json.Marshal(canonicalEvent{
		Type:         event.Type,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		ExecutionID:  event.ExecutionID.String(),
		TenantID:     event.TenantID,
		AgentOwnerID: event.AgentOwnerID,
		Details:      details,
	})
}

// canonicalDetails renders a details map with recursively sorted keys.
func canonicalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, details[k])
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
