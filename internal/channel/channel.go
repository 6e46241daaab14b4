// Package channel routes final workflow output back to the originating
// channel.
//
// Delivery itself is an external collaborator behind the Adapter interface;
// this package owns the tenant-isolation gate in front of it. The Router
// refuses to send through a channel the requesting tenant does not own, and
// every refusal is audited as a tenant violation.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/types"
)

// Response is the payload delivered to a channel.
type Response struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendContext carries execution identity alongside a send.
type SendContext struct {
	ExecutionID types.ID
	TenantID    string
	SessionKey  string
}

// Adapter delivers responses to a concrete channel transport.
type Adapter interface {
	// Send delivers the response to the channel. Implementations own
	// retries and transport-level errors.
	Send(ctx context.Context, channelType, channelID string, response Response, sendCtx SendContext) error

	// IsSupported reports whether the adapter can deliver to channels of
	// the given type.
	IsSupported(channelType string) bool
}

// OwnershipResolver answers which tenant owns a channel. The zero answer
// (ok=false) means the channel is unknown.
type OwnershipResolver interface {
	OwnerOf(ctx context.Context, channelType, channelID string) (tenantID string, ok bool)
}

// Router gates channel delivery behind tenant-ownership verification.
type Router struct {
	adapter   Adapter
	ownership OwnershipResolver
	audit     *audit.Logger
}

// NewRouter creates a Router. The audit logger may be nil in tests.
func NewRouter(adapter Adapter, ownership OwnershipResolver, auditLogger *audit.Logger) *Router {
	return &Router{adapter: adapter, ownership: ownership, audit: auditLogger}
}

// Send verifies channel ownership against the tenant in sendCtx, then
// delegates to the adapter. An unknown channel or a tenant mismatch is a
// hard rejection, audited as a tenant violation.
func (r *Router) Send(ctx context.Context, channelType, channelID string, response Response, sendCtx SendContext) error {
	if !r.adapter.IsSupported(channelType) {
		return types.NewError(types.CHANNEL_UNSUPPORTED,
			fmt.Sprintf("channel type %q is not supported", channelType))
	}

	owner, ok := r.ownership.OwnerOf(ctx, channelType, channelID)
	if !ok || owner != sendCtx.TenantID {
		if r.audit != nil {
			_, _ = r.audit.Record(ctx, audit.EventTenantViolation, sendCtx.ExecutionID, sendCtx.TenantID, "", map[string]any{
				"channel_type": channelType,
				"channel_id":   channelID,
				"reason":       "channel_ownership_mismatch",
			})
		}
		return types.NewError(types.CHANNEL_TENANT_MISMATCH,
			"channel does not belong to the requesting tenant")
	}

	if err := r.adapter.Send(ctx, channelType, channelID, response, sendCtx); err != nil {
		return types.WrapError(types.CHANNEL_SEND_FAILED, "channel delivery failed", err)
	}
	return nil
}

// StaticOwnership is an in-memory OwnershipResolver for wiring and tests.
type StaticOwnership struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewStaticOwnership creates an empty ownership table.
func NewStaticOwnership() *StaticOwnership {
	return &StaticOwnership{owners: make(map[string]string)}
}

// Claim records the tenant as owner of the channel.
func (s *StaticOwnership) Claim(channelType, channelID, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[channelType+"/"+channelID] = tenantID
}

// OwnerOf implements OwnershipResolver.
func (s *StaticOwnership) OwnerOf(_ context.Context, channelType, channelID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenantID, ok := s.owners[channelType+"/"+channelID]
	return tenantID, ok
}

var _ OwnershipResolver = (*StaticOwnership)(nil)
