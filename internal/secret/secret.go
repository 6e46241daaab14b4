// Package secret defines the tenant-scoped secret store contract.
//
// Workflow configurations never carry secret values, only references. A
// reference is resolved just-in-time through a Store implementation, and the
// reference's tenant must match the requesting tenant before lookup.
package secret

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentloom/loom/internal/types"
)

// Reference points at a stored secret without carrying its value.
type Reference struct {
	// SecretID identifies the secret within the store.
	SecretID string `json:"secret_id" yaml:"secret_id"`

	// TenantID scopes the secret to its owning tenant.
	TenantID string `json:"tenant_id" yaml:"tenant_id"`

	// Type describes the secret kind (e.g. "api_key").
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Store resolves secret references to their values.
//
// Implementations must enforce that ref.TenantID equals the requesting
// tenantID before any lookup occurs; a mismatch is a tenant-isolation
// violation, never a not-found.
type Store interface {
	// Get resolves a reference for the given tenant.
	// Returns SECRET_TENANT_MISMATCH on tenant mismatch and
	// SECRET_NOT_FOUND when the secret does not exist.
	Get(ctx context.Context, ref Reference, tenantID string) (string, error)
}

// MemoryStore is an in-memory Store for wiring and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string // "tenantID/secretID" -> value
}

// NewMemoryStore creates an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Put stores a secret value for a tenant.
func (s *MemoryStore) Put(tenantID, secretID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[tenantID+"/"+secretID] = value
}

// Get implements Store. The tenant match is checked before any lookup.
func (s *MemoryStore) Get(_ context.Context, ref Reference, tenantID string) (string, error) {
	if ref.TenantID != tenantID {
		return "", types.NewError(types.SECRET_TENANT_MISMATCH,
			fmt.Sprintf("secret %q belongs to a different tenant", ref.SecretID))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[tenantID+"/"+ref.SecretID]
	if !ok {
		return "", types.NewError(types.SECRET_NOT_FOUND,
			fmt.Sprintf("secret %q not found", ref.SecretID))
	}
	return value, nil
}

var _ Store = (*MemoryStore)(nil)
