package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/internal/types"
)

func TestMemoryStore_Get(t *testing.T) {
	store := NewMemoryStore()
	store.Put("tenant-1", "llm-key", "sk-value")

	value, err := store.Get(context.Background(),
		Reference{SecretID: "llm-key", TenantID: "tenant-1", Type: "api_key"}, "tenant-1")

	require.NoError(t, err)
	assert.Equal(t, "sk-value", value)
}

func TestMemoryStore_TenantMismatchBeforeLookup(t *testing.T) {
	store := NewMemoryStore()
	store.Put("tenant-2", "llm-key", "sk-value")

	// The reference belongs to tenant-2; tenant-1 must be rejected with a
	// mismatch, even though the secret exists.
	_, err := store.Get(context.Background(),
		Reference{SecretID: "llm-key", TenantID: "tenant-2", Type: "api_key"}, "tenant-1")

	require.Error(t, err)
	assert.Equal(t, types.SECRET_TENANT_MISMATCH, types.CodeOf(err))
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(),
		Reference{SecretID: "missing", TenantID: "tenant-1"}, "tenant-1")

	require.Error(t, err)
	assert.Equal(t, types.SECRET_NOT_FOUND, types.CodeOf(err))
}
