package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/loom/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: text
audit:
  signing_key: test-signing-key
limits:
  max_nodes: 50
  node_timeout: 10s
  tenant_active_cap: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "test-signing-key", cfg.Audit.SigningKey)
	assert.Equal(t, 50, cfg.Limits.MaxNodes)
	assert.Equal(t, 10*time.Second, cfg.Limits.NodeTimeout)
	assert.Equal(t, 7, cfg.Limits.TenantActiveCap)

	// Unspecified limits keep their defaults.
	assert.Equal(t, 5000, cfg.Limits.MaxEdges)
	assert.Equal(t, 5*time.Minute, cfg.Limits.WorkflowTimeout)
}

func TestLoad_MissingAuditKeyIsFatal(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, types.AUDIT_KEY_MISSING, types.CodeOf(err))
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("LOOM_TEST_SIGNING_KEY", "from-env")

	path := writeConfig(t, `
audit:
  signing_key: ${LOOM_TEST_SIGNING_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Audit.SigningKey)
}

func TestLoad_InvalidLoggingLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: chatty
audit:
  signing_key: key
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
}

func TestLoadWithDefaults_MissingFile(t *testing.T) {
	t.Setenv("LOOM_AUDIT_SIGNING_KEY", "env-key")

	cfg, err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Audit.SigningKey)
	assert.Equal(t, DefaultLimits(), cfg.Limits)
}

func TestLoadWithDefaults_MissingFileAndKeyFails(t *testing.T) {
	t.Setenv("LOOM_AUDIT_SIGNING_KEY", "")

	_, err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.AUDIT_KEY_MISSING, types.CodeOf(err))
}
