package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactArgs(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want []any
	}{
		{
			name: "api key variants",
			args: []any{"api_key", "sk-1234", "apiKey", "sk-5678", "node", "safe"},
			want: []any{"api_key", "[REDACTED]", "apiKey", "[REDACTED]", "node", "safe"},
		},
		{
			name: "token and password",
			args: []any{"auth_token", "t", "password", "p"},
			want: []any{"auth_token", "[REDACTED]", "password", "[REDACTED]"},
		},
		{
			name: "bearer value without sensitive key",
			args: []any{"header", "Bearer abc123"},
			want: []any{"header", "[REDACTED]"},
		},
		{
			name: "odd length untouched",
			args: []any{"only-key"},
			want: []any{"only-key"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactArgs(tt.args))
		})
	}
}

func TestRedactMap_Nested(t *testing.T) {
	in := map[string]any{
		"credential": "top-secret",
		"config": map[string]any{
			"Authorization": "Bearer xyz",
			"endpoint":      "https://api.example.com",
		},
		"count": 3,
	}

	out := RedactMap(in)

	assert.Equal(t, "[REDACTED]", out["credential"])
	nested := out["config"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["Authorization"])
	assert.Equal(t, "https://api.example.com", nested["endpoint"])
	assert.Equal(t, 3, out["count"])

	// The input map is not mutated.
	assert.Equal(t, "top-secret", in["credential"])
}

func TestTracedLogger_RedactsBeforeSink(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTracedLogger(NewJSONHandler(&buf, slog.LevelDebug), "exec-1", "tenant-1")

	logger.Info(context.Background(), "provider call", "api_key", "sk-very-secret", "model", "gpt-4")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "gpt-4", entry["model"])
	assert.Equal(t, "exec-1", entry["execution_id"])
	assert.Equal(t, "tenant-1", entry["tenant_id"])
	assert.NotContains(t, buf.String(), "sk-very-secret")
}
