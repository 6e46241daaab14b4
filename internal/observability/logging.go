// Package observability provides structured logging with trace correlation
// and sensitive-data redaction.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TracedLogger is a structured logger with automatic trace correlation.
// It wraps slog.Logger, adds execution/tenant context to every entry, and
// passes all fields through the redaction filter before they reach a sink.
type TracedLogger struct {
	logger      *slog.Logger
	executionID string
	tenantID    string
}

// NewTracedLogger creates a TracedLogger with the specified handler and
// execution context.
func NewTracedLogger(handler slog.Handler, executionID, tenantID string) *TracedLogger {
	return &TracedLogger{
		logger:      slog.New(handler),
		executionID: executionID,
		tenantID:    tenantID,
	}
}

// Debug logs a debug-level message with trace correlation.
func (l *TracedLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, RedactArgs(args)...)
}

// Info logs an info-level message with trace correlation.
func (l *TracedLogger) Info(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, RedactArgs(args)...)
}

// Warn logs a warning-level message with trace correlation.
func (l *TracedLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, RedactArgs(args)...)
}

// Error logs an error-level message with trace correlation.
func (l *TracedLogger) Error(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, RedactArgs(args)...)
}

// WithContext creates a slog.Logger with execution context and, when a valid
// OpenTelemetry span is present, trace_id/span_id correlation fields.
func (l *TracedLogger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger.With(
		slog.String("execution_id", l.executionID),
		slog.String("tenant_id", l.tenantID),
	)

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		logger = logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return logger
}

// NewJSONHandler creates a JSON log handler for production use.
func NewJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// NewTextHandler creates a text log handler for development use.
func NewTextHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// sensitivePatterns match field keys (normalized: lowercase, separators
// stripped) whose values must never reach a log sink.
var sensitivePatterns = []string{
	"apikey",
	"secret",
	"password",
	"token",
	"credential",
	"bearer",
	"authorization",
}

const redactedPlaceholder = "[REDACTED]"

// isSensitiveKey reports whether a field key matches a sensitive pattern.
func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	for _, pattern := range sensitivePatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

// isSensitiveValue reports whether a string value itself looks like a
// credential (e.g. "Bearer ...").
func isSensitiveValue(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "authorization:")
}

// RedactArgs blanks sensitive values in slog-style key-value argument lists.
func RedactArgs(args []any) []any {
	if len(args)%2 != 0 {
		return args
	}

	redacted := make([]any, len(args))
	copy(redacted, args)

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if isSensitiveKey(key) {
			redacted[i+1] = redactedPlaceholder
			continue
		}
		if s, isStr := args[i+1].(string); isStr && isSensitiveValue(s) {
			redacted[i+1] = redactedPlaceholder
		}
	}

	return redacted
}

// RedactMap returns a copy of the map with sensitive entries blanked,
// recursing into nested maps.
func RedactMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		switch tv := v.(type) {
		case map[string]any:
			out[k] = RedactMap(tv)
		case string:
			if isSensitiveValue(tv) {
				out[k] = redactedPlaceholder
			} else {
				out[k] = tv
			}
		default:
			out[k] = v
		}
	}
	return out
}
