// Package config loads and validates runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/agentloom/loom/internal/types"
)

// Config is the full runtime configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Limits  Limits        `mapstructure:"limits"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is one of json, text.
	Format string `mapstructure:"format"`
}

// AuditConfig controls the signed audit trail.
type AuditConfig struct {
	// SigningKey is the HMAC-SHA256 key. Required: a missing key is a
	// startup-fatal condition, never a silently-skipped feature.
	// Supports ${ENV_VAR} interpolation.
	SigningKey string `mapstructure:"signing_key"`
}

// Limits carries every runtime tunable.
type Limits struct {
	// Graph caps.
	MaxNodes int `mapstructure:"max_nodes"`
	MaxEdges int `mapstructure:"max_edges"`

	// Execution timeouts and sizes.
	NodeTimeout        time.Duration `mapstructure:"node_timeout"`
	WorkflowTimeout    time.Duration `mapstructure:"workflow_timeout"`
	MaxResultBytes     int           `mapstructure:"max_result_bytes"`
	MaxToolRegistry    int           `mapstructure:"max_tool_registry"`
	MaxAgentIterations int           `mapstructure:"max_agent_iterations"`
	MaxParallelNodes   int           `mapstructure:"max_parallel_nodes"`

	// Admission control.
	GlobalActiveCap int `mapstructure:"global_active_cap"`
	TenantActiveCap int `mapstructure:"tenant_active_cap"`
	TenantPerMinute int `mapstructure:"tenant_per_minute"`
	TenantPerHour   int `mapstructure:"tenant_per_hour"`

	// Lifecycle sweep.
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	StaleRunningThreshold time.Duration `mapstructure:"stale_running_threshold"`
	FinishedRetention     time.Duration `mapstructure:"finished_retention"`

	// Circuit breaker.
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
}

// DefaultConfig returns the default configuration. The audit signing key
// has no default: it must be provided.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Limits:  DefaultLimits(),
	}
}

// DefaultLimits returns the default tunables.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:                1000,
		MaxEdges:                5000,
		NodeTimeout:             30 * time.Second,
		WorkflowTimeout:         5 * time.Minute,
		MaxResultBytes:          10 * 1024 * 1024,
		MaxToolRegistry:         7,
		MaxAgentIterations:      10,
		MaxParallelNodes:        4,
		GlobalActiveCap:         10000,
		TenantActiveCap:         100,
		TenantPerMinute:         10,
		TenantPerHour:           100,
		SweepInterval:           60 * time.Second,
		StaleRunningThreshold:   time.Hour,
		FinishedRetention:       5 * time.Minute,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         60 * time.Second,
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Audit.SigningKey == "" {
		return types.NewError(types.AUDIT_KEY_MISSING,
			"audit.signing_key is required; unsigned audit events are not permitted")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("invalid logging.level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("invalid logging.format %q", c.Logging.Format))
	}

	if c.Limits.MaxNodes < 0 || c.Limits.MaxEdges < 0 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			"graph caps must not be negative")
	}
	return nil
}
