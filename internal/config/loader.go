package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/agentloom/loom/internal/types"
)

// Load reads a YAML config file, applies defaults and ${ENV_VAR}
// interpolation, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to unmarshal config", err)
	}

	interpolate(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults behaves like Load, but a missing file yields the default
// configuration with the audit key taken from LOOM_AUDIT_SIGNING_KEY.
func LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Audit.SigningKey = os.Getenv("LOOM_AUDIT_SIGNING_KEY")
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultLimits()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("limits.max_nodes", defaults.MaxNodes)
	v.SetDefault("limits.max_edges", defaults.MaxEdges)
	v.SetDefault("limits.node_timeout", defaults.NodeTimeout)
	v.SetDefault("limits.workflow_timeout", defaults.WorkflowTimeout)
	v.SetDefault("limits.max_result_bytes", defaults.MaxResultBytes)
	v.SetDefault("limits.max_tool_registry", defaults.MaxToolRegistry)
	v.SetDefault("limits.max_agent_iterations", defaults.MaxAgentIterations)
	v.SetDefault("limits.max_parallel_nodes", defaults.MaxParallelNodes)
	v.SetDefault("limits.global_active_cap", defaults.GlobalActiveCap)
	v.SetDefault("limits.tenant_active_cap", defaults.TenantActiveCap)
	v.SetDefault("limits.tenant_per_minute", defaults.TenantPerMinute)
	v.SetDefault("limits.tenant_per_hour", defaults.TenantPerHour)
	v.SetDefault("limits.sweep_interval", defaults.SweepInterval)
	v.SetDefault("limits.stale_running_threshold", defaults.StaleRunningThreshold)
	v.SetDefault("limits.finished_retention", defaults.FinishedRetention)
	v.SetDefault("limits.breaker_failure_threshold", defaults.BreakerFailureThreshold)
	v.SetDefault("limits.breaker_cooldown", defaults.BreakerCooldown)
}

// envVarRe matches ${VAR_NAME} spans in config strings.
var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate replaces ${VAR_NAME} with environment values in the string
// fields that accept them. Unset variables leave the span in place.
func interpolate(cfg *Config) {
	cfg.Audit.SigningKey = interpolateString(cfg.Audit.SigningKey)
	cfg.Logging.Level = interpolateString(cfg.Logging.Level)
	cfg.Logging.Format = interpolateString(cfg.Logging.Format)
}

func interpolateString(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})
}
