package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentloom/loom/internal/audit"
	"github.com/agentloom/loom/internal/breaker"
	"github.com/agentloom/loom/internal/config"
	"github.com/agentloom/loom/internal/events"
	"github.com/agentloom/loom/internal/executor"
	"github.com/agentloom/loom/internal/governor"
	"github.com/agentloom/loom/internal/graph"
	"github.com/agentloom/loom/internal/integration"
	"github.com/agentloom/loom/internal/llm"
	"github.com/agentloom/loom/internal/observability"
	"github.com/agentloom/loom/internal/resolver"
	"github.com/agentloom/loom/internal/secret"
	"github.com/agentloom/loom/internal/types"
)

var (
	runTenantID string
	runOwnerID  string
	runInput    string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute a workflow",
	Long: `Execute a workflow graph locally. Trigger data is passed with --input
and injected into the workflow's trigger node before scheduling.

Integration handlers and LLM providers are registered by the embedding
process; a bare CLI run supports trigger and graph semantics only.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runTenantID, "tenant", "local", "tenant id for the execution")
	runCmd.Flags().StringVar(&runOwnerID, "owner", "local", "agent owner id for the execution")
	runCmd.Flags().StringVar(&runInput, "input", "{}", "trigger data as a JSON object")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}

	g, err := graph.LoadFile(args[0])
	if err != nil {
		return err
	}
	if g.TenantOwnerID == "" {
		g.TenantOwnerID = runTenantID
	}

	var triggerData map[string]any
	if err := json.Unmarshal([]byte(runInput), &triggerData); err != nil {
		return fmt.Errorf("invalid --input JSON: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = observability.NewTextHandler(os.Stderr, level)
	} else {
		handler = observability.NewJSONHandler(os.Stderr, level)
	}

	auditLogger, err := audit.NewLogger([]byte(cfg.Audit.SigningKey), slog.New(handler))
	if err != nil {
		return err
	}

	gov := governor.New(governor.Config{
		GlobalActiveCap:       cfg.Limits.GlobalActiveCap,
		TenantActiveCap:       cfg.Limits.TenantActiveCap,
		TenantPerMinute:       cfg.Limits.TenantPerMinute,
		TenantPerHour:         cfg.Limits.TenantPerHour,
		SweepInterval:         cfg.Limits.SweepInterval,
		StaleRunningThreshold: cfg.Limits.StaleRunningThreshold,
		FinishedRetention:     cfg.Limits.FinishedRetention,
	}, auditLogger)
	defer gov.Close()

	bus := events.NewBus()
	defer bus.Close()

	runtime := executor.NewRuntime(executor.Config{
		NodeTimeout:        cfg.Limits.NodeTimeout,
		WorkflowTimeout:    cfg.Limits.WorkflowTimeout,
		MaxResultBytes:     cfg.Limits.MaxResultBytes,
		MaxToolRegistry:    cfg.Limits.MaxToolRegistry,
		MaxAgentIterations: cfg.Limits.MaxAgentIterations,
		MaxParallelNodes:   cfg.Limits.MaxParallelNodes,
	}, executor.Deps{
		Governor: gov,
		Validator: graph.NewValidator(graph.Limits{
			MaxNodes: cfg.Limits.MaxNodes,
			MaxEdges: cfg.Limits.MaxEdges,
		}),
		Planner:   graph.NewPlanner(),
		Resolver:  resolver.New(),
		Registry:  integration.NewMapRegistry(),
		Providers: llm.NewRegistry(),
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.Limits.BreakerFailureThreshold,
			Cooldown:         cfg.Limits.BreakerCooldown,
		}),
		Secrets: secret.NewMemoryStore(),
		Audit:   auditLogger,
		Bus:     bus,
	})

	req := executor.Request{
		Graph:        g,
		TenantID:     runTenantID,
		AgentOwnerID: runOwnerID,
	}
	for _, node := range g.Nodes {
		if node.IsTrigger() {
			req.Triggers = append(req.Triggers, executor.TriggerRecord{
				NodeID:   node.ID,
				NodeName: node.Name,
				Data:     triggerData,
			})
			break
		}
	}

	resp, err := runtime.Execute(cmd.Context(), req)
	if err != nil {
		if types.IsRetryable(err) {
			return fmt.Errorf("%w (transient; retry later)", err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "execution %s completed\n", resp.ExecutionID)
	if resp.Output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Output)
	}
	return nil
}
