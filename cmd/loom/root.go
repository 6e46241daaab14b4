package main

import (
	"context"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom runs multi-tenant agent workflow graphs",
	Long: `Loom executes workflow graphs where nodes are integration calls or
LLM agent steps. Workflows are defined in YAML; execution is governed by
per-tenant admission control, timeouts, and a signed audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "loom.yaml", "path to the runtime config file")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command with the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
