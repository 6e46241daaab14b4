package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentloom/loom/internal/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Validate a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	g, err := graph.LoadFile(args[0])
	if err != nil {
		return err
	}

	validator := graph.NewValidator(graph.DefaultLimits())
	result := validator.Validate(g)

	for _, warning := range result.Warnings {
		fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
		}
		return fmt.Errorf("workflow %q is invalid (%d errors)", g.Name, len(result.Errors))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "workflow %q is valid (%d nodes, %d edges)\n",
		g.Name, len(g.Nodes), len(g.Edges))
	return nil
}
