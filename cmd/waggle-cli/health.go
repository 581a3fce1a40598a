package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check router health",
		Long:  "Check the health of every stage of the router",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "✅ Router is healthy!\n")
	} else {
		fmt.Fprintf(out, "❌ Router is not healthy!\n")
	}
	for _, stage := range health.Nodes {
		fmt.Fprintf(out, "%s: healthy=%t workers=%d forwarded=%d dropped=%d requeued=%d\n",
			stage.Queue, stage.Healthy, stage.Workers, stage.Forwarded, stage.Dropped, stage.Requeued)
		if stage.Message != "" {
			fmt.Fprintf(out, "  %s\n", stage.Message)
		}
	}
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return fmt.Errorf("router is not healthy")
	}
	return nil
}
