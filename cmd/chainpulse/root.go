package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "chainpulse",
		Short: "ChainPulse crypto signal pipeline",
	}
	root.AddCommand(workerCmd())
	root.AddCommand(dispatchCmd())
	root.AddCommand(cardCmd())
	root.AddCommand(healthCmd())
	return root.ExecuteContext(ctx)
}
