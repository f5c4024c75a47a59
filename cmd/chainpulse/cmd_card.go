package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func cardCmd() *cobra.Command {
	var render bool
	cmd := &cobra.Command{
		Use:   "card <event-key>",
		Short: "Build a card for one event and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer a.st.DB.Close()

			card, err := a.builder.Build(cmd.Context(), args[0], render)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(card, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "include telegram/html renderings")
	return cmd
}
