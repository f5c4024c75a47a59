package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chainpulse/chainpulse/internal/cards"
	"github.com/chainpulse/chainpulse/internal/push"
)

func dispatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Drain the push outbox to Telegram without the full worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(true)
			if err != nil {
				return err
			}
			defer a.st.DB.Close()

			tgCfg := push.TelegramConfigFromEnv()
			client, err := push.NewTelegramClient(tgCfg)
			if err != nil {
				return err
			}
			dispatcher := push.NewDispatcher(push.Config{
				ChannelID:   tgCfg.ChannelID,
				TemplateV:   cards.SchemaVersion,
				RatePerSec:  int(tgCfg.RateLimit),
				SnapshotDir: envOr("CARD_SNAPSHOT_DIR", "/tmp/chainpulse-snapshots"),
			}, a.st, a.kv, client, a.metrics)

			if once {
				stats, err := dispatcher.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"dequeued=%d sent=%d retried=%d dlq=%d deduped=%d\n",
					stats.Dequeued, stats.Sent, stats.Retried, stats.DLQ, stats.Deduped)
				return nil
			}

			log.Info().Str("channel", tgCfg.ChannelID).Msg("dispatcher starting")
			dispatcher.Run(cmd.Context())
			log.Info().Msg("dispatcher stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single drain pass and exit")
	return cmd
}
