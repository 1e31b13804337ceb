package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/model"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Pull unseen messages and record their image attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report := &model.CycleReport{}
		batch, err := env.Pipeline.Download(ctx, report)
		if err != nil {
			return err
		}

		zap.L().Info("download finished",
			zap.Int("messages_seen", report.Download.MessagesSeen),
			zap.Int("messages_failed", report.Download.MessagesFailed),
			zap.Int("items_downloaded", report.Download.ItemsDownloaded),
			zap.Int("degraded_ids", report.Download.DegradedIDs),
			zap.Strings("item_ids", batch.IDs),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
