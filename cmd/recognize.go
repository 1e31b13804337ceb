package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/allocator"
	"github.com/ledgerline/remitscan/internal/export"
	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/pipeline"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize [item-id...]",
	Short: "Run recognition over downloaded items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		// No mail connection needed for a recognition rerun.
		pipe := pipeline.New(nil, st, allocator.New(st), newEnricher(cfg),
			export.NewWriter(st, cfg.Pipeline.ExportDir), cfg.Pipeline.DownloadDir,
			pipeline.WithConcurrency(cfg.Pipeline.MaxConcurrent))

		report := &model.CycleReport{}
		if err := pipe.Enrich(ctx, model.Batch{IDs: args}, report); err != nil {
			return err
		}

		zap.L().Info("recognition finished",
			zap.Int("attempted", report.Enrich.Attempted),
			zap.Int("recognized", report.Enrich.Recognized),
			zap.Int("skipped", report.Enrich.Skipped),
			zap.Int("parse_failed", report.Enrich.ParseFailed),
			zap.Int("transport_failed", report.Enrich.TransportFailed),
		)
		for _, f := range report.Failures {
			zap.L().Warn("item failed",
				zap.String("item_id", f.ItemID),
				zap.String("cause", f.Cause),
				zap.String("error", f.Error),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recognizeCmd)
}
