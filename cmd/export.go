package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ledgerline/remitscan/internal/export"
	"github.com/ledgerline/remitscan/internal/model"
)

var exportCmd = &cobra.Command{
	Use:   "export [item-id...]",
	Short: "Export a batch of items to an xlsx workbook",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		w := export.NewWriter(st, cfg.Pipeline.ExportDir)
		path, err := w.Write(ctx, model.Batch{IDs: args}, time.Now())
		if err != nil {
			return err
		}

		zap.L().Info("export written", zap.String("path", path))
		fmt.Println(path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
