package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerline/remitscan/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <item-id>...",
	Short: "Show item state and recognized fields",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.FetchBatch(ctx, args)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no matching items")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tFILE\t交易时间\t付款户名\t收款户名\t收款金额")
		for _, row := range rows {
			f := model.Fields{}
			if row.HasResult {
				f = row.Fields
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				row.Item.ID, row.Item.Status, row.Item.FileName,
				f.TransactionTime, f.PayerName, f.PayeeName, f.Amount)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
