package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/devblac/order-oracle/internal/oracle"
	"github.com/devblac/order-oracle/internal/storage"
	"github.com/spf13/cobra"
)

var flagStateLimit int

func init() {
	stateCmd.Flags().IntVar(&flagStateLimit, "limit", 10, "Number of recent dispatches to show")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the cursor and recent dispatches",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr, err := contract.ReadAddress(cfg.Contract.ArtifactsDir, cfg.Contract.Name)
		if err != nil {
			return precondition(err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return precondition(fmt.Errorf("open storage: %w", err))
		}
		defer store.Close()

		height, hash, ok, err := store.GetCursor(ctx, oracle.CursorID(addr))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "contract %s (%s)\n", cfg.Contract.Name, addr.Hex())
		if ok {
			fmt.Fprintf(out, "cursor: block %d %s\n", height, hash)
		} else {
			fmt.Fprintln(out, "cursor: none (starts at "+cfg.Oracle.StartBlock+")")
		}

		counts, err := store.CountDispatches(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "dispatches: %d confirmed, %d failed, %d skipped\n",
			counts[storage.StatusConfirmed], counts[storage.StatusFailed], counts[storage.StatusSkipped])

		recs, err := store.ListDispatches(ctx, storage.DispatchFilter{})
		if err != nil {
			return err
		}
		if flagStateLimit > 0 && len(recs) > flagStateLimit {
			recs = recs[len(recs)-flagStateLimit:]
		}
		if len(recs) == 0 {
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BLOCK\tORDER\tSTATUS\tVALUE_WEI\tTX\tERROR")
		for _, d := range recs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", d.BlockNumber, d.OrderIndex, d.Status, d.ValueWei, d.SubmitTxHash, d.Error)
		}
		return tw.Flush()
	},
}
