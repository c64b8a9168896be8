package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/devblac/order-oracle/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat string
	flagExportStatus string
	flagExportOut    string
	flagExportSince  time.Duration
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "csv", "Output format: csv or json")
	exportCmd.Flags().StringVar(&flagExportStatus, "status", "", "Only export dispatches with this status (confirmed|failed|skipped)")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
	exportCmd.Flags().DurationVar(&flagExportSince, "since", 0, "Only export dispatches recorded within this window (e.g. 24h)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the dispatch ledger as csv or json",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch flagExportStatus {
		case "", storage.StatusConfirmed, storage.StatusFailed, storage.StatusSkipped:
		default:
			return fmt.Errorf("unknown status %q", flagExportStatus)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return precondition(fmt.Errorf("open storage: %w", err))
		}
		defer store.Close()

		filter := storage.DispatchFilter{Status: flagExportStatus}
		if flagExportSince > 0 {
			filter.Since = time.Now().Add(-flagExportSince)
		}
		recs, err := store.ListDispatches(cmd.Context(), filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagExportOut, err)
			}
			defer f.Close()
			out = f
		}
		return writeDispatches(out, flagExportFormat, recs)
	},
}

func writeDispatches(w io.Writer, format string, recs []storage.Dispatch) error {
	switch format {
	case "json":
		if recs == nil {
			recs = []storage.Dispatch{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "event_key", "block_number", "log_index", "order_index", "order_id", "value_wei", "status", "submit_txhash", "gas_used", "error", "created_at"})
		for _, d := range recs {
			_ = cw.Write([]string{
				d.ID,
				d.EventKey,
				strconv.FormatUint(d.BlockNumber, 10),
				strconv.FormatUint(uint64(d.LogIndex), 10),
				d.OrderIndex,
				d.OrderID,
				d.ValueWei,
				d.Status,
				d.SubmitTxHash,
				strconv.FormatUint(d.GasUsed, 10),
				d.Error,
				d.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown format %q (want csv or json)", format)
	}
}
