package main

import (
	"context"
	"fmt"
	"os"

	"github.com/devblac/order-oracle/internal/config"
	"github.com/devblac/order-oracle/internal/oracle"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "order-oracle",
		Short: "Settles accepted orders on chain, one update per OrderAccepted event",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		stateCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute(ctx context.Context) error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func precondition(err error) error {
	return fmt.Errorf("%w: %w", oracle.ErrPrecondition, err)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, precondition(fmt.Errorf("load config: %w", err))
	}
	return cfg, nil
}
