package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/devblac/order-oracle/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

const envExample = `RPC_URL=http://127.0.0.1:8545
ORACLE_ACCOUNT=
ORACLE_PRIVATE_KEY=
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and .env.example",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		data, err := sampleConfig()
		if err != nil {
			return err
		}
		if err := writeNew(cfgPath, data, flagInitForce); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", cfgPath)

		envPath := filepath.Join(filepath.Dir(cfgPath), ".env.example")
		if err := writeNew(envPath, []byte(envExample), flagInitForce); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", envPath)
		fmt.Fprintln(out, "copy .env.example to .env, fill it in, then run: order-oracle validate")
		return nil
	},
}

func sampleConfig() ([]byte, error) {
	cfg := config.Config{
		Version: 1,
		Chain:   config.ChainConfig{RPCURL: "${RPC_URL}"},
		Account: config.AccountConfig{
			Address:    "${ORACLE_ACCOUNT}",
			PrivateKey: "${ORACLE_PRIVATE_KEY}",
		},
	}
	cfg.ApplyDefaults()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("render sample config: %w", err)
	}
	return data, nil
}

func writeNew(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
