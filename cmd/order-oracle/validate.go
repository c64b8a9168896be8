package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/order-oracle/internal/chain"
	"github.com/devblac/order-oracle/internal/config"
	"github.com/devblac/order-oracle/internal/contract"
	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/devblac/order-oracle/internal/update"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

const validateTimeout = 15 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, artifacts and node connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "config OK (version %d, mode %s)\n", cfg.Version, cfg.Oracle.Mode)

		failures := 0
		report := func(what string, err error, ok string) {
			if err != nil {
				failures++
				fmt.Fprintf(out, "- %s: ERROR %v\n", what, err)
				return
			}
			fmt.Fprintf(out, "- %s: %s\n", what, ok)
		}

		from, err := checkAccount(cfg)
		report("account", err, from.Hex()+" OK")

		artifacts, err := checkArtifacts(cfg)
		report("artifacts", err, artifacts)

		ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
		defer cancel()
		chainID, err := pingNode(ctx, cfg)
		report("rpc", err, "chainId "+chainID+" OK")

		if failures > 0 {
			return precondition(fmt.Errorf("validate: %d check(s) failed", failures))
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func checkAccount(cfg *config.Config) (common.Address, error) {
	key, err := update.ParseKey(cfg.Account.PrivateKey)
	if err != nil {
		return common.Address{}, err
	}
	from := update.Sender(key)
	if cfg.Account.Address != "" && common.HexToAddress(cfg.Account.Address) != from {
		return from, fmt.Errorf("private key controls %s, not %s", from.Hex(), cfg.Account.Address)
	}
	return from, nil
}

func checkArtifacts(cfg *config.Config) (string, error) {
	dir, name := cfg.Contract.ArtifactsDir, cfg.Contract.Name
	if cfg.Contract.Deploy {
		parsed, err := contract.LoadABI(contract.ABIPath(dir, name))
		if err != nil {
			return "", err
		}
		if _, err := contract.ReadBytecode(dir, name); err != nil {
			return "", err
		}
		h := &contract.Handle{Name: name, ABI: parsed}
		if err := checkHandle(cfg, h); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s ready to deploy", name), nil
	}

	h, err := contract.Load(dir, name)
	if err != nil {
		return "", err
	}
	if err := checkHandle(cfg, h); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s at %s OK", name, h.Address.Hex()), nil
}

func checkHandle(cfg *config.Config, h *contract.Handle) error {
	if _, err := evm.NewDecoder(h, cfg.Contract.Event); err != nil {
		return err
	}
	_, err := update.NewBuilder(h, cfg.Contract.Method)
	return err
}

func pingNode(ctx context.Context, cfg *config.Config) (string, error) {
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.RPCTimeout.Std())
	if err != nil {
		return "", err
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("eth_chainId: %w", err)
	}
	return id.String(), nil
}
