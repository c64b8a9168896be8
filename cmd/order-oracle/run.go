package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/devblac/order-oracle/internal/chain"
	"github.com/devblac/order-oracle/internal/config"
	"github.com/devblac/order-oracle/internal/health"
	"github.com/devblac/order-oracle/internal/logging"
	"github.com/devblac/order-oracle/internal/metrics"
	"github.com/devblac/order-oracle/internal/oracle"
	"github.com/devblac/order-oracle/internal/sink"
	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/devblac/order-oracle/internal/storage"
	"github.com/devblac/order-oracle/internal/update"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagFrom    uint64
	flagTo      uint64
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one poll cycle and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Derive updates without broadcasting or persisting them")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start block when no cursor is stored")
	runCmd.Flags().Uint64Var(&flagTo, "to", 0, "Stop once this block is processed")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the contract and dispatch order updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagFrom > 0 {
			cfg.Oracle.StartBlock = fmt.Sprintf("%d", flagFrom)
		}

		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.RPCTimeout.Std())
		if err != nil {
			return precondition(err)
		}
		defer client.Close()

		acct, err := startAccount(ctx, client, cfg, log)
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return precondition(fmt.Errorf("open storage: %w", err))
		}
		defer store.Close()

		handle, err := oracle.Attach(ctx, client, oracle.AttachOptions{
			Dir:            cfg.Contract.ArtifactsDir,
			Name:           cfg.Contract.Name,
			Deploy:         cfg.Contract.Deploy,
			From:           acct.from,
			Key:            acct.key,
			ChainID:        acct.chainID,
			GasLimit:       cfg.Oracle.GasLimit,
			ReceiptTimeout: cfg.Oracle.ReceiptTimeout.Std(),
		}, log)
		if err != nil {
			if errors.Is(err, oracle.ErrPrecondition) {
				return err
			}
			return precondition(err)
		}

		decoder, err := evm.NewDecoder(handle, cfg.Contract.Event)
		if err != nil {
			return precondition(err)
		}
		builder, err := update.NewBuilder(handle, cfg.Contract.Method)
		if err != nil {
			return precondition(err)
		}
		sinks, err := sink.Build(cfg.Sinks)
		if err != nil {
			return precondition(err)
		}

		var src evm.EventSource
		switch strings.ToLower(cfg.Oracle.Mode) {
		case config.ModeFilter:
			src = evm.NewFilterSource(client, decoder)
		default:
			src = evm.NewBlockWalker(client, decoder, cfg.Chain.Confirmations, cfg.Oracle.MaxBlocksPerPoll)
		}
		log.Info("event source ready", "mode", cfg.Oracle.Mode, "event", decoder.EventName(), "contract", handle.Address.Hex())

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		loop, err := oracle.New(oracle.Deps{
			Client:  client,
			Source:  src,
			Builder: builder,
			Store:   store,
			Sinks:   sinks,
			Metrics: mtr,
			Log:     log,
		}, oracle.Options{
			CursorID:          oracle.CursorID(handle.Address),
			StartBlock:        cfg.Oracle.StartBlock,
			PollInterval:      cfg.Oracle.PollInterval.Std(),
			HeartbeatInterval: cfg.Oracle.HeartbeatInterval.Std(),
			ReceiptTimeout:    cfg.Oracle.ReceiptTimeout.Std(),
			RetryAttempts:     cfg.Oracle.RetryAttempts,
			GasLimit:          cfg.Oracle.GasLimit,
			ChainID:           acct.chainID,
			From:              acct.from,
			Key:               acct.key,
			DryRun:            flagDryRun,
			StopAt:            flagTo,
		})
		if err != nil {
			return precondition(err)
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(client)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:          store.Ping,
				RPCPing:         rpcChecker.Ping,
				LastHeartbeat:   loop.State().LastHeartbeat,
				MaxHeartbeatAge: 3 * cfg.Oracle.HeartbeatInterval.Std(),
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if flagOnce {
			if err := loop.Start(ctx); err != nil {
				return err
			}
			defer loop.Close()
			if err := loop.Tick(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			snap := loop.State().Snapshot()
			log.Info("cycle complete", "last_block", snap.LastProcessedBlock, "confirmed", snap.Confirmed,
				"failed", snap.Failed, "skipped", snap.Skipped, "dry_run", flagDryRun)
			return nil
		}

		if err := loop.Run(ctx); err != nil {
			mtr.Errors()
			log.Error("oracle stopped with error", "error", err)
			return err
		}
		return nil
	},
}

type account struct {
	from    common.Address
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

// startAccount checks the node and the signing account before anything is deployed or watched.
func startAccount(ctx context.Context, client chain.Client, cfg *config.Config, log *slog.Logger) (account, error) {
	if !client.IsConnected(ctx) {
		return account{}, precondition(fmt.Errorf("%w: node at %s not reachable", chain.ErrConnection, redactURL(cfg.Chain.RPCURL)))
	}
	key, err := update.ParseKey(cfg.Account.PrivateKey)
	if err != nil {
		return account{}, precondition(err)
	}
	from := update.Sender(key)
	if cfg.Account.Address != "" && common.HexToAddress(cfg.Account.Address) != from {
		return account{}, precondition(fmt.Errorf("private key does not control account %s", cfg.Account.Address))
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return account{}, precondition(fmt.Errorf("chain id: %w", err))
	}

	balance, err := client.BalanceAt(ctx, from)
	if err != nil {
		log.Warn("could not read account balance", "account", from.Hex(), "error", err)
	} else {
		ether := decimal.NewFromBigInt(balance, 0).Div(decimal.NewFromInt(params.Ether))
		log.Info("connected", "chain_id", chainID, "account", from.Hex(), "balance_eth", ether.String())
	}
	return account{from: from, key: key, chainID: chainID}, nil
}

// redactURL keeps only the scheme and host of an RPC URL.
func redactURL(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			return raw[:i+3+j]
		}
	}
	return raw
}
