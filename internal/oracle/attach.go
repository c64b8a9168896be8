package oracle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/order-oracle/internal/contract"
	"github.com/devblac/order-oracle/internal/update"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AttachOptions select between deploying the contract and loading an existing one.
type AttachOptions struct {
	Dir    string
	Name   string
	Deploy bool

	From           common.Address
	Key            *ecdsa.PrivateKey
	ChainID        *big.Int
	GasLimit       uint64
	ReceiptTimeout time.Duration
}

// Attach returns a handle to the contract. With Deploy set it broadcasts the bytecode
// artifact, waits for the receipt and writes the new address artifact.
func Attach(ctx context.Context, client ChainClient, opts AttachOptions, log *slog.Logger) (*contract.Handle, error) {
	if log == nil {
		log = slog.Default()
	}
	if !opts.Deploy {
		h, err := contract.Load(opts.Dir, opts.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		log.Info("attached to contract", "name", h.Name, "address", h.Address.Hex())
		return h, nil
	}

	parsed, err := contract.LoadABI(contract.ABIPath(opts.Dir, opts.Name))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	code, err := contract.ReadBytecode(opts.Dir, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	nonce, err := client.NonceAt(ctx, opts.From)
	if err != nil {
		return nil, fmt.Errorf("deploy nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("deploy gas price: %w", err)
	}
	tx, err := update.BuildCreation(code, update.ChainContext{
		GasPrice: gasPrice,
		GasLimit: opts.GasLimit,
		Nonce:    nonce,
		ChainID:  opts.ChainID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	raw, err := update.Sign(tx, opts.Key, opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	hash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("deploy broadcast: %w", err)
	}
	log.Info("deployment sent", "name", opts.Name, "tx", hash.Hex())

	timeout := opts.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	receipt, err := client.WaitForReceipt(waitCtx, hash)
	if err != nil {
		return nil, fmt.Errorf("deploy receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("deploy %s reverted in tx %s", opts.Name, hash.Hex())
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, fmt.Errorf("deploy %s: receipt has no contract address", opts.Name)
	}

	if err := contract.WriteAddress(opts.Dir, opts.Name, receipt.ContractAddress); err != nil {
		return nil, err
	}
	log.Info("contract deployed", "name", opts.Name, "address", receipt.ContractAddress.Hex(),
		"block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	return &contract.Handle{Name: opts.Name, Address: receipt.ContractAddress, ABI: parsed}, nil
}
