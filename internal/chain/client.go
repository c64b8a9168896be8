package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the capability surface the oracle needs from an EVM node.
type Client interface {
	IsConnected(ctx context.Context) bool
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// FilterClient exposes node-side log filters (eth_newFilter and friends) and
// eth_getLogs for history a fresh filter does not report.
type FilterClient interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	NewFilter(ctx context.Context, q ethereum.FilterQuery) (string, error)
	FilterChanges(ctx context.Context, id string) ([]types.Log, error)
	UninstallFilter(ctx context.Context, id string) (bool, error)
}

const defaultReceiptPoll = time.Second

// RPCClient wraps ethclient plus the raw RPC connection for filter calls.
// Every call is bounded by the configured timeout.
type RPCClient struct {
	eth         *ethclient.Client
	rpc         *rpc.Client
	timeout     time.Duration
	receiptPoll time.Duration
}

var (
	_ Client       = (*RPCClient)(nil)
	_ FilterClient = (*RPCClient)(nil)
)

// Dial connects to an EVM node over HTTP(S) or websocket.
func Dial(ctx context.Context, rpcURL string, timeout time.Duration) (*RPCClient, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial evm rpc: %w", ErrConnection, err)
	}
	return &RPCClient{
		eth:         ethclient.NewClient(rc),
		rpc:         rc,
		timeout:     timeout,
		receiptPoll: defaultReceiptPoll,
	}, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// IsConnected reports whether the node answers a cheap request.
func (c *RPCClient) IsConnected(ctx context.Context) bool {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	_, err := c.eth.NetworkID(ctx)
	return err == nil
}

func (c *RPCClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	bal, err := c.eth.BalanceAt(ctx, account, nil)
	return bal, Classify(err)
}

func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(ctx)
	return price, Classify(err)
}

// NonceAt returns the account's transaction count at the latest block.
func (c *RPCClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	n, err := c.eth.NonceAt(ctx, account, nil)
	return n, Classify(err)
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	return id, Classify(err)
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	return n, Classify(err)
}

// SendRawTransaction broadcasts signed transaction bytes and returns the tx hash.
func (c *RPCClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode raw transaction: %w", err)
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, Classify(err)
	}
	return tx.Hash(), nil
}

// WaitForReceipt blocks until the transaction is mined or ctx ends.
func (c *RPCClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return WaitMined(ctx, c, hash, c.receiptPoll)
}

func (c *RPCClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	b, err := c.eth.BlockByNumber(ctx, number)
	return b, Classify(err)
}

func (c *RPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	h, err := c.eth.HeaderByNumber(ctx, number)
	return h, Classify(err)
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	r, err := c.eth.TransactionReceipt(ctx, hash)
	return r, Classify(err)
}

// FilterLogs runs eth_getLogs over the query range.
func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	logs, err := c.eth.FilterLogs(ctx, q)
	return logs, Classify(err)
}

// NewFilter installs a log filter on the node and returns its id.
func (c *RPCClient) NewFilter(ctx context.Context, q ethereum.FilterQuery) (string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var id string
	if err := c.rpc.CallContext(ctx, &id, "eth_newFilter", toFilterArg(q)); err != nil {
		return "", Classify(err)
	}
	return id, nil
}

// FilterChanges returns logs that arrived since the previous call for the filter.
func (c *RPCClient) FilterChanges(ctx context.Context, id string) ([]types.Log, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var logs []types.Log
	if err := c.rpc.CallContext(ctx, &logs, "eth_getFilterChanges", id); err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}

func (c *RPCClient) UninstallFilter(ctx context.Context, id string) (bool, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var ok bool
	if err := c.rpc.CallContext(ctx, &ok, "eth_uninstallFilter", id); err != nil {
		return false, Classify(err)
	}
	return ok, nil
}

func toFilterArg(q ethereum.FilterQuery) map[string]any {
	arg := map[string]any{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	arg["fromBlock"] = toBlockNumArg(q.FromBlock)
	if q.ToBlock != nil {
		arg["toBlock"] = toBlockNumArg(q.ToBlock)
	}
	return arg
}

func toBlockNumArg(number *big.Int) string {
	if number == nil || number.Sign() < 0 {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
