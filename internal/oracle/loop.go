// Package oracle watches the contract for accepted orders and settles each one on chain.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devblac/order-oracle/internal/chain"
	"github.com/devblac/order-oracle/internal/metrics"
	"github.com/devblac/order-oracle/internal/sink"
	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/devblac/order-oracle/internal/storage"
	"github.com/devblac/order-oracle/internal/update"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	seenCacheSize      = 4096
	closeTimeout       = 5 * time.Second
	heartbeatMessage   = "alive, waiting for updates"
	defaultRetryWait   = 500 * time.Millisecond
	defaultPollEvery   = 2 * time.Second
	defaultBeatEvery   = 10 * time.Second
	defaultReceiptWait = 2 * time.Minute
)

// ChainClient is the part of the node client used to submit updates.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options tune the loop. Zero durations fall back to defaults.
type Options struct {
	// CursorID keys the persisted cursor, normally the contract address.
	CursorID          string
	StartBlock        string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ReceiptTimeout    time.Duration
	RetryAttempts     uint64
	RetryInterval     time.Duration
	GasLimit          uint64

	ChainID *big.Int
	From    common.Address
	Key     *ecdsa.PrivateKey

	// DryRun derives and logs intents without broadcasting or persisting anything.
	DryRun bool
	// StopAt ends Run once the cursor reaches this block; events above it are left for
	// a later run. Zero runs until cancelled.
	StopAt uint64
}

// Deps are the collaborators of a Loop. Sinks and Metrics are optional.
type Deps struct {
	Client  ChainClient
	Source  evm.EventSource
	Builder *update.Builder
	Store   *storage.Store
	Sinks   map[string]sink.Sender
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Loop discovers events and dispatches one update per event, in order.
type Loop struct {
	client  ChainClient
	source  evm.EventSource
	builder *update.Builder
	store   *storage.Store
	notify  *notifier
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	state      State
	cursorHash string
	seen       *lru.Cache[string, struct{}]
	start      *big.Int
	now        func() time.Time
}

// New validates deps and builds a loop.
func New(deps Deps, opts Options) (*Loop, error) {
	if deps.Client == nil || deps.Source == nil || deps.Builder == nil || deps.Store == nil {
		return nil, errors.New("oracle: client, source, builder and store are required")
	}
	if opts.CursorID == "" {
		return nil, errors.New("oracle: cursor id required")
	}
	if !opts.DryRun && (opts.Key == nil || opts.ChainID == nil) {
		return nil, errors.New("oracle: signing key and chain id required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollEvery
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultBeatEvery
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptWait
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryWait
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "oracle")

	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("oracle: seen cache: %w", err)
	}

	return &Loop{
		client:  deps.Client,
		source:  deps.Source,
		builder: deps.Builder,
		store:   deps.Store,
		notify:  newNotifier(deps.Sinks, deps.Store, log),
		metrics: deps.Metrics,
		log:     log,
		opts:    opts,
		seen:    seen,
		now:     time.Now,
	}, nil
}

// State exposes the loop's state for health checks and tests.
func (l *Loop) State() *State { return &l.state }

// Run starts monitoring and blocks until ctx is cancelled, StopAt is reached,
// or an unrecoverable error occurs. Cancellation is not an error.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer l.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return l.heartbeat(gctx) })
	g.Go(func() error {
		defer stop()
		return l.monitor(gctx)
	})
	err := g.Wait()
	l.state.setPhase(PhaseShuttingDown)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.log.Info("oracle stopped", "last_block", l.state.Snapshot().LastProcessedBlock)
	return nil
}

// Start resolves the starting block and subscribes the source.
// A persisted cursor wins over the configured start block; its block is re-scanned.
func (l *Loop) Start(ctx context.Context) error {
	l.state.setPhase(PhaseMonitoring)

	height, hash, ok, err := l.store.GetCursor(ctx, l.opts.CursorID)
	if err != nil {
		return &LoopError{Phase: PhaseMonitoring, Err: err}
	}
	if ok {
		l.state.advance(height)
		l.cursorHash = hash
		l.start = new(big.Int).SetUint64(height)
		l.metrics.Cursor(height)
		if a, anchored := l.source.(evm.Anchored); anchored && hash != "" {
			a.Anchor(height, common.HexToHash(hash))
		}
		l.log.Info("resuming from persisted cursor", "block", height, "hash", hash)
	} else {
		head, err := l.client.BlockNumber(ctx)
		if err != nil {
			return &LoopError{Phase: PhaseMonitoring, Err: fmt.Errorf("head: %w", err)}
		}
		start, err := evm.ResolveStart(l.opts.StartBlock, head)
		if err != nil {
			return &LoopError{Phase: PhaseMonitoring, Err: err}
		}
		l.start = start
	}

	if err := l.source.Subscribe(ctx, l.start); err != nil {
		return &LoopError{Phase: PhaseMonitoring, Err: err}
	}
	l.log.Info("subscribed", "from", blockLabel(l.start), "dry_run", l.opts.DryRun)
	return nil
}

// Close releases the source subscription.
func (l *Loop) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := l.source.Close(ctx); err != nil {
		l.log.Warn("close source", "error", err)
	}
}

func (l *Loop) monitor(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if l.reachedStop() {
			l.log.Info("stop block reached", "block", l.opts.StopAt)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) reachedStop() bool {
	if l.opts.StopAt == 0 {
		return false
	}
	h, ok := l.state.cursor()
	return ok && h >= l.opts.StopAt
}

func (l *Loop) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.state.beat(l.now())
			l.metrics.Heartbeat()
			snap := l.state.Snapshot()
			l.log.Info(heartbeatMessage, "last_block", snap.LastProcessedBlock, "confirmed", snap.Confirmed, "failed", snap.Failed)
		}
	}
}

// Tick runs one discovery cycle and dispatches what it found.
// Only unrecoverable errors are returned.
func (l *Loop) Tick(ctx context.Context) error {
	events, err := l.poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, evm.ErrReorgDetected):
			l.log.Warn("chain reorganization detected, rewinding", "events_before_fork", len(events))
		case errors.Is(err, chain.ErrFatal):
			l.metrics.Errors()
			if rerr := l.resubscribe(ctx, err); rerr != nil {
				return rerr
			}
			return nil
		default:
			l.metrics.Errors()
			l.log.Error("poll failed, skipping cycle", "error", err)
			return nil
		}
	}

	events = l.belowStop(events)
	if len(events) > 0 {
		l.metrics.EventsObserved(len(events))
		l.state.count(len(events), 0, 0, 0)
		l.log.Debug("events observed", "count", len(events))
	}
	for _, ev := range events {
		if err := l.handle(ctx, ev); err != nil {
			return err
		}
	}
	l.state.setPhase(PhaseMonitoring)

	if pos, ok := l.source.Position(); ok {
		hash := ""
		if a, anchored := l.source.(evm.Anchored); anchored {
			if h := a.PositionHash(); h != (common.Hash{}) {
				hash = h.Hex()
			}
		}
		if l.opts.StopAt > 0 && pos > l.opts.StopAt {
			pos, hash = l.opts.StopAt, ""
		}
		if err := l.advance(ctx, pos, hash); err != nil {
			return err
		}
	}
	return nil
}

// belowStop drops events past StopAt; the cursor is clamped to match, so a later run
// picks them up.
func (l *Loop) belowStop(events []evm.Event) []evm.Event {
	if l.opts.StopAt == 0 {
		return events
	}
	kept := events[:0]
	for _, ev := range events {
		if ev.BlockNumber <= l.opts.StopAt {
			kept = append(kept, ev)
		}
	}
	if dropped := len(events) - len(kept); dropped > 0 {
		l.log.Info("leaving events past the stop block", "stop", l.opts.StopAt, "count", dropped)
	}
	return kept
}

// poll fetches new events, retrying transient failures with exponential backoff.
func (l *Loop) poll(ctx context.Context) ([]evm.Event, error) {
	var events []evm.Event
	op := func() error {
		evs, err := l.source.Poll(ctx)
		events = evs
		if err == nil {
			return nil
		}
		if chain.IsRetryable(err) {
			l.log.Warn("transient poll error, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, l.opts.RetryAttempts), ctx))
	return events, err
}

func (l *Loop) resubscribe(ctx context.Context, cause error) error {
	from := l.start
	if h, ok := l.state.cursor(); ok {
		from = new(big.Int).SetUint64(h)
	}
	l.log.Warn("subscription lost, resubscribing", "error", cause, "from", blockLabel(from))
	if err := l.source.Subscribe(ctx, from); err != nil {
		return &LoopError{Phase: PhaseMonitoring, Err: fmt.Errorf("resubscribe after %v: %w", cause, err)}
	}
	return nil
}

// handle dispatches one event unless it was already handled.
func (l *Loop) handle(ctx context.Context, ev evm.Event) error {
	key := ev.Key()
	if l.seen.Contains(key) {
		l.log.Debug("event already handled", "event", key)
		return nil
	}
	if !l.opts.DryRun {
		done, err := l.store.HasDispatch(ctx, key)
		if err != nil {
			return &LoopError{Phase: PhaseDispatching, Err: err}
		}
		if done {
			l.seen.Add(key, struct{}{})
			l.log.Debug("event already in ledger", "event", key)
			return nil
		}
	}

	rec := storage.Dispatch{
		EventKey:    key,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		OrderID:     update.OrderID(ev),
	}

	intent, err := update.DeriveIntent(ev)
	if err != nil {
		rec.Status = storage.StatusSkipped
		rec.Error = err.Error()
		l.log.Warn("skipping malformed event", "event", key, "block", ev.BlockNumber, "error", err)
		l.metrics.EventSkipped()
		l.state.count(0, 0, 0, 1)
		_, err = l.record(ctx, ev, rec)
		return err
	}
	rec.OrderIndex = intent.TargetIndex.String()
	rec.ValueWei = intent.ValueWei.String()

	if l.opts.DryRun {
		l.log.Info("dry run: update not sent", "event", key, "order_index", rec.OrderIndex, "value_wei", rec.ValueWei)
		l.seen.Add(key, struct{}{})
		l.state.advance(ev.BlockNumber)
		return nil
	}

	l.state.setPhase(PhaseDispatching)
	l.log.Info("dispatching update", "event", key, "block", ev.BlockNumber, "order_index", rec.OrderIndex, "order_id", rec.OrderID, "value_wei", rec.ValueWei)

	txHash, receipt, err := l.submit(ctx, intent)
	if txHash != (common.Hash{}) {
		rec.SubmitTxHash = txHash.Hex()
	}
	switch {
	case err != nil:
		if ctx.Err() != nil && txHash == (common.Hash{}) {
			// nothing was broadcast; the event is picked up again after restart
			return ctx.Err()
		}
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
	case receipt.Status != types.ReceiptStatusSuccessful:
		rec.Status = storage.StatusFailed
		rec.Error = "transaction reverted"
		rec.GasUsed = receipt.GasUsed
	default:
		rec.Status = storage.StatusConfirmed
		rec.GasUsed = receipt.GasUsed
	}

	if rec.Status == storage.StatusConfirmed {
		l.metrics.UpdateConfirmed()
		l.state.count(0, 1, 0, 0)
		l.log.Info("update confirmed", "event", key, "tx", rec.SubmitTxHash, "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	} else {
		l.metrics.UpdateFailed()
		l.state.count(0, 0, 1, 0)
		l.log.Error("update failed", "event", key, "tx", rec.SubmitTxHash, "error", rec.Error)
	}

	// a broadcast transaction is recorded even when shutdown interrupted the wait
	stored, err := l.record(context.WithoutCancel(ctx), ev, rec)
	if err != nil {
		return err
	}
	if stored.Status == storage.StatusFailed {
		l.notify.send(context.WithoutCancel(ctx), stored, ev)
	}
	return nil
}

func (l *Loop) submit(ctx context.Context, in update.Intent) (common.Hash, *types.Receipt, error) {
	nonce, err := l.client.NonceAt(ctx, l.opts.From)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("gas price: %w", err)
	}
	tx, err := l.builder.BuildTransaction(in, update.ChainContext{
		GasPrice: gasPrice,
		GasLimit: l.opts.GasLimit,
		Nonce:    nonce,
		ChainID:  l.opts.ChainID,
	})
	if err != nil {
		return common.Hash{}, nil, err
	}
	raw, err := update.Sign(tx, l.opts.Key, l.opts.ChainID)
	if err != nil {
		return common.Hash{}, nil, err
	}
	hash, err := l.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("broadcast: %w", err)
	}
	l.log.Debug("transaction sent", "tx", hash.Hex(), "nonce", nonce, "gas_price", gasPrice)

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.ReceiptTimeout)
	defer cancel()
	receipt, err := l.client.WaitForReceipt(waitCtx, hash)
	if err != nil {
		return hash, nil, fmt.Errorf("wait for receipt: %w", err)
	}
	return hash, receipt, nil
}

// record writes the ledger entry and moves the cursor to the event's block.
func (l *Loop) record(ctx context.Context, ev evm.Event, rec storage.Dispatch) (storage.Dispatch, error) {
	l.seen.Add(rec.EventKey, struct{}{})
	if l.opts.DryRun {
		l.state.advance(ev.BlockNumber)
		return rec, nil
	}

	height, ok := l.state.cursor()
	hash := l.cursorHash
	if !ok || ev.BlockNumber >= height {
		height = ev.BlockNumber
		hash = ev.BlockHash.Hex()
	}
	stored, err := l.store.RecordDispatch(ctx, rec, l.opts.CursorID, height, hash)
	if errors.Is(err, storage.ErrDuplicateDispatch) {
		l.log.Debug("dispatch already recorded", "event", rec.EventKey)
		return rec, nil
	}
	if err != nil {
		return rec, &LoopError{Phase: PhaseDispatching, Err: err}
	}
	l.cursorHash = hash
	if l.state.advance(height) {
		l.metrics.Cursor(height)
	}
	return stored, nil
}

// advance persists a cursor move past blocks without pending events. A known hash
// for the current cursor block replaces a stale or missing one.
func (l *Loop) advance(ctx context.Context, height uint64, hash string) error {
	cur, ok := l.state.cursor()
	refresh := ok && height == cur && hash != "" && hash != l.cursorHash
	if !l.state.advance(height) && !refresh {
		return nil
	}
	l.metrics.Cursor(height)
	if l.opts.DryRun {
		return nil
	}
	if err := l.store.UpsertCursor(ctx, l.opts.CursorID, height, hash); err != nil {
		return &LoopError{Phase: PhaseMonitoring, Err: err}
	}
	l.cursorHash = hash
	return nil
}

func blockLabel(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	return n.String()
}

// CursorID normalizes an address into the key used for the persisted cursor.
func CursorID(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
