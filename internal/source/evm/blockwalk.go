package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// reorgWindow is how many walked block hashes are kept for locating a fork point.
const reorgWindow = 128

// BlockClient captures the subset of the chain client used by the block walker.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// BlockWalker discovers events by walking blocks sequentially with confirmation safety.
// For every transaction addressed to the contract it fetches the receipt and decodes
// the matching logs.
type BlockWalker struct {
	client        BlockClient
	decoder       *Decoder
	confirmations uint64
	maxBlocks     uint64

	subscribed bool
	walk       walkState
	history    *lru.Cache[uint64, common.Hash]
}

type walkState struct {
	next       uint64
	lastHash   common.Hash
	hasLast    bool
	scanned    uint64
	hasScanned bool
}

var _ EventSource = (*BlockWalker)(nil)

// NewBlockWalker builds a walker. maxBlocks bounds the work done by one Poll.
func NewBlockWalker(client BlockClient, decoder *Decoder, confirmations, maxBlocks uint64) *BlockWalker {
	if maxBlocks == 0 {
		maxBlocks = 1
	}
	history, _ := lru.New[uint64, common.Hash](reorgWindow)
	return &BlockWalker{
		client:        client,
		decoder:       decoder,
		confirmations: confirmations,
		maxBlocks:     maxBlocks,
		history:       history,
	}
}

// Anchor records the hash a block had when it was last processed, typically the
// persisted cursor. If the chain no longer has that block when it is walked again,
// Poll reports a reorg and rewinds.
func (w *BlockWalker) Anchor(height uint64, hash common.Hash) {
	w.history.Add(height, hash)
}

// PositionHash is the hash of the block at Position, zero when unknown.
func (w *BlockWalker) PositionHash() common.Hash {
	if !w.walk.hasLast || !w.walk.hasScanned {
		return common.Hash{}
	}
	return w.walk.lastHash
}

// Subscribe positions the walker. A nil fromBlock starts after the current safe head.
func (w *BlockWalker) Subscribe(ctx context.Context, fromBlock *big.Int) error {
	w.walk = walkState{}

	if fromBlock == nil {
		safe, ok, err := w.safeHeight(ctx)
		if err != nil {
			return err
		}
		if ok {
			w.walk.next = safe + 1
			if err := w.seedParent(ctx, safe); err != nil {
				return err
			}
		}
		w.subscribed = true
		return nil
	}

	w.walk.next = fromBlock.Uint64()
	if w.walk.next > 0 {
		if err := w.seedParent(ctx, w.walk.next-1); err != nil {
			return err
		}
	}
	w.subscribed = true
	return nil
}

// seedParent takes the parent hash from the chain as it is now. It is not added to
// the walk history, so it is never taken as proof of a fork point.
func (w *BlockWalker) seedParent(ctx context.Context, height uint64) error {
	h, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return fmt.Errorf("header %d: %w", height, err)
	}
	w.walk.lastHash = h.Hash()
	w.walk.hasLast = true
	w.walk.scanned = height
	w.walk.hasScanned = true
	return nil
}

func (w *BlockWalker) safeHeight(ctx context.Context) (uint64, bool, error) {
	latest, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("latest header: %w", err)
	}
	height := latest.Number.Uint64()
	if w.confirmations > height {
		return 0, false, nil
	}
	return height - w.confirmations, true, nil
}

// Poll walks up to maxBlocks eligible blocks and returns their matching events.
// It is all or nothing: on any error other than a reorg the walker is left where it
// was, so the same blocks are walked again by the next Poll.
//
// A block whose parent is not the last walked block, or whose hash differs from the
// one recorded for its height, is a reorg. The walker then rewinds to the highest
// walked block the chain still has (or reorgWindow blocks when none is known) and
// returns ErrReorgDetected together with the events below that point.
func (w *BlockWalker) Poll(ctx context.Context) ([]Event, error) {
	if !w.subscribed {
		return nil, fmt.Errorf("block walker: not subscribed")
	}

	safe, ok, err := w.safeHeight(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || w.walk.next > safe {
		return nil, nil
	}

	entry := w.walk
	end := safe
	if w.walk.next+w.maxBlocks-1 < end {
		end = w.walk.next + w.maxBlocks - 1
	}

	events := []Event{}
	for target := w.walk.next; target <= end; target++ {
		block, err := w.client.BlockByNumber(ctx, new(big.Int).SetUint64(target))
		if err != nil {
			w.walk = entry
			return nil, fmt.Errorf("block %d: %w", target, err)
		}

		if w.forked(block) {
			fork, found, err := w.forkPoint(ctx, target)
			if err != nil {
				w.walk = entry
				return nil, err
			}
			w.rewind(fork, found, target)
			kept := events[:0]
			for _, ev := range events {
				if ev.BlockNumber < w.walk.next {
					kept = append(kept, ev)
				}
			}
			SortEvents(kept)
			return kept, ErrReorgDetected
		}

		found, err := w.scanBlock(ctx, block)
		if err != nil {
			w.walk = entry
			return nil, err
		}
		events = append(events, found...)

		w.history.Add(target, block.Hash())
		w.walk.lastHash = block.Hash()
		w.walk.hasLast = true
		w.walk.scanned = target
		w.walk.hasScanned = true
		w.walk.next = target + 1
	}

	SortEvents(events)
	return events, nil
}

func (w *BlockWalker) forked(block *types.Block) bool {
	if w.walk.hasLast && block.ParentHash() != w.walk.lastHash {
		return true
	}
	seen, ok := w.history.Peek(block.NumberU64())
	return ok && seen != block.Hash()
}

// forkPoint returns the highest walked block below target that is still canonical.
// found is false when the walk history runs out first.
func (w *BlockWalker) forkPoint(ctx context.Context, target uint64) (uint64, bool, error) {
	for n := target; n > 0; {
		n--
		walked, ok := w.history.Peek(n)
		if !ok {
			return 0, false, nil
		}
		h, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return 0, false, fmt.Errorf("header %d: %w", n, err)
		}
		if h.Hash() == walked {
			return n, true, nil
		}
	}
	return 0, false, nil
}

func (w *BlockWalker) rewind(fork uint64, found bool, target uint64) {
	if found {
		w.walk = walkState{next: fork + 1, scanned: fork, hasScanned: true}
		w.walk.lastHash, w.walk.hasLast = w.history.Peek(fork)
	} else {
		w.walk = walkState{next: target - min(target, reorgWindow)}
		if w.walk.next > 0 {
			w.walk.scanned, w.walk.hasScanned = w.walk.next-1, true
		}
	}
	for n := w.walk.next; n <= target; n++ {
		w.history.Remove(n)
	}
}

func (w *BlockWalker) scanBlock(ctx context.Context, block *types.Block) ([]Event, error) {
	events := []Event{}
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != w.decoder.Address() {
			continue
		}
		receipt, err := w.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hash().Hex(), err)
		}
		for _, lg := range receipt.Logs {
			if lg == nil {
				continue
			}
			ev, ok, _ := w.decoder.Decode(*lg)
			if !ok {
				continue
			}
			ev.BlockNumber = block.NumberU64()
			ev.BlockHash = block.Hash()
			ev.TxHash = tx.Hash()
			events = append(events, *ev)
		}
	}
	return events, nil
}

// Position reports the last block walked.
func (w *BlockWalker) Position() (uint64, bool) {
	return w.walk.scanned, w.walk.hasScanned
}

func (w *BlockWalker) Close(context.Context) error { return nil }
