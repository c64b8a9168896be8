package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/devblac/order-oracle/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReorgDetected signals that the chain rewound; the walker already moved its cursor back.
	ErrReorgDetected = errors.New("reorg detected")
	// ErrFilterExpired means the node dropped the filter; resubscribe from the last good block.
	ErrFilterExpired = fmt.Errorf("%w: filter expired", chain.ErrFatal)
)

// EventSource yields newly visible contract events in (block, log index) order.
type EventSource interface {
	// Subscribe positions the source at fromBlock; nil means the chain head.
	Subscribe(ctx context.Context, fromBlock *big.Int) error
	// Poll returns events not returned by a previous Poll. An empty slice is not an error.
	Poll(ctx context.Context) ([]Event, error)
	// Position is the highest block the source has fully observed.
	Position() (uint64, bool)
	Close(ctx context.Context) error
}

// Anchored is implemented by sources that track block hashes. The loop anchors the
// persisted cursor hash before subscribing and stores PositionHash with the cursor.
type Anchored interface {
	Anchor(height uint64, hash common.Hash)
	PositionHash() common.Hash
}

var _ Anchored = (*BlockWalker)(nil)

// Event is one decoded contract log.
type Event struct {
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
	Contract    common.Address
	Name        string
	Args        map[string]any
}

// Key identifies the event uniquely on a non-reorging chain.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// SortEvents orders events by block height, then log position.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
