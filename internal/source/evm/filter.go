package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/devblac/order-oracle/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FilterSource discovers events through a node-side log filter.
// A filter only reports logs that arrive after it is installed, so when subscribing
// from a block the first Poll also fetches the history with eth_getLogs.
type FilterSource struct {
	client  chain.FilterClient
	decoder *Decoder

	id          string
	backfill    *big.Int
	position    uint64
	hasPosition bool
	removed     int
}

var _ EventSource = (*FilterSource)(nil)

func NewFilterSource(client chain.FilterClient, decoder *Decoder) *FilterSource {
	return &FilterSource{client: client, decoder: decoder}
}

// Subscribe installs a fresh filter, dropping any previous one.
func (f *FilterSource) Subscribe(ctx context.Context, fromBlock *big.Int) error {
	if f.id != "" {
		_, _ = f.client.UninstallFilter(ctx, f.id)
		f.id = ""
	}
	id, err := f.client.NewFilter(ctx, f.decoder.Query(fromBlock, nil))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.decoder.EventName(), err)
	}
	f.id = id
	f.backfill = nil
	if fromBlock != nil {
		f.backfill = new(big.Int).Set(fromBlock)
	}
	if fromBlock != nil && fromBlock.Sign() > 0 {
		f.position = fromBlock.Uint64() - 1
		f.hasPosition = true
	}
	return nil
}

// Poll returns the filter's new entries, skipping logs the node marked as removed.
// A pending backfill is returned with the first successful Poll; a log reported by
// both the backfill and the filter is returned once.
func (f *FilterSource) Poll(ctx context.Context) ([]Event, error) {
	if f.id == "" {
		return nil, fmt.Errorf("filter source: not subscribed")
	}

	var logs []types.Log
	if f.backfill != nil {
		past, err := f.client.FilterLogs(ctx, f.decoder.Query(f.backfill, nil))
		if err != nil {
			return nil, fmt.Errorf("backfill from %v: %w", f.backfill, err)
		}
		logs = past
	}
	changes, err := f.client.FilterChanges(ctx, f.id)
	if err != nil {
		if errors.Is(err, chain.ErrFatal) {
			f.id = ""
			return nil, fmt.Errorf("%w: %w", ErrFilterExpired, err)
		}
		return nil, err
	}
	f.backfill = nil
	logs = append(logs, changes...)

	type logID struct {
		block common.Hash
		tx    common.Hash
		index uint
	}
	dropped := map[logID]struct{}{}
	for _, lg := range logs {
		if lg.Removed {
			dropped[logID{lg.BlockHash, lg.TxHash, lg.Index}] = struct{}{}
			f.removed++
		}
	}

	events := make([]Event, 0, len(logs))
	seen := make(map[string]struct{}, len(logs))
	for _, lg := range logs {
		if _, gone := dropped[logID{lg.BlockHash, lg.TxHash, lg.Index}]; gone {
			continue
		}
		ev, ok, _ := f.decoder.Decode(lg)
		if !ok {
			continue
		}
		if _, dup := seen[ev.Key()]; dup {
			continue
		}
		seen[ev.Key()] = struct{}{}
		events = append(events, *ev)
	}
	SortEvents(events)

	for _, ev := range events {
		if !f.hasPosition || ev.BlockNumber > f.position {
			f.position = ev.BlockNumber
			f.hasPosition = true
		}
	}
	return events, nil
}

// Position is the highest block that produced an event, or the block before the subscription start.
func (f *FilterSource) Position() (uint64, bool) {
	return f.position, f.hasPosition
}

// Removed counts logs dropped because the node reported them as reorged out.
func (f *FilterSource) Removed() int { return f.removed }

// Close uninstalls the node-side filter.
func (f *FilterSource) Close(ctx context.Context) error {
	if f.id == "" {
		return nil
	}
	_, err := f.client.UninstallFilter(ctx, f.id)
	f.id = ""
	return err
}
