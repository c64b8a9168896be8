package evm

import (
	"fmt"
	"math/big"

	"github.com/devblac/order-oracle/internal/contract"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder filters and decodes logs of one event emitted by one contract.
type Decoder struct {
	address common.Address
	event   abi.Event
}

// NewDecoder builds a decoder for eventName using the contract's ABI.
func NewDecoder(h *contract.Handle, eventName string) (*Decoder, error) {
	ev, err := h.Event(eventName)
	if err != nil {
		return nil, err
	}
	return &Decoder{address: h.Address, event: ev}, nil
}

// Address is the contract the decoder matches.
func (d *Decoder) Address() common.Address { return d.address }

// EventName is the ABI name of the decoded event.
func (d *Decoder) EventName() string { return d.event.Name }

// Query returns a log filter for the event over [from, to]; nil bounds are left open.
func (d *Decoder) Query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{d.address},
		Topics:    [][]common.Hash{{d.event.ID}},
	}
}

// Decode checks the log against the decoder and unpacks its arguments.
// When unpacking fails the event is still returned, carrying whatever arguments were parsed.
func (d *Decoder) Decode(log types.Log) (*Event, bool, error) {
	if log.Address != d.address {
		return nil, false, nil
	}
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return nil, false, nil
	}

	ev := &Event{
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Contract:    log.Address,
		Name:        d.event.Name,
		Args:        map[string]any{},
	}

	indexed, nonIndexed := splitIndexed(d.event.Inputs)
	if len(log.Topics)-1 != len(indexed) {
		return ev, true, fmt.Errorf("parse topics: want %d indexed topics, got %d", len(indexed), len(log.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(ev.Args, indexed, log.Topics[1:]); err != nil {
		return ev, true, fmt.Errorf("parse topics: %w", err)
	}
	if err := nonIndexed.UnpackIntoMap(ev.Args, log.Data); err != nil {
		return ev, true, fmt.Errorf("unpack data: %w", err)
	}
	return ev, true, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
