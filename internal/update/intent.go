// Package update turns accepted-order events into signed contract transactions.
package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedEvent marks events whose arguments cannot produce an update.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrSigning wraps key parsing and signing failures.
	ErrSigning = errors.New("signing failed")
)

const (
	argOrderIndex = "orderIndex"
	argOrderID    = "orderId"
	argOrder      = "order"
	fieldTotal    = "total"

	weiPerEtherExp = 18
)

// Intent is the contract update derived from one event.
type Intent struct {
	TargetIndex *big.Int
	ValueWei    *big.Int
}

// DeriveIntent reads orderIndex and order.total from the event. The total is an ether
// amount and is converted to wei exactly; fractional wei and negative values are rejected.
func DeriveIntent(ev evm.Event) (Intent, error) {
	index, err := orderIndex(ev.Args)
	if err != nil {
		return Intent{}, err
	}
	total, err := orderTotal(ev.Args)
	if err != nil {
		return Intent{}, err
	}
	wei, err := EtherToWei(total)
	if err != nil {
		return Intent{}, err
	}
	return Intent{TargetIndex: index, ValueWei: wei}, nil
}

// OrderID returns the event's orderId argument, or "" when absent.
func OrderID(ev evm.Event) string {
	if s, ok := ev.Args[argOrderID].(string); ok {
		return s
	}
	return ""
}

// EtherToWei converts an ether amount to wei.
func EtherToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative total %s", ErrMalformedEvent, amount)
	}
	wei := amount.Shift(weiPerEtherExp)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: total %s has fractional wei", ErrMalformedEvent, amount)
	}
	return wei.BigInt(), nil
}

func orderIndex(args map[string]any) (*big.Int, error) {
	raw, ok := args[argOrderIndex]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedEvent, argOrderIndex)
	}

	var v *big.Int
	switch x := raw.(type) {
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEvent, argOrderIndex)
		}
		v = new(big.Int).Set(x)
	case big.Int:
		v = new(big.Int).Set(&x)
	case uint64:
		v = new(big.Int).SetUint64(x)
	case uint32:
		v = new(big.Int).SetUint64(uint64(x))
	case uint:
		v = new(big.Int).SetUint64(uint64(x))
	case int64:
		v = big.NewInt(x)
	case int32:
		v = big.NewInt(int64(x))
	case int:
		v = big.NewInt(int64(x))
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(x), 10)
		if !ok {
			return nil, fmt.Errorf("%w: %s %q is not an integer", ErrMalformedEvent, argOrderIndex, x)
		}
		v = n
	default:
		return nil, fmt.Errorf("%w: %s has type %T", ErrMalformedEvent, argOrderIndex, raw)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative %s %s", ErrMalformedEvent, argOrderIndex, v)
	}
	return v, nil
}

// orderTotal normalizes the order argument to JSON so decoded tuples, maps and
// raw JSON documents are read the same way.
func orderTotal(args map[string]any) (decimal.Decimal, error) {
	raw, ok := args[argOrder]
	if !ok || raw == nil {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, argOrder)
	}

	var doc string
	switch x := raw.(type) {
	case string:
		doc = x
	case []byte:
		doc = string(x)
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: encode %s: %v", ErrMalformedEvent, argOrder, err)
		}
		doc = string(b)
	}
	if !gjson.Valid(doc) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is not a record", ErrMalformedEvent, argOrder)
	}

	res := gjson.Get(doc, fieldTotal)
	var text string
	switch res.Type {
	case gjson.Number:
		text = res.Raw
	case gjson.String:
		text = strings.TrimSpace(res.Str)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %s.%s missing or not numeric", ErrMalformedEvent, argOrder, fieldTotal)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s.%s %q: %v", ErrMalformedEvent, argOrder, fieldTotal, text, err)
	}
	return d, nil
}
