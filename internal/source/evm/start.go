package evm

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ResolveStart turns a start_block expression into a block number.
// "" and "latest" return nil (start at the head), "latest-N" counts back from head,
// anything else must be a block number.
func ResolveStart(start string, head uint64) (*big.Int, error) {
	start = strings.TrimSpace(start)
	if start == "" || start == "latest" {
		return nil, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > head {
			return new(big.Int), nil
		}
		return new(big.Int).SetUint64(head - n), nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return new(big.Int).SetUint64(n), nil
}
