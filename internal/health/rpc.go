package health

import (
	"context"
	"fmt"
)

// ConnChecker is the part of the chain client the health check needs.
type ConnChecker interface {
	IsConnected(ctx context.Context) bool
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCChecker reports whether the node answers.
type RPCChecker struct {
	client ConnChecker
}

// NewRPCChecker creates a checker for the oracle's node.
func NewRPCChecker(client ConnChecker) *RPCChecker {
	return &RPCChecker{client: client}
}

// Ping checks the node is reachable and reports a head.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	if !c.client.IsConnected(ctx) {
		return fmt.Errorf("rpc node not reachable")
	}
	if _, err := c.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("rpc head: %w", err)
	}
	return nil
}
