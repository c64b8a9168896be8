package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrConnection means the node could not be reached at all.
	ErrConnection = errors.New("rpc connection error")
	// ErrTransient marks timeouts and rate limiting; the call may be retried.
	ErrTransient = errors.New("transient rpc error")
	// ErrFatal marks conditions a retry cannot fix, such as an evicted filter.
	ErrFatal = errors.New("fatal rpc error")
)

// rate limit / limit exceeded (EIP-1474)
const codeLimitExceeded = -32005

// Classify wraps err with ErrConnection, ErrTransient or ErrFatal when it recognizes it.
// Unknown errors and context cancellation are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrTransient) || errors.Is(err, ErrFatal) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	msg := strings.ToLower(err.Error())
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.ErrorCode() == codeLimitExceeded {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if strings.Contains(msg, "filter not found") {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case strings.Contains(msg, "filter not found"):
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return err
}

// IsRetryable reports whether err is worth retrying on the next attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConnection)
}
