package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/devblac/order-oracle/internal/oracle"
)

const (
	exitOK           = 0
	exitRuntime      = 1
	exitPrecondition = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Execute(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, oracle.ErrPrecondition):
		return exitPrecondition
	default:
		return exitRuntime
	}
}
