package engine

import (
	"context"
	"os/signal"
	"syscall"
)

// setupSignals returns a context that is cancelled on SIGINT or SIGTERM. The
// loop and every device goroutine stop on it.
func setupSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
