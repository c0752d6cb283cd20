package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"swpttrade/pkg/logger"
)

// WithSignals returns a context that is cancelled on SIGINT or SIGTERM.
// Loops finish their current iteration before returning.
func WithSignals(parent context.Context, log logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(quit)
		select {
		case sig := <-quit:
			log.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
