//go:build windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandlers wires SIGINT/SIGTERM to graceful shutdown. Windows has
// no SIGHUP, so onReload is unused here — reload is a unix-only operator
// convenience.
func setupSignalHandlers(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, onReload func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}()
}
