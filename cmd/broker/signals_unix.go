//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandlers wires SIGINT/SIGTERM to graceful shutdown and SIGHUP
// to a live config reload, invoking onReload synchronously on receipt.
func setupSignalHandlers(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, onReload func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutdown signal received", "signal", sig)
				cancel()
				return
			case syscall.SIGHUP:
				logger.Info("reload signal received")
				onReload()
			}
		}
	}()
}
