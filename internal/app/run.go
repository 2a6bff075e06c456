package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run wires configuration, logging, and the gateway application together and
// blocks until SIGINT or SIGTERM. It returns the error instead of exiting so
// cmd/tetherd keeps its defers effective.
func Run() error {
	cfg := LoadConfig()

	a, err := New(cfg, NewLogger(cfg.LogLevel))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
