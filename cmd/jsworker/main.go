// Command jsworker is the per-function-revision process: it embeds a
// JavaScript engine, loads one bundle, and serves NDJSON-framed invocations
// over stdin/stdout until stdin closes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KartikBazzad/bunbase/internal/worker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg, log)
	if err := w.Run(ctx, os.Stdin, os.Stdout); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
