// Command anvil-worker runs Action Scripts for an anvil engine. It reads
// jobs on stdin and writes host calls and results on stdout; diagnostics go
// to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/sandbox"
)

func main() {
	graceMS := flag.Int("grace-ms", int(sandbox.DefaultGrace/time.Millisecond), "milliseconds a script may run past its deadline")
	logLevel := flag.String("log-level", "warn", "log level written to stderr")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := config.NewLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := sandbox.ServeIO(ctx, os.Stdin, os.Stdout,
		sandbox.WithLogger(logger),
		sandbox.WithGrace(time.Duration(*graceMS)*time.Millisecond),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
