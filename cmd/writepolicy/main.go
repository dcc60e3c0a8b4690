// writepolicy is the write-policy hook of the local cache-relay. It reads
// one candidate event per line on stdin and answers each with a JSON
// decision line on stdout. Every write is rejected: the cache is filled
// only by the sync pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Priya8975/relay-cache-sync/internal/policy"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var logLevel string
	flagSet := pflag.NewFlagSet("writepolicy", pflag.ContinueOnError)
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level for stderr (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	// stdout carries decisions, so logs go to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return policy.Serve(ctx, os.Stdin, os.Stdout, policy.ReadOnly{}, nil, logger)
}
