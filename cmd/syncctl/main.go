// syncctl is the operator CLI of the relay cache: it triggers one-shot sync
// runs, runs ad-hoc queries against relays and smoke-tests a relay.
//
//	syncctl sync [--backfill] [--upstream wss://...]
//	syncctl query --relay wss://... --kinds 30023 [--stop-on <id>]
//	syncctl smoke [--relay wss://...]
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/Priya8975/relay-cache-sync/internal/config"
)

// exitError carries a non-default exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder *exitError
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	switch args[0] {
	case "sync":
		return runSync(args[1:], cfg, stdout, logger)
	case "query":
		return runQuery(args[1:], cfg, stdout, logger)
	case "smoke":
		return runSmoke(args[1:], cfg, stdout, logger)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: syncctl <command> [flags]

Commands:
  sync    run the sync pipeline once against the upstream relays
  query   run one query against one or more relays and print the events
  smoke   open one connection to a relay, run one bounded query, print PASS or FAIL

Run "syncctl <command> --help" for the flags of a command.
`)
}
