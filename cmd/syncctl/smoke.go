package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/pflag"

	"github.com/Priya8975/relay-cache-sync/internal/config"
	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
)

// runSmoke opens one connection and asks for at most one article. The relay
// passes when it completes the query with EOSE within the timeout.
func runSmoke(args []string, cfg *config.Config, stdout io.Writer, logger *slog.Logger) error {
	var (
		url     string
		timeout time.Duration
	)
	flagSet := pflag.NewFlagSet("smoke", pflag.ContinueOnError)
	flagSet.StringVar(&url, "relay", cfg.CacheRelayURL, "relay URL (default CACHE_RELAY_URL)")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the relay")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("no relay: set CACHE_RELAY_URL or pass --relay")
	}

	client, err := relay.NewClient(logger, relay.WithTimeout(timeout))
	if err != nil {
		return err
	}

	start := time.Now()
	results := client.Query(context.Background(), relay.Query{
		Relays:  []string{url},
		Filters: []nostr.Filter{{Kinds: []int{domain.KindLongFormArticle}, Limit: 1}},
	})
	elapsed := time.Since(start).Round(time.Millisecond)

	res, _ := results.Get(url)
	if res.Outcome != relay.OutcomeEOSE {
		detail := res.Message
		if res.Err != nil {
			detail = res.Err.Error()
		}
		fmt.Fprintf(stdout, "FAIL %s: %s after %s %s\n", url, res.Outcome, elapsed, detail)
		return &exitError{code: 1, err: fmt.Errorf("smoke test failed")}
	}

	fmt.Fprintf(stdout, "PASS %s: %d event(s), EOSE after %s\n", url, len(res.Events), elapsed)
	return nil
}
