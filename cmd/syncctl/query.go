package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/pflag"

	"github.com/Priya8975/relay-cache-sync/internal/config"
	"github.com/Priya8975/relay-cache-sync/internal/relay"
)

type queryOutput struct {
	Match   *nostr.Event        `json:"match,omitempty"`
	Results []relay.RelayResult `json:"results"`
}

func runQuery(args []string, cfg *config.Config, stdout io.Writer, logger *slog.Logger) error {
	var (
		relays    []string
		kinds     []int
		authors   []string
		ids       []string
		tags      []string
		sinceDays int
		limit     int
		stopOn    string
		timeout   time.Duration
	)
	defaultRelays := []string{}
	if cfg.CacheRelayURL != "" {
		defaultRelays = append(defaultRelays, cfg.CacheRelayURL)
	}

	flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
	flagSet.StringSliceVar(&relays, "relay", defaultRelays, "relay URL, repeatable; relays are queried in order (default CACHE_RELAY_URL)")
	flagSet.IntSliceVar(&kinds, "kinds", nil, "event kinds")
	flagSet.StringSliceVar(&authors, "authors", nil, "author public keys")
	flagSet.StringSliceVar(&ids, "ids", nil, "event ids")
	flagSet.StringArrayVarP(&tags, "tag", "t", nil, "tag filter as letter=value, repeatable (e.g. -t d=my-article)")
	flagSet.IntVar(&sinceDays, "since-days", 0, "only events from the last N days")
	flagSet.IntVar(&limit, "limit", 0, "maximum events per relay")
	flagSet.StringVar(&stopOn, "stop-on", "", "stop as soon as any relay returns the event with this id")
	flagSet.DurationVar(&timeout, "timeout", cfg.QueryTimeout, "per-relay timeout")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if len(relays) == 0 {
		return fmt.Errorf("no relays: set CACHE_RELAY_URL or pass --relay")
	}

	filter := nostr.Filter{Kinds: kinds, Authors: authors, IDs: ids, Limit: limit}
	if sinceDays > 0 {
		since := nostr.Timestamp(time.Now().Add(-time.Duration(sinceDays) * 24 * time.Hour).Unix())
		filter.Since = &since
	}
	for _, t := range tags {
		name, value, ok := strings.Cut(t, "=")
		if !ok || len(name) != 1 {
			return fmt.Errorf("invalid tag filter %q, want letter=value", t)
		}
		if filter.Tags == nil {
			filter.Tags = nostr.TagMap{}
		}
		filter.Tags[name] = append(filter.Tags[name], value)
	}

	client, err := relay.NewClient(logger, relay.WithTimeout(timeout))
	if err != nil {
		return err
	}

	results := client.Query(context.Background(), relay.Query{
		Relays:   relays,
		Filters:  []nostr.Filter{filter},
		StopOnID: stopOn,
	})

	out := queryOutput{Results: results}
	if match, ok := results.Match(); ok {
		out.Match = match
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
