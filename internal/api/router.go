// Package api is the read-only HTTP surface of the sync service. The
// cache-relay WebSocket endpoint is mounted at the root.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/engine"
	"github.com/Priya8975/relay-cache-sync/internal/ingest"
	"github.com/Priya8975/relay-cache-sync/internal/store"
)

// Store is the part of the event store the API reads.
type Store interface {
	QueryEvents(ctx context.Context, filters ...nostr.Filter) ([]nostr.Event, error)
	GetEvent(ctx context.Context, id string) (*nostr.Event, error)
	ListSyncAttempts(ctx context.Context, f store.SyncAttemptFilter) ([]domain.SyncAttempt, error)
	GetCacheStats(ctx context.Context) (*store.CacheStats, error)
}

// SyncLauncher starts pipeline runs; *ingest.Pipeline implements it.
type SyncLauncher interface {
	Launch(ctx context.Context, opts ingest.RunOptions) (string, error)
	Upstreams() []string
}

// HealthReader reports upstream health; *engine.UpstreamHealth implements it.
type HealthReader interface {
	GetState(ctx context.Context, upstream string) engine.UpstreamState
}

// Deps are the collaborators of the router. Relay and Metrics may be nil.
type Deps struct {
	Store    Store
	Pipeline SyncLauncher
	Health   HealthReader
	Checks   []Check
	// Relay serves WebSocket upgrades on "/".
	Relay http.HandlerFunc
	// Metrics serves /metrics.
	Metrics http.Handler
	// RunContext outlives requests; manual sync runs use it.
	RunContext context.Context
	// RelayClients reports connected cache-relay clients.
	RelayClients func() int
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(corsMiddleware)

	runCtx := d.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}

	eventHandler := NewEventHandler(d.Store)
	syncHandler := NewSyncHandler(d.Store, d.Pipeline, runCtx)
	dashHandler := NewDashboardHandler(d.Store, d.Pipeline, d.Health, d.RelayClients)

	r.Get("/", relayInfo(d.Relay))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Checks...))

		r.Route("/events", func(r chi.Router) {
			r.Get("/", eventHandler.List)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/runs", syncHandler.Trigger)
			r.Get("/attempts", syncHandler.Attempts)
		})

		r.Get("/upstreams", dashHandler.Upstreams)
		r.Get("/stats", dashHandler.Stats)
	})

	return r
}

// relayInfo hands WebSocket upgrades to the cache-relay and describes the
// relay to plain HTTP clients.
func relayInfo(relay http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if relay != nil && r.Header.Get("Upgrade") != "" {
			relay(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "relay-cache-sync",
			"description": "read-only cache of upstream relays",
			"limitation": map[string]any{
				"restricted_writes": true,
				"max_limit":         store.MaxQueryLimit,
			},
		})
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
