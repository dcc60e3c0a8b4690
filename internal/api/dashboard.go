package api

import (
	"net/http"

	"github.com/Priya8975/relay-cache-sync/internal/engine"
	"github.com/Priya8975/relay-cache-sync/internal/store"
)

type DashboardHandler struct {
	store        Store
	pipeline     SyncLauncher
	health       HealthReader
	relayClients func() int
}

func NewDashboardHandler(s Store, p SyncLauncher, health HealthReader, relayClients func() int) *DashboardHandler {
	return &DashboardHandler{store: s, pipeline: p, health: health, relayClients: relayClients}
}

// Stats returns cache contents and recent sync activity.
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetCacheStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	type statsResponse struct {
		store.CacheStats
		Upstreams    int `json:"upstreams"`
		RelayClients int `json:"relay_clients"`
	}

	resp := statsResponse{CacheStats: *stats}
	if h.pipeline != nil {
		resp.Upstreams = len(h.pipeline.Upstreams())
	}
	if h.relayClients != nil {
		resp.RelayClients = h.relayClients()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Upstreams returns the health of every configured upstream relay.
func (h *DashboardHandler) Upstreams(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		respondJSON(w, http.StatusOK, []engine.UpstreamState{})
		return
	}

	upstreams := h.pipeline.Upstreams()
	states := make([]engine.UpstreamState, 0, len(upstreams))
	for _, up := range upstreams {
		state := engine.UpstreamState{Upstream: up, State: engine.HealthUnknown}
		if h.health != nil {
			state = h.health.GetState(r.Context(), up)
		}
		states = append(states, state)
	}

	respondJSON(w, http.StatusOK, states)
}
