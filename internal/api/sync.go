package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/engine"
	"github.com/Priya8975/relay-cache-sync/internal/ingest"
	"github.com/Priya8975/relay-cache-sync/internal/store"
)

type SyncHandler struct {
	store    Store
	pipeline SyncLauncher
	runCtx   context.Context
}

func NewSyncHandler(s Store, p SyncLauncher, runCtx context.Context) *SyncHandler {
	return &SyncHandler{store: s, pipeline: p, runCtx: runCtx}
}

type triggerResponse struct {
	RunID    string `json:"run_id"`
	Backfill bool   `json:"backfill"`
}

// Trigger starts a manual run. ?backfill=true uses the backfill windows.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		respondError(w, http.StatusServiceUnavailable, "sync pipeline not configured")
		return
	}

	backfill := false
	if v := r.URL.Query().Get("backfill"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "backfill must be a boolean")
			return
		}
		backfill = b
	}

	runID, err := h.pipeline.Launch(h.runCtx, ingest.RunOptions{Backfill: backfill})
	if errors.Is(err, engine.ErrRunInProgress) {
		respondError(w, http.StatusConflict, "a sync run is already in progress")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to start sync run")
		return
	}

	respondJSON(w, http.StatusAccepted, triggerResponse{RunID: runID, Backfill: backfill})
}

// Attempts lists recorded (upstream, filter) outcomes, newest first.
func (h *SyncHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SyncAttemptFilter{
		RunID:    q.Get("run_id"),
		Upstream: q.Get("upstream"),
		Status:   q.Get("status"),
		Limit:    100,
	}

	switch filter.Status {
	case "", domain.SyncStatusSuccess, domain.SyncStatusFailed:
	default:
		respondError(w, http.StatusBadRequest, "status must be success or failed")
		return
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	attempts, err := h.store.ListSyncAttempts(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sync attempts")
		return
	}

	respondJSON(w, http.StatusOK, attempts)
}
