package domain

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// SyncJob is one (upstream, filter) pair of a pipeline run. It is rebuilt
// from the wall clock on every run and never stored.
type SyncJob struct {
	Upstream string       `json:"upstream"`
	Label    string       `json:"label"`
	Filter   nostr.Filter `json:"filter"`
}

// SyncAttempt is the recorded outcome of one SyncJob.
type SyncAttempt struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Upstream     string    `json:"upstream"`
	Label        string    `json:"label"`
	Status       string    `json:"status"`
	Fetched      int       `json:"fetched"`
	Stored       int       `json:"stored"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// References are the known-content sets the reference filters are built from.
type References struct {
	EventIDs    []string
	Coordinates []string
	Authors     []string
}
