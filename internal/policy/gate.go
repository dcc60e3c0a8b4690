// Package policy decides whether a client-submitted event may be written to
// the local cache-relay. The cache is read-only from the outside, so the
// stock gate rejects everything; upstream sync writes through the store
// directly and never reaches a gate.
package policy

import (
	"context"
	"encoding/json"
)

const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// ReadOnlyMessage is the reason given for every rejected write.
const ReadOnlyMessage = "blocked: this relay is a read-only cache"

// Decision is the verdict on one write attempt.
type Decision struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Msg    string `json:"msg,omitempty"`
}

// Accepted reports whether the write may proceed.
func (d Decision) Accepted() bool {
	return d.Action == ActionAccept
}

// Reject builds a reject decision for the event id.
func Reject(id, msg string) Decision {
	return Decision{ID: id, Action: ActionReject, Msg: msg}
}

// Gate decides on one candidate event, passed as raw JSON. A gate never
// fails: anything it cannot decide on is rejected.
type Gate interface {
	Decide(ctx context.Context, candidate []byte) Decision
}

// ReadOnly rejects every write without looking at it.
type ReadOnly struct{}

func (ReadOnly) Decide(_ context.Context, candidate []byte) Decision {
	return Reject(CandidateID(candidate), ReadOnlyMessage)
}

// CandidateID extracts the event id from a bare event or from a plugin
// request of the form {"type":"new","event":{...}}. It returns "" when the
// input carries no id.
func CandidateID(candidate []byte) string {
	var probe struct {
		ID    string `json:"id"`
		Event *struct {
			ID string `json:"id"`
		} `json:"event"`
	}
	if err := json.Unmarshal(candidate, &probe); err != nil {
		return ""
	}
	if probe.Event != nil && probe.Event.ID != "" {
		return probe.Event.ID
	}
	return probe.ID
}
