// Package protocol holds the relay wire format: classification of inbound
// relay frames and encoding of outbound client frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Frame labels.
const (
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEvent  = "EVENT"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelClosed = "CLOSED"
	LabelOK     = "OK"
	LabelAuth   = "AUTH"
)

// Response is one classified relay frame. The set of implementations is
// closed: EventResponse, EOSEResponse, NoticeResponse, ClosedResponse,
// OKResponse, AuthResponse and Unrecognized.
type Response interface {
	Label() string
	response()
}

type EventResponse struct {
	SubscriptionID string
	Event          nostr.Event
}

type EOSEResponse struct {
	SubscriptionID string
}

type NoticeResponse struct {
	Message string
}

type ClosedResponse struct {
	SubscriptionID string
	Message        string
}

type OKResponse struct {
	EventID  string
	Accepted bool
	Message  string
}

type AuthResponse struct {
	Challenge string
}

// Unrecognized stands for any frame that could not be classified. Callers
// drop it.
type Unrecognized struct {
	Raw    []byte
	Reason string
}

func (EventResponse) Label() string  { return LabelEvent }
func (EOSEResponse) Label() string   { return LabelEOSE }
func (NoticeResponse) Label() string { return LabelNotice }
func (ClosedResponse) Label() string { return LabelClosed }
func (OKResponse) Label() string     { return LabelOK }
func (AuthResponse) Label() string   { return LabelAuth }
func (Unrecognized) Label() string   { return "" }

func (EventResponse) response()  {}
func (EOSEResponse) response()   {}
func (NoticeResponse) response() {}
func (ClosedResponse) response() {}
func (OKResponse) response()     {}
func (AuthResponse) response()   {}
func (Unrecognized) response()   {}

// Parse decodes a raw text frame and classifies it. It never fails: anything
// that is not a well-formed relay frame comes back as Unrecognized.
func Parse(raw []byte) Response {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Unrecognized{Raw: raw, Reason: fmt.Sprintf("not a json array: %v", err)}
	}
	resp := Classify(frame)
	if u, ok := resp.(Unrecognized); ok {
		u.Raw = raw
		return u
	}
	return resp
}

// Classify maps an already decoded frame onto its Response variant.
func Classify(frame []json.RawMessage) Response {
	if len(frame) == 0 {
		return Unrecognized{Reason: "empty frame"}
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return Unrecognized{Reason: "first element is not a string"}
	}

	switch label {
	case LabelEvent:
		if len(frame) < 3 {
			return Unrecognized{Reason: "EVENT: missing elements"}
		}
		subID, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "EVENT: subscription id is not a string"}
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			return Unrecognized{Reason: fmt.Sprintf("EVENT: bad event: %v", err)}
		}
		if ev.ID == "" {
			return Unrecognized{Reason: "EVENT: event has no id"}
		}
		return EventResponse{SubscriptionID: subID, Event: ev}

	case LabelEOSE:
		if len(frame) < 2 {
			return Unrecognized{Reason: "EOSE: missing subscription id"}
		}
		subID, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "EOSE: subscription id is not a string"}
		}
		return EOSEResponse{SubscriptionID: subID}

	case LabelNotice:
		if len(frame) < 2 {
			return Unrecognized{Reason: "NOTICE: missing message"}
		}
		msg, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "NOTICE: message is not a string"}
		}
		return NoticeResponse{Message: msg}

	case LabelClosed:
		if len(frame) < 2 {
			return Unrecognized{Reason: "CLOSED: missing subscription id"}
		}
		subID, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "CLOSED: subscription id is not a string"}
		}
		var msg string
		if len(frame) >= 3 {
			if msg, ok = decodeString(frame[2]); !ok {
				return Unrecognized{Reason: "CLOSED: message is not a string"}
			}
		}
		return ClosedResponse{SubscriptionID: subID, Message: msg}

	case LabelOK:
		if len(frame) < 3 {
			return Unrecognized{Reason: "OK: missing elements"}
		}
		id, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "OK: event id is not a string"}
		}
		var accepted bool
		if err := json.Unmarshal(frame[2], &accepted); err != nil {
			return Unrecognized{Reason: "OK: accepted flag is not a bool"}
		}
		var msg string
		if len(frame) >= 4 {
			if msg, ok = decodeString(frame[3]); !ok {
				return Unrecognized{Reason: "OK: message is not a string"}
			}
		}
		return OKResponse{EventID: id, Accepted: accepted, Message: msg}

	case LabelAuth:
		if len(frame) < 2 {
			return Unrecognized{Reason: "AUTH: missing challenge"}
		}
		challenge, ok := decodeString(frame[1])
		if !ok {
			return Unrecognized{Reason: "AUTH: challenge is not a string"}
		}
		return AuthResponse{Challenge: challenge}
	}

	return Unrecognized{Reason: fmt.Sprintf("unknown label %q", label)}
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
