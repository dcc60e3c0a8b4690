package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ClientMessage is a frame sent by a client to a relay.
type ClientMessage struct {
	Label          string
	SubscriptionID string
	Filters        []nostr.Filter
	Event          *nostr.Event
	// RawEvent is the event object exactly as the client sent it.
	RawEvent json.RawMessage
}

var ErrUnsupportedMessage = errors.New("unsupported message")

// ParseClientMessage decodes REQ, CLOSE, EVENT and AUTH frames.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if len(frame) < 2 {
		return nil, fmt.Errorf("frame too short")
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return nil, fmt.Errorf("decoding label: %w", err)
	}

	msg := &ClientMessage{Label: label}
	switch label {
	case LabelReq:
		subID, ok := decodeString(frame[1])
		if !ok || subID == "" {
			return nil, fmt.Errorf("REQ: invalid subscription id")
		}
		msg.SubscriptionID = subID
		for _, raw := range frame[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("REQ: decoding filter: %w", err)
			}
			msg.Filters = append(msg.Filters, f)
		}
		return msg, nil

	case LabelClose:
		subID, ok := decodeString(frame[1])
		if !ok {
			return nil, fmt.Errorf("CLOSE: invalid subscription id")
		}
		msg.SubscriptionID = subID
		return msg, nil

	case LabelEvent, LabelAuth:
		msg.RawEvent = frame[1]
		var ev nostr.Event
		if err := json.Unmarshal(frame[1], &ev); err == nil {
			msg.Event = &ev
		}
		return msg, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessage, label)
}
