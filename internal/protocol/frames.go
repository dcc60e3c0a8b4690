package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ReqFrame encodes ["REQ", subscriptionID, filter...].
func ReqFrame(subscriptionID string, filters ...nostr.Filter) ([]byte, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("encoding REQ: empty subscription id")
	}
	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, LabelReq, subscriptionID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding REQ: %w", err)
	}
	return data, nil
}

// CloseFrame encodes ["CLOSE", subscriptionID].
func CloseFrame(subscriptionID string) []byte {
	data, _ := json.Marshal([]string{LabelClose, subscriptionID})
	return data
}

// AuthFrame encodes ["AUTH", signedEvent].
func AuthFrame(ev nostr.Event) ([]byte, error) {
	data, err := json.Marshal([]any{LabelAuth, ev})
	if err != nil {
		return nil, fmt.Errorf("encoding AUTH: %w", err)
	}
	return data, nil
}

// The frames below are sent by a relay; the cache-relay uses them.

func EventFrame(subscriptionID string, ev *nostr.Event) ([]byte, error) {
	data, err := json.Marshal([]any{LabelEvent, subscriptionID, ev})
	if err != nil {
		return nil, fmt.Errorf("encoding EVENT: %w", err)
	}
	return data, nil
}

func EOSEFrame(subscriptionID string) []byte {
	data, _ := json.Marshal([]string{LabelEOSE, subscriptionID})
	return data
}

func NoticeFrame(message string) []byte {
	data, _ := json.Marshal([]string{LabelNotice, message})
	return data
}

func ClosedFrame(subscriptionID, message string) []byte {
	data, _ := json.Marshal([]string{LabelClosed, subscriptionID, message})
	return data
}

func OKFrame(eventID string, accepted bool, message string) []byte {
	data, _ := json.Marshal([]any{LabelOK, eventID, accepted, message})
	return data
}

func AuthChallengeFrame(challenge string) []byte {
	data, _ := json.Marshal([]string{LabelAuth, challenge})
	return data
}
