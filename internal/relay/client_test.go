package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

func articleFilter() []nostr.Filter {
	return []nostr.Filter{{Kinds: []int{30023}, Limit: 10}}
}

func TestQuery_EOSEWithoutEvents(t *testing.T) {
	relay := newFakeRelay(t, eventsThenEOSE())
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:         []string{relay.URL()},
		Filters:        articleFilter(),
		SubscriptionID: "sub1",
	})
	relay.wait(t)

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Outcome != OutcomeEOSE {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeEOSE)
	}
	if res.Err != nil {
		t.Errorf("unexpected error: %v", res.Err)
	}
	if len(res.Events) != 0 {
		t.Errorf("expected no events, got %d", len(res.Events))
	}

	closes := relay.framesWithLabel("CLOSE")
	if len(closes) != 1 {
		t.Fatalf("expected exactly 1 CLOSE, got %d: %v", len(closes), closes)
	}
	if closes[0] != `["CLOSE","sub1"]` {
		t.Errorf("CLOSE frame = %s", closes[0])
	}
}

func TestQuery_CollectsEventsUntilEOSE(t *testing.T) {
	relay := newFakeRelay(t, eventsThenEOSE("e1", "e2", "e2", "e3"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:  []string{relay.URL()},
		Filters: articleFilter(),
	})

	res := results[0]
	if res.Outcome != OutcomeEOSE {
		t.Fatalf("outcome = %q, want eose", res.Outcome)
	}
	if len(res.Events) != 3 {
		t.Fatalf("expected 3 distinct events, got %d", len(res.Events))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if res.Events[i].ID != want {
			t.Errorf("event %d = %q, want %q", i, res.Events[i].ID, want)
		}
	}
}

func TestQuery_StopOnFirstMatch(t *testing.T) {
	first := newFakeRelay(t, eventsThenEOSE("x1", "abc", "x2"))
	second := newFakeRelay(t, eventsThenEOSE("abc"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:         []string{first.URL(), second.URL()},
		Filters:        []nostr.Filter{{IDs: []string{"abc"}}},
		StopOnID:       "abc",
		SubscriptionID: "sub1",
	})
	first.wait(t)

	if len(results) != 1 {
		t.Fatalf("expected exactly 1 relay in results, got %d", len(results))
	}
	if results[0].Outcome != OutcomeMatch {
		t.Errorf("outcome = %q, want match", results[0].Outcome)
	}
	if got := len(first.framesWithLabel("CLOSE")); got != 1 {
		t.Errorf("expected 1 CLOSE, got %d", got)
	}
	if second.connections.Load() != 0 {
		t.Error("second relay must not be contacted after a match")
	}

	ev, ok := results.Match()
	if !ok || ev.ID != "abc" {
		t.Errorf("Match() = %v, %v", ev, ok)
	}
}

func TestQuery_MatchOnLaterRelayStopsThere(t *testing.T) {
	first := newFakeRelay(t, eventsThenEOSE("x1"))
	second := newFakeRelay(t, eventsThenEOSE("abc"))
	third := newFakeRelay(t, eventsThenEOSE("abc"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:   []string{first.URL(), second.URL(), third.URL()},
		Filters:  articleFilter(),
		StopOnID: "abc",
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Outcome != OutcomeEOSE || results[1].Outcome != OutcomeMatch {
		t.Errorf("outcomes = %q, %q", results[0].Outcome, results[1].Outcome)
	}
	if third.connections.Load() != 0 {
		t.Error("third relay must not be contacted")
	}
}

func TestQuery_NoMatchReturnsAllRelays(t *testing.T) {
	first := newFakeRelay(t, eventsThenEOSE("x1"))
	second := newFakeRelay(t, eventsThenEOSE("x2"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:   []string{first.URL(), second.URL()},
		Filters:  articleFilter(),
		StopOnID: "abc",
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if _, ok := results.Match(); ok {
		t.Error("no match expected")
	}
	if got := len(results.Events()); got != 2 {
		t.Errorf("expected 2 merged events, got %d", got)
	}
}

func TestQuery_FailureIsolation(t *testing.T) {
	first := newFakeRelay(t, eventsThenEOSE("e1"))
	third := newFakeRelay(t, eventsThenEOSE("e3"))

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := "ws" + strings.TrimPrefix(down.URL, "http")
	down.Close()

	client := newTestClient(t, WithTimeout(2*time.Second))
	results := client.Query(context.Background(), Query{
		Relays:  []string{first.URL(), downURL, third.URL()},
		Filters: articleFilter(),
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || len(results[0].Events) != 1 {
		t.Errorf("relay 1: %+v", results[0])
	}
	if results[1].Err == nil || results[1].Outcome != OutcomeError {
		t.Errorf("relay 2 should carry an error entry: %+v", results[1])
	}
	if results[2].Err != nil || len(results[2].Events) != 1 {
		t.Errorf("relay 3: %+v", results[2])
	}
}

func TestQuery_RejectedUpgradeIsAnError(t *testing.T) {
	plain := httptest.NewServer(http.NotFoundHandler())
	defer plain.Close()

	client := newTestClient(t)
	results := client.Query(context.Background(), Query{
		Relays:  []string{"ws" + strings.TrimPrefix(plain.URL, "http")},
		Filters: articleFilter(),
	})

	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected an error entry, got %+v", results)
	}
	if results[0].Message != results[0].Err.Error() {
		t.Errorf("message = %q, want the error text %q", results[0].Message, results[0].Err.Error())
	}
}

func TestQuery_NoRelays(t *testing.T) {
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Filters: articleFilter()})

	if results == nil || len(results) != 0 {
		t.Errorf("expected empty non-nil results, got %#v", results)
	}
}

func TestQuery_DuplicateRelaysQueriedOnce(t *testing.T) {
	relay := newFakeRelay(t, eventsThenEOSE("e1"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:  []string{relay.URL(), relay.URL()},
		Filters: articleFilter(),
	})

	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
	if relay.connections.Load() != 1 {
		t.Errorf("expected 1 connection, got %d", relay.connections.Load())
	}
}

func TestQuery_FatalNoticeMovesToNextRelay(t *testing.T) {
	noisy := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			send(conn, "NOTICE", "ERROR: too many filters")
			send(conn, "EVENT", subID(frame), testEvent("late"))
		}
	})
	next := newFakeRelay(t, eventsThenEOSE("e2"))
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:  []string{noisy.URL(), next.URL()},
		Filters: articleFilter(),
	})
	noisy.wait(t)

	if results[0].Outcome != OutcomeNotice {
		t.Errorf("outcome = %q, want notice", results[0].Outcome)
	}
	if results[0].Message != "ERROR: too many filters" {
		t.Errorf("message = %q", results[0].Message)
	}
	if len(results[0].Events) != 1 {
		t.Errorf("events before the notice should be kept, got %d", len(results[0].Events))
	}
	if len(noisy.framesWithLabel("CLOSE")) != 1 {
		t.Error("fatal notice should close the subscription")
	}
	if len(results) != 2 || results[1].Outcome != OutcomeEOSE {
		t.Errorf("next relay should be queried: %+v", results)
	}
}

func TestQuery_InformationalNoticeIsIgnored(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "NOTICE", "welcome, be nice")
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			send(conn, "EOSE", subID(frame))
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})

	if results[0].Outcome != OutcomeEOSE || len(results[0].Events) != 1 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestQuery_ClosedByRelay(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "CLOSED", subID(frame), "error: shutting down")
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})
	relay.wait(t)

	if results[0].Outcome != OutcomeClosed {
		t.Errorf("outcome = %q, want closed", results[0].Outcome)
	}
	if results[0].Message != "error: shutting down" {
		t.Errorf("message = %q", results[0].Message)
	}
	if got := len(relay.framesWithLabel("CLOSE")); got != 0 {
		t.Errorf("subscription closed by relay needs no CLOSE, got %d", got)
	}
}

func TestQuery_MalformedFramesAreDropped(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`["EVENT"]`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`["WHATEVER",1,2]`))
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			send(conn, "EVENT", "other-sub", testEvent("foreign"))
			send(conn, "EOSE", subID(frame))
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})

	if results[0].Outcome != OutcomeEOSE {
		t.Fatalf("outcome = %q", results[0].Outcome)
	}
	if len(results[0].Events) != 1 || results[0].Events[0].ID != "e1" {
		t.Errorf("unexpected events: %+v", results[0].Events)
	}
}

func TestQuery_TimeoutKeepsPartialResult(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "EVENT", subID(frame), testEvent("e1"))
		}
	})
	client := newTestClient(t, WithTimeout(300*time.Millisecond))

	start := time.Now()
	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})
	relay.wait(t)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("query took %v, timeout not honoured", elapsed)
	}
	res := results[0]
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("timeout is not an error: %v", res.Err)
	}
	if len(res.Events) != 1 {
		t.Errorf("expected 1 event, got %d", len(res.Events))
	}
	if got := len(relay.framesWithLabel("CLOSE")); got != 1 {
		t.Errorf("expected CLOSE after timeout, got %d", got)
	}
}

func TestQuery_ConnectionDropped(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			conn.Close()
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})

	res := results[0]
	if res.Outcome != OutcomeExhausted && res.Outcome != OutcomeError {
		t.Errorf("outcome = %q, want exhausted", res.Outcome)
	}
	if len(res.Events) != 1 {
		t.Errorf("events received before the drop should be kept, got %d", len(res.Events))
	}
}

func TestQuery_AnswersAuthChallenge(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		switch label {
		case "REQ":
			send(conn, "AUTH", "challenge-123")
		case "AUTH":
			send(conn, "EOSE", "sub1")
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{
		Relays:         []string{relay.URL()},
		Filters:        articleFilter(),
		SubscriptionID: "sub1",
	})

	if results[0].Outcome != OutcomeEOSE {
		t.Fatalf("outcome = %q, want eose", results[0].Outcome)
	}

	auths := relay.framesWithLabel("AUTH")
	if len(auths) != 1 {
		t.Fatalf("expected 1 AUTH frame, got %d", len(auths))
	}
	ev := decodeAuthEvent(t, auths[0])
	if ev.Kind != 22242 {
		t.Errorf("auth event kind = %d, want 22242", ev.Kind)
	}
	if tag := ev.Tags.GetFirst([]string{"challenge", ""}); tag == nil || (*tag)[1] != "challenge-123" {
		t.Errorf("auth event challenge tag = %v", tag)
	}
	if tag := ev.Tags.GetFirst([]string{"relay", ""}); tag == nil || (*tag)[1] != relay.URL() {
		t.Errorf("auth event relay tag = %v", tag)
	}
	if ok, err := ev.CheckSignature(); !ok || err != nil {
		t.Errorf("auth event signature invalid: %v", err)
	}
	if ev.PubKey != client.handshake.PublicKey() {
		t.Error("auth event must be signed by the client's ephemeral identity")
	}
}

func TestQuery_AuthRequiredResendsQuery(t *testing.T) {
	reqs := 0
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		switch label {
		case "REQ":
			reqs++
			if reqs == 1 {
				send(conn, "AUTH", "ch-1")
				send(conn, "OK", "evt", false, "auth-required: need auth to read")
				return
			}
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			send(conn, "EOSE", subID(frame))
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})

	if results[0].Outcome != OutcomeEOSE || len(results[0].Events) != 1 {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if got := len(relay.framesWithLabel("REQ")); got != 2 {
		t.Errorf("expected REQ to be sent twice, got %d", got)
	}

	auths := relay.framesWithLabel("AUTH")
	if len(auths) != 2 {
		t.Fatalf("expected 2 AUTH frames (challenge + auth-required), got %d", len(auths))
	}
	ev := decodeAuthEvent(t, auths[1])
	if tag := ev.Tags.GetFirst([]string{"challenge", ""}); tag == nil || (*tag)[1] != "ch-1" {
		t.Errorf("auth-required retry should reuse the cached challenge, got %v", tag)
	}
}

func TestQuery_AuthRequiredRetriedOnce(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			send(conn, "OK", "evt", false, "auth-required: still not allowed")
		}
	})
	client := newTestClient(t, WithTimeout(2*time.Second))

	start := time.Now()
	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})
	relay.wait(t)

	if results[0].Outcome != OutcomeClosed {
		t.Fatalf("outcome = %q, want closed", results[0].Outcome)
	}
	if !strings.HasPrefix(results[0].Message, "auth-required:") {
		t.Errorf("message = %q", results[0].Message)
	}
	if time.Since(start) > time.Second {
		t.Error("query should end on the second auth-required, not wait for the timeout")
	}
	if got := len(relay.framesWithLabel("REQ")); got != 2 {
		t.Errorf("expected exactly 2 REQ frames, got %d", got)
	}
	if got := len(relay.framesWithLabel("AUTH")); got != 1 {
		t.Errorf("expected exactly 1 AUTH frame, got %d", got)
	}
}

func TestQuery_AnswersPing(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label == "REQ" {
			_ = conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
			send(conn, "EVENT", subID(frame), testEvent("e1"))
			send(conn, "EOSE", subID(frame))
		}
	})
	client := newTestClient(t)

	results := client.Query(context.Background(), Query{Relays: []string{relay.URL()}, Filters: articleFilter()})
	relay.wait(t)

	if results[0].Outcome != OutcomeEOSE {
		t.Fatalf("outcome = %q", results[0].Outcome)
	}
	if relay.pongs.Load() != 1 {
		t.Errorf("expected 1 pong, got %d", relay.pongs.Load())
	}
}

func TestQuery_CancelledContext(t *testing.T) {
	relay := newFakeRelay(t, eventsThenEOSE("e1"))
	client := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := client.Query(ctx, Query{Relays: []string{relay.URL()}, Filters: articleFilter()})

	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected an error entry, got %+v", results)
	}
	if !strings.Contains(results[0].Message, "context canceled") {
		t.Errorf("message = %q, want the cancellation cause", results[0].Message)
	}
	if relay.connections.Load() != 0 {
		t.Error("no connection expected with a cancelled context")
	}
}

func decodeAuthEvent(t *testing.T, frame string) nostr.Event {
	t.Helper()
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame), &parts); err != nil || len(parts) != 2 {
		t.Fatalf("bad AUTH frame %s: %v", frame, err)
	}
	var ev nostr.Event
	if err := json.Unmarshal(parts[1], &ev); err != nil {
		t.Fatalf("bad auth event: %v", err)
	}
	return ev
}
