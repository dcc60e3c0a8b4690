package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRelay is a scripted relay. script runs for every frame the client
// sends and may write replies on the connection.
type fakeRelay struct {
	server      *httptest.Server
	script      func(conn *websocket.Conn, label string, frame []json.RawMessage)
	onConnect   func(conn *websocket.Conn)
	connections atomic.Int32
	pongs       atomic.Int32
	wg          sync.WaitGroup

	mu       sync.Mutex
	received []string
}

func newFakeRelay(t *testing.T, script func(conn *websocket.Conn, label string, frame []json.RawMessage)) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{script: script}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fr.wg.Add(1)
		defer fr.wg.Done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fr.connections.Add(1)

		conn.SetPongHandler(func(string) error {
			fr.pongs.Add(1)
			return nil
		})
		if fr.onConnect != nil {
			fr.onConnect(conn)
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fr.mu.Lock()
			fr.received = append(fr.received, string(msg))
			fr.mu.Unlock()

			var frame []json.RawMessage
			if err := json.Unmarshal(msg, &frame); err != nil || len(frame) == 0 {
				continue
			}
			var label string
			_ = json.Unmarshal(frame[0], &label)
			if fr.script != nil {
				fr.script(conn, label, frame)
			}
		}
	}))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http")
}

// wait blocks until every connection handler has returned.
func (fr *fakeRelay) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay connections did not finish")
	}
}

// framesWithLabel returns the client frames that start with label.
func (fr *fakeRelay) framesWithLabel(label string) []string {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var out []string
	for _, f := range fr.received {
		if strings.HasPrefix(f, `["`+label+`"`) {
			out = append(out, f)
		}
	}
	return out
}

func subID(frame []json.RawMessage) string {
	var id string
	if len(frame) > 1 {
		_ = json.Unmarshal(frame[1], &id)
	}
	return id
}

func send(conn *websocket.Conn, frame ...any) {
	data, _ := json.Marshal(frame)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func testEvent(id string) nostr.Event {
	return nostr.Event{
		ID:        id,
		PubKey:    strings.Repeat("a", 64),
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      30023,
		Tags:      nostr.Tags{{"d", id}},
		Content:   "content of " + id,
		Sig:       strings.Repeat("b", 128),
	}
}

// eventsThenEOSE answers each REQ with the given events followed by EOSE.
func eventsThenEOSE(ids ...string) func(*websocket.Conn, string, []json.RawMessage) {
	return func(conn *websocket.Conn, label string, frame []json.RawMessage) {
		if label != "REQ" {
			return
		}
		sub := subID(frame)
		for _, id := range ids {
			send(conn, "EVENT", sub, testEvent(id))
		}
		send(conn, "EOSE", sub)
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}
