package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/domain"
	"github.com/Priya8975/relay-cache-sync/internal/protocol"
)

var (
	connCount atomic.Int64
	reqCount  atomic.Int64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// behavior decides how one connection answers a REQ.
type behavior func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage)

type connState struct {
	challenge string
	authed    bool
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	events := cannedEvents()

	// Serves the canned events that match, then EOSE
	http.HandleFunc("/relay/ok", relayHandler(false, serveStored(events)))

	// Sends an AUTH challenge and answers REQs with an auth-required OK
	// until the client authenticates
	http.HandleFunc("/relay/auth", relayHandler(true, func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage) {
		if !st.authed {
			write(conn, protocol.OKFrame("", false, "auth-required: authenticate first"))
			return
		}
		serveStored(events)(conn, st, msg)
	}))

	// Answers every REQ with a fatal NOTICE
	http.HandleFunc("/relay/notice", relayHandler(false, func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage) {
		write(conn, protocol.NoticeFrame("ERROR: internal database failure"))
	}))

	// Closes every subscription right away
	http.HandleFunc("/relay/closed", relayHandler(false, func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage) {
		write(conn, protocol.ClosedFrame(msg.SubscriptionID, "blocked: not on the allow list"))
	}))

	// Sends the stored events but never EOSE, so clients hit their timeout
	http.HandleFunc("/relay/slow", relayHandler(false, func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage) {
		for _, ev := range matching(events, msg.Filters) {
			time.Sleep(500 * time.Millisecond)
			writeEvent(conn, msg.SubscriptionID, ev)
		}
	}))

	// Stats endpoint shows connection and request counts
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"connections":%d,"requests":%d,"events":%d}`+"\n", connCount.Load(), reqCount.Load(), len(events))
	})

	log.Printf("Mock relay starting on :%s with %d canned events", port, len(events))
	log.Printf("  ws /relay/ok      -> stored events + EOSE")
	log.Printf("  ws /relay/auth    -> AUTH challenge, auth-required until authenticated")
	log.Printf("  ws /relay/notice  -> fatal NOTICE")
	log.Printf("  ws /relay/closed  -> CLOSED blocked:")
	log.Printf("  ws /relay/slow    -> events without EOSE")
	log.Printf("  GET /stats        -> counters")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func relayHandler(challenge bool, onReq behavior) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		n := connCount.Add(1)
		log.Printf("[conn #%d] %s connected to %s", n, r.RemoteAddr, r.URL.Path)

		st := &connState{}
		if challenge {
			st.challenge = fmt.Sprintf("challenge-%d-%d", n, time.Now().UnixNano())
			write(conn, protocol.AuthChallengeFrame(st.challenge))
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[conn #%d] closed: %v", n, err)
				return
			}
			msg, err := protocol.ParseClientMessage(raw)
			if err != nil {
				write(conn, protocol.NoticeFrame("invalid: "+err.Error()))
				continue
			}

			switch msg.Label {
			case protocol.LabelReq:
				reqCount.Add(1)
				log.Printf("[conn #%d] REQ %s with %d filter(s)", n, msg.SubscriptionID, len(msg.Filters))
				onReq(conn, st, msg)
			case protocol.LabelClose:
				log.Printf("[conn #%d] CLOSE %s", n, msg.SubscriptionID)
			case protocol.LabelAuth:
				st.authed = checkAuth(msg.Event, st.challenge)
				id := ""
				if msg.Event != nil {
					id = msg.Event.ID
				}
				log.Printf("[conn #%d] AUTH accepted=%t", n, st.authed)
				write(conn, protocol.OKFrame(id, st.authed, ""))
			case protocol.LabelEvent:
				id := ""
				if msg.Event != nil {
					id = msg.Event.ID
				}
				write(conn, protocol.OKFrame(id, false, "blocked: mock relay is read-only"))
			}
		}
	}
}

func checkAuth(ev *nostr.Event, challenge string) bool {
	if ev == nil || ev.Kind != domain.KindClientAuth || challenge == "" {
		return false
	}
	if tag := ev.Tags.GetFirst([]string{"challenge", ""}); tag == nil || (*tag)[1] != challenge {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

func serveStored(events []nostr.Event) behavior {
	return func(conn *websocket.Conn, st *connState, msg *protocol.ClientMessage) {
		for _, ev := range matching(events, msg.Filters) {
			writeEvent(conn, msg.SubscriptionID, ev)
		}
		write(conn, protocol.EOSEFrame(msg.SubscriptionID))
	}
}

func matching(events []nostr.Event, filters []nostr.Filter) []nostr.Event {
	var out []nostr.Event
	for _, ev := range events {
		for _, f := range filters {
			if f.Matches(&ev) {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

func writeEvent(conn *websocket.Conn, subID string, ev nostr.Event) {
	frame, err := protocol.EventFrame(subID, &ev)
	if err != nil {
		log.Printf("encode event: %v", err)
		return
	}
	write(conn, frame)
}

func write(conn *websocket.Conn, frame []byte) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("write failed: %v", err)
	}
}

// cannedEvents signs a small content graph: articles by one author with a
// reply, a reaction, a highlight, a profile and a deletion.
func cannedEvents() []nostr.Event {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	now := time.Now()

	var events []nostr.Event
	sign := func(ev nostr.Event) nostr.Event {
		if ev.Tags == nil {
			ev.Tags = nostr.Tags{}
		}
		if err := ev.Sign(sk); err != nil {
			log.Fatalf("signing canned event: %v", err)
		}
		events = append(events, ev)
		return ev
	}
	at := func(ago time.Duration) nostr.Timestamp { return nostr.Timestamp(now.Add(-ago).Unix()) }

	first := sign(nostr.Event{
		Kind: domain.KindLongFormArticle, CreatedAt: at(2 * time.Hour),
		Tags:    nostr.Tags{{"d", "hello-relays"}, {"title", "Hello relays"}},
		Content: "# Hello relays\n\nA first article.",
	})
	coord := domain.CoordinateOf(&first).String()
	sign(nostr.Event{
		Kind: domain.KindLongFormArticle, CreatedAt: at(30 * 24 * time.Hour),
		Tags:    nostr.Tags{{"d", "old-news"}, {"title", "Old news"}},
		Content: "An article outside the default window.",
	})
	sign(nostr.Event{
		Kind: domain.KindTextNote, CreatedAt: at(time.Hour),
		Tags:    nostr.Tags{{"e", first.ID}, {"a", coord}},
		Content: "Nice write-up!",
	})
	sign(nostr.Event{
		Kind: domain.KindReaction, CreatedAt: at(50 * time.Minute),
		Tags:    nostr.Tags{{"e", first.ID}, {"a", coord}, {"p", pk}},
		Content: "+",
	})
	sign(nostr.Event{
		Kind: domain.KindHighlight, CreatedAt: at(40 * time.Minute),
		Tags:    nostr.Tags{{"a", coord}},
		Content: "A first article.",
	})
	sign(nostr.Event{
		Kind: domain.KindProfileMetadata, CreatedAt: at(24 * time.Hour),
		Content: `{"name":"mock author"}`,
	})
	sign(nostr.Event{
		Kind: domain.KindDeletion, CreatedAt: at(10 * time.Minute),
		Tags:    nostr.Tags{{"e", "0000000000000000000000000000000000000000000000000000000000000000"}},
		Content: "retracted",
	})
	return events
}
