// Package cacherelay serves the local cache over the relay protocol. Reads
// come from the event store; every client write goes through the write
// policy gate, which keeps the cache read-only from the outside. Events the
// sync pipeline stores are pushed to matching live subscriptions.
package cacherelay

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/policy"
	"github.com/Priya8975/relay-cache-sync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // relay clients connect from any origin
	},
}

// EventStore is what the cache-relay reads from, and writes to when the
// gate accepts an event.
type EventStore interface {
	QueryEvents(ctx context.Context, filters ...nostr.Filter) ([]nostr.Event, error)
	SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error)
}

// Limiter bounds REQ frames per client; *engine.RateLimiter implements it.
type Limiter interface {
	Allow(ctx context.Context, clientID string) bool
}

// Server manages cache-relay connections and fans stored events out to
// live subscriptions.
type Server struct {
	clients    map[*client]struct{}
	mu         sync.RWMutex
	broadcast  chan *nostr.Event
	register   chan *client
	unregister chan *client
	stopped    chan struct{}

	store   EventStore
	gate    policy.Gate
	limiter Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer creates a cache-relay. A nil gate rejects every write; limiter
// and m may be nil.
func NewServer(store EventStore, gate policy.Gate, limiter Limiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	if gate == nil {
		gate = policy.ReadOnly{}
	}
	return &Server{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan *nostr.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
		store:      store,
		gate:       gate,
		limiter:    limiter,
		metrics:    m,
		logger:     logger,
	}
}

// Run starts the server's event loop and returns when ctx is cancelled.
// Should be called as a goroutine.
func (s *Server) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				delete(s.clients, c)
				c.stop()
			}
			s.mu.Unlock()
			s.metrics.SetRelayClients(0)
			return

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = struct{}{}
			n := len(s.clients)
			s.mu.Unlock()
			s.metrics.SetRelayClients(n)
			s.logger.Debug("relay client connected", "client", c.id, "total_clients", n)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.stop()
			}
			n := len(s.clients)
			s.mu.Unlock()
			s.metrics.SetRelayClients(n)
			s.logger.Debug("relay client disconnected", "client", c.id, "total_clients", n)

		case ev := <-s.broadcast:
			s.fanOut(ev)
		}
	}
}

// fanOut delivers ev to every subscription it matches. Clients that cannot
// keep up are dropped.
func (s *Server) fanOut(ev *nostr.Event) {
	var slow []*client

	s.mu.RLock()
	for c := range s.clients {
		for _, subID := range c.matching(ev) {
			frame, err := protocol.EventFrame(subID, ev)
			if err != nil {
				s.logger.Error("failed to encode live event", "event_id", ev.ID, "error", err)
				continue
			}
			if !c.offer(frame) {
				slow = append(slow, c)
				break
			}
		}
	}
	s.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range slow {
		if _, ok := s.clients[c]; ok {
			delete(s.clients, c)
			c.stop()
			s.logger.Warn("relay client too slow, dropped", "client", c.id)
		}
	}
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetRelayClients(n)
}

// Broadcast queues a newly stored event for live subscriptions.
func (s *Server) Broadcast(ev *nostr.Event) {
	select {
	case s.broadcast <- ev:
	default:
		s.logger.Warn("relay broadcast channel full, dropping event", "event_id", ev.ID)
	}
}

// HandleWebSocket upgrades HTTP connections to WebSocket and registers the client.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("relay upgrade failed", "error", err)
		return
	}

	c := &client{
		srv:  s,
		conn: conn,
		id:   clientID(r),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]*subscription),
	}

	select {
	case s.register <- c:
	case <-s.stopped:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected relay clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
