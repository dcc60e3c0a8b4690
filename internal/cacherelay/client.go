package cacherelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/protocol"
)

// Messages sent to clients.
const (
	msgRateLimited  = protocol.PrefixRateLimited + " slow down"
	msgQueryFailed  = protocol.PrefixError + " could not read the cache"
	msgNoFilters    = protocol.PrefixInvalid + " REQ needs at least one filter"
	msgBadSignature = protocol.PrefixInvalid + " bad event id or signature"
	msgSaveFailed   = protocol.PrefixError + " could not store the event"
	msgNoAuth       = protocol.PrefixBlocked + " this relay does not use authentication"
	msgUnsupported  = protocol.PrefixInvalid + " unsupported message"
	msgUnparseable  = protocol.PrefixInvalid + " could not parse message"
)

// subscription is one REQ of a client. Until its stored events are queued
// it is pending: live events are held back and sent after EOSE, minus the
// ones the stored result already carried.
type subscription struct {
	filters []nostr.Filter
	pending bool
	held    []*nostr.Event
}

func (s *subscription) matches(ev *nostr.Event) bool {
	for _, f := range s.filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

type client struct {
	srv  *Server
	conn *websocket.Conn
	id   string

	// send is never closed; done signals the pumps to exit.
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	subs map[string]*subscription
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// queue waits for room in the send buffer unless the client is gone.
func (c *client) queue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

// offer never blocks; it reports false when the buffer is full.
func (c *client) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// matching returns the live subscriptions ev should go to. Pending
// subscriptions hold on to ev instead.
func (c *client) matching(ev *nostr.Event) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for subID, sub := range c.subs {
		if !sub.matches(ev) {
			continue
		}
		if sub.pending {
			sub.held = append(sub.held, ev)
			continue
		}
		ids = append(ids, subID)
	}
	return ids
}

func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump reads client frames until the connection drops.
func (c *client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		select {
		case c.srv.unregister <- c:
		case <-c.srv.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, raw)
	}
}

func (c *client) handle(ctx context.Context, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		c.srv.logger.Debug("dropping malformed client frame", "client", c.id, "error", err)
		if errors.Is(err, protocol.ErrUnsupportedMessage) {
			c.queue(protocol.NoticeFrame(msgUnsupported))
		} else {
			c.queue(protocol.NoticeFrame(msgUnparseable))
		}
		return
	}

	switch msg.Label {
	case protocol.LabelReq:
		c.handleReq(ctx, msg)
	case protocol.LabelClose:
		c.mu.Lock()
		delete(c.subs, msg.SubscriptionID)
		c.mu.Unlock()
	case protocol.LabelEvent:
		c.handleEvent(ctx, msg)
	case protocol.LabelAuth:
		c.queue(protocol.OKFrame(eventID(msg), false, msgNoAuth))
	}
}

// handleReq sends the stored matches, then EOSE, and keeps the
// subscription open for live events.
func (c *client) handleReq(ctx context.Context, msg *protocol.ClientMessage) {
	subID := msg.SubscriptionID

	if c.srv.limiter != nil && !c.srv.limiter.Allow(ctx, c.id) {
		c.queue(protocol.ClosedFrame(subID, msgRateLimited))
		return
	}
	if len(msg.Filters) == 0 {
		c.queue(protocol.ClosedFrame(subID, msgNoFilters))
		return
	}

	sub := &subscription{filters: msg.Filters, pending: true}
	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	events, err := c.srv.store.QueryEvents(ctx, msg.Filters...)
	if err != nil {
		c.srv.logger.Error("cache query failed", "client", c.id, "subscription_id", subID, "error", err)
		c.mu.Lock()
		if c.subs[subID] == sub {
			delete(c.subs, subID)
		}
		c.mu.Unlock()
		c.queue(protocol.ClosedFrame(subID, msgQueryFailed))
		return
	}

	sent := make(map[string]struct{}, len(events))
	for i := range events {
		if c.stopped() {
			return
		}
		sent[events[i].ID] = struct{}{}
		c.queueEvent(subID, &events[i])
	}
	c.queue(protocol.EOSEFrame(subID))

	// Flush what arrived during the query until nothing is held, then go
	// live.
	for {
		c.mu.Lock()
		if c.subs[subID] != sub {
			c.mu.Unlock()
			return
		}
		held := sub.held
		sub.held = nil
		if len(held) == 0 {
			sub.pending = false
		}
		c.mu.Unlock()

		if len(held) == 0 {
			return
		}
		for _, ev := range held {
			if _, dup := sent[ev.ID]; dup {
				continue
			}
			sent[ev.ID] = struct{}{}
			c.queueEvent(subID, ev)
		}
	}
}

func (c *client) queueEvent(subID string, ev *nostr.Event) {
	frame, err := protocol.EventFrame(subID, ev)
	if err != nil {
		c.srv.logger.Error("failed to encode event", "event_id", ev.ID, "error", err)
		return
	}
	c.queue(frame)
}

// handleEvent asks the gate and answers with OK. Accepted events must carry
// a valid signature before they are stored.
func (c *client) handleEvent(ctx context.Context, msg *protocol.ClientMessage) {
	d := c.srv.gate.Decide(ctx, msg.RawEvent)
	c.srv.metrics.ObserveDecision(d.Action)

	id := d.ID
	if id == "" {
		id = eventID(msg)
	}
	if !d.Accepted() {
		c.srv.logger.Debug("client write rejected", "client", c.id, "event_id", id, "reason", d.Msg)
		c.queue(protocol.OKFrame(id, false, d.Msg))
		return
	}

	ev := msg.Event
	if ev == nil || !validEvent(ev) {
		c.queue(protocol.OKFrame(id, false, msgBadSignature))
		return
	}
	created, err := c.srv.store.SaveEvent(ctx, ev)
	if err != nil {
		c.srv.logger.Error("failed to store accepted event", "event_id", ev.ID, "error", err)
		c.queue(protocol.OKFrame(ev.ID, false, msgSaveFailed))
		return
	}
	if created {
		c.srv.Broadcast(ev)
	}
	c.queue(protocol.OKFrame(ev.ID, true, d.Msg))
}

func validEvent(ev *nostr.Event) bool {
	if ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

func eventID(msg *protocol.ClientMessage) string {
	if msg.Event != nil {
		return msg.Event.ID
	}
	return ""
}

// writePump writes queued frames to the connection and keeps it alive.
// When it exits the client is stopped, so a read pump blocked on a full
// send buffer is released.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
