package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/Priya8975/relay-cache-sync/internal/metrics"
	"github.com/Priya8975/relay-cache-sync/internal/protocol"
)

// DefaultTimeout bounds the time spent on each relay of a query.
const DefaultTimeout = 15 * time.Second

// Outcome records how the subscription on one relay ended.
type Outcome string

const (
	OutcomeMatch     Outcome = "match"
	OutcomeEOSE      Outcome = "eose"
	OutcomeNotice    Outcome = "notice"
	OutcomeClosed    Outcome = "closed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)

// Query describes one filtered query over a list of relays.
type Query struct {
	Relays  []string
	Filters []nostr.Filter
	// StopOnID enables early exit: the query returns as soon as any relay
	// delivers an event with this id, without contacting later relays.
	StopOnID string
	// SubscriptionID is generated when empty.
	SubscriptionID string
}

// RelayResult holds what one relay delivered. Events received before a
// failure are kept.
type RelayResult struct {
	Relay   string        `json:"relay"`
	Events  []nostr.Event `json:"events"`
	Outcome Outcome       `json:"outcome"`
	Message string        `json:"message,omitempty"`
	Err     error         `json:"-"`
}

// Results is ordered like the relays of the query.
type Results []RelayResult

// Get returns the result for relay.
func (r Results) Get(relay string) (RelayResult, bool) {
	for _, res := range r {
		if res.Relay == relay {
			return res, true
		}
	}
	return RelayResult{}, false
}

// Events merges the events of all relays, first occurrence of an id wins.
func (r Results) Events() []nostr.Event {
	seen := make(map[string]struct{})
	var events []nostr.Event
	for _, res := range r {
		for _, ev := range res.Events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			events = append(events, ev)
		}
	}
	return events
}

// Match returns the early-exit event, if the query stopped on one.
func (r Results) Match() (*nostr.Event, bool) {
	if len(r) == 0 {
		return nil, false
	}
	last := r[len(r)-1]
	if last.Outcome != OutcomeMatch || len(last.Events) == 0 {
		return nil, false
	}
	ev := last.Events[len(last.Events)-1]
	return &ev, true
}

// Dialer opens a connection to a relay.
type Dialer func(ctx context.Context, url string) (*Connection, error)

// Client runs queries against relays one at a time. Each relay gets its own
// connection, which is torn down before the next relay is contacted.
type Client struct {
	handshake *Handshake
	dial      Dialer
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Client)

// WithTimeout sets the per-relay timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// NewClient creates a client with its own ephemeral identity.
func NewClient(logger *slog.Logger, opts ...Option) (*Client, error) {
	hs, err := NewHandshake(logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		handshake: hs,
		timeout:   DefaultTimeout,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		timeout := c.timeout
		c.dial = func(ctx context.Context, url string) (*Connection, error) {
			return Dial(ctx, url, timeout)
		}
	}
	return c, nil
}

// Query sends the filters to each relay in order and collects what comes
// back. It never fails as a whole: per-relay failures are reported in the
// matching RelayResult, and an empty relay list yields empty Results.
func (c *Client) Query(ctx context.Context, q Query) Results {
	subID := q.SubscriptionID
	if subID == "" {
		subID = uuid.NewString()[:8]
	}

	results := Results{}
	req, err := protocol.ReqFrame(subID, q.Filters...)
	if err != nil {
		for _, url := range q.Relays {
			results = append(results, errorResult(url, err))
		}
		return results
	}

	seen := make(map[string]struct{}, len(q.Relays))
	for _, url := range q.Relays {
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}

		if err := ctx.Err(); err != nil {
			results = append(results, errorResult(url, err))
			continue
		}

		res := c.queryRelay(ctx, url, subID, req, q.StopOnID)
		results = append(results, res)
		if res.Outcome == OutcomeMatch {
			c.logger.Debug("found target event, skipping remaining relays",
				"relay", url,
				"event_id", q.StopOnID,
			)
			break
		}
	}
	return results
}

func errorResult(url string, err error) RelayResult {
	return RelayResult{Relay: url, Events: []nostr.Event{}, Outcome: OutcomeError, Message: err.Error(), Err: err}
}

// subscription is the per-relay state of a running query.
type subscription struct {
	id        string
	relay     string
	challenge string
	seen      map[string]struct{}
	// reauthed is set once the REQ was resent after an auth-required OK;
	// a second auth-required ends the subscription.
	reauthed bool
	// open is false once the relay ended the subscription or the
	// connection is gone, so no CLOSE is owed.
	open bool
}

func (c *Client) queryRelay(ctx context.Context, url, subID string, req []byte, stopOn string) (res RelayResult) {
	start := time.Now()
	res.Relay = url
	res.Events = []nostr.Event{}

	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("querying relay: %v", r)
			c.logger.Error("relay query panicked", "relay", url, "panic", r)
		}
		if res.Err != nil && res.Message == "" {
			res.Message = res.Err.Error()
		}
		c.metrics.ObserveQuery(string(res.Outcome), time.Since(start))
	}()

	conn, err := c.dial(ctx, url)
	if err != nil {
		c.logger.Warn("failed to connect to relay", "relay", url, "error", err)
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}

	sub := &subscription{id: subID, relay: url, seen: make(map[string]struct{})}
	defer func() {
		if sub.open {
			c.handshake.SendClose(conn, sub.id)
		}
		conn.Close()
	}()

	conn.OnPing(func(appData string) {
		c.handshake.RespondToHeartbeat(conn, appData)
	})

	if err := conn.Send(req); err != nil {
		c.logger.Warn("failed to send REQ", "relay", url, "error", err)
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("sending REQ: %w", err)
		return res
	}
	sub.open = true

	deadline := start.Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		raw, err := conn.Receive(deadline)
		if err != nil {
			switch {
			case isTimeout(err):
				res.Outcome = OutcomeTimeout
				c.logger.Debug("relay timed out", "relay", url, "events", len(res.Events))
			case isClosed(err):
				sub.open = false
				res.Outcome = OutcomeExhausted
				c.logger.Debug("relay connection closed", "relay", url, "error", err)
			default:
				sub.open = false
				res.Outcome = OutcomeError
				res.Err = fmt.Errorf("receiving: %w", err)
				c.logger.Warn("relay read failed", "relay", url, "error", err)
			}
			return res
		}

		resp := protocol.Parse(raw)
		c.metrics.ObserveFrame(resp.Label())

		if done := c.handle(conn, sub, resp, req, stopOn, &res); done {
			return res
		}
	}
}

// handle applies one classified frame to the subscription and reports
// whether the subscription on this relay is finished.
func (c *Client) handle(conn *Connection, sub *subscription, resp protocol.Response, req []byte, stopOn string, res *RelayResult) bool {
	switch r := resp.(type) {
	case protocol.EventResponse:
		if r.SubscriptionID != sub.id {
			c.logger.Debug("ignoring event for foreign subscription", "relay", sub.relay, "subscription_id", r.SubscriptionID)
			return false
		}
		if _, dup := sub.seen[r.Event.ID]; !dup {
			sub.seen[r.Event.ID] = struct{}{}
			res.Events = append(res.Events, r.Event)
		}
		if stopOn != "" && r.Event.ID == stopOn {
			res.Outcome = OutcomeMatch
			return true
		}

	case protocol.EOSEResponse:
		if r.SubscriptionID != sub.id {
			return false
		}
		res.Outcome = OutcomeEOSE
		return true

	case protocol.NoticeResponse:
		if c.handshake.ClassifyNotice(r.Message) == protocol.NoticeFatal {
			c.logger.Warn("relay sent fatal notice", "relay", sub.relay, "message", r.Message)
			res.Outcome = OutcomeNotice
			res.Message = r.Message
			return true
		}
		c.logger.Info("relay notice", "relay", sub.relay, "message", r.Message)

	case protocol.ClosedResponse:
		if r.SubscriptionID != sub.id {
			return false
		}
		sub.open = false
		res.Outcome = OutcomeClosed
		res.Message = r.Message
		c.logger.Info("relay closed subscription", "relay", sub.relay, "message", r.Message)
		return true

	case protocol.OKResponse:
		if protocol.IsAuthRequired(r.Message) {
			if sub.reauthed {
				c.logger.Warn("relay still requires auth after authenticating", "relay", sub.relay, "message", r.Message)
				res.Outcome = OutcomeClosed
				res.Message = r.Message
				return true
			}
			sub.reauthed = true
			c.logger.Debug("relay requires auth, retrying query", "relay", sub.relay)
			c.handshake.Authenticate(conn, sub.relay, sub.challenge)
			if err := conn.Send(req); err != nil {
				c.logger.Warn("failed to resend REQ after auth", "relay", sub.relay, "error", err)
			}
		}

	case protocol.AuthResponse:
		sub.challenge = r.Challenge
		c.handshake.Authenticate(conn, sub.relay, r.Challenge)

	case protocol.Unrecognized:
		c.logger.Debug("dropping unrecognized frame", "relay", sub.relay, "reason", r.Reason)
	}
	return false
}
