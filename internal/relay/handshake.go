package relay

import (
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"

	"github.com/Priya8975/relay-cache-sync/internal/protocol"
)

// Sender is the part of a connection the handshake helper writes to.
type Sender interface {
	Send(frame []byte) error
	Pong(appData string) error
}

// Handshake holds an ephemeral identity generated once per instance. The
// identity is used only to answer authentication challenges and never
// publishes anything else.
type Handshake struct {
	secretKey string
	publicKey string
	logger    *slog.Logger
}

func NewHandshake(logger *slog.Logger) (*Handshake, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	return &Handshake{secretKey: sk, publicKey: pk, logger: logger}, nil
}

// PublicKey returns the hex public key of the ephemeral identity.
func (h *Handshake) PublicKey() string {
	return h.publicKey
}

// RespondToHeartbeat answers a ping with the matching pong.
func (h *Handshake) RespondToHeartbeat(conn Sender, appData string) {
	if err := conn.Pong(appData); err != nil {
		h.logger.Debug("failed to answer ping", "error", err)
	}
}

// Authenticate answers an AUTH challenge from relayURL with a signed
// authentication event. Failures are logged and swallowed: a relay that
// insists on authentication rejects later frames on its own.
func (h *Handshake) Authenticate(conn Sender, relayURL, challenge string) {
	ev := nip42.CreateUnsignedAuthEvent(challenge, h.publicKey, relayURL)
	if err := ev.Sign(h.secretKey); err != nil {
		h.logger.Warn("failed to sign auth event", "relay", relayURL, "error", err)
		return
	}

	frame, err := protocol.AuthFrame(ev)
	if err != nil {
		h.logger.Warn("failed to encode auth event", "relay", relayURL, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		h.logger.Warn("failed to send auth event", "relay", relayURL, "error", err)
		return
	}
	h.logger.Debug("sent auth event", "relay", relayURL, "pubkey", h.publicKey)
}

// SendClose closes subscriptionID on the relay. Errors are only logged.
func (h *Handshake) SendClose(conn Sender, subscriptionID string) {
	if err := conn.Send(protocol.CloseFrame(subscriptionID)); err != nil {
		h.logger.Debug("failed to send CLOSE", "subscription_id", subscriptionID, "error", err)
	}
}

// ClassifyNotice reports whether a NOTICE ends the current subscription.
func (h *Handshake) ClassifyNotice(message string) protocol.NoticeSeverity {
	return protocol.ClassifyNotice(message)
}
