// Package relay implements the client side of the relay protocol: a
// WebSocket connection, the subscription handshake helper and the
// single-shot query client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 4 << 20

// Connection is one WebSocket connection to a relay. It is not safe for
// concurrent use; the query client drives it from a single goroutine.
type Connection struct {
	ws *websocket.Conn
}

// Dial opens a connection to the relay at url.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration) (*Connection, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &Connection{ws: ws}, nil
}

// Send writes one text frame.
func (c *Connection) Send(frame []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Pong answers a transport-level ping.
func (c *Connection) Pong(appData string) error {
	return c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
}

// OnPing installs fn as the ping handler. Pings are delivered from inside
// Receive.
func (c *Connection) OnPing(fn func(appData string)) {
	c.ws.SetPingHandler(func(appData string) error {
		fn(appData)
		return nil
	})
}

// Receive blocks for the next text frame until deadline.
func (c *Connection) Receive(deadline time.Time) ([]byte, error) {
	c.ws.SetReadDeadline(deadline)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a close frame and releases the connection.
func (c *Connection) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
