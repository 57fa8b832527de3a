package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4citeB4U/familyreunion/internal/dns"
	"github.com/4citeB4U/familyreunion/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
)

// Link is one live connection to the relay.
type Link interface {
	Send(env *signaling.Envelope) error
	// Incoming is closed when the connection ends; Err then reports why.
	Incoming() <-chan *signaling.Envelope
	Err() error
	Close() error
}

// Conn manages the websocket connection to the relay.
type Conn struct {
	conn     *websocket.Conn
	incoming chan *signaling.Envelope
	outgoing chan *signaling.Envelope
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to the relay at serverURL, resolving the host with the
// system-then-public DNS fallback.
func Dial(ctx context.Context, serverURL string) (*Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, err := dns.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		conn:     ws,
		incoming: make(chan *signaling.Envelope, 16),
		outgoing: make(chan *signaling.Envelope, outgoingBuffer),
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)

	go c.readPump()
	go c.writePump()
	return c
}

// readPump reads envelopes from the websocket connection.
func (c *Conn) readPump() {
	defer close(c.incoming)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		env, err := signaling.Decode(data)
		if err != nil {
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// writePump is the only writer of data frames.
func (c *Conn) writePump() {
	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.fail(err)
				c.conn.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.conn.Close()
			return
		}
	}
}

// Send queues an envelope for the relay.
func (c *Conn) Send(env *signaling.Envelope) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrTransportClosed
	}
}

// Incoming returns the channel for receiving envelopes.
func (c *Conn) Incoming() <-chan *signaling.Envelope {
	return c.incoming
}

// Err returns the error that ended the connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close performs a clean close handshake. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})
		close(c.done)
	})
	return nil
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// IsCleanClose reports whether err ended the connection with close code 1000
// or 1001. Anything else, including a failed dial, is abnormal.
func IsCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
