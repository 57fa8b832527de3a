package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// DefaultMaxMessageSize is the largest frame accepted from a client.
	DefaultMaxMessageSize = 64 * 1024 // 64 KB - enough for SDP with many candidates

	// DefaultSendBuffer is the number of outbound envelopes queued per client.
	DefaultSendBuffer = 256
)

// ErrSendBufferFull is returned when a client is too slow to drain its queue.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is a wrapper for a single websocket connection on the relay side.
type Conn struct {
	hub *Hub
	ws  *websocket.Conn
	log zerolog.Logger

	// id is assigned by the hub on Serve.
	id signaling.ClientID

	maxMessageSize int64

	// send is a buffered channel for all outbound envelopes.
	// The write pump is the only writer to the websocket.
	send chan *signaling.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnOptions tune a relay connection.
type ConnOptions struct {
	MaxMessageSize int64
	SendBuffer     int
}

// NewConn wraps an upgraded websocket.
func NewConn(hub *Hub, ws *websocket.Conn, opts ConnOptions) *Conn {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &Conn{
		hub:            hub,
		ws:             ws,
		log:            hub.log,
		maxMessageSize: opts.MaxMessageSize,
		send:           make(chan *signaling.Envelope, opts.SendBuffer),
		closed:         make(chan struct{}),
	}
}

// Serve registers the connection and runs its pumps until the connection
// closes. It blocks in the read pump.
func (c *Conn) Serve() {
	c.id = c.hub.Connect(c)
	go c.writePump()
	c.readPump()
}

// ID returns the hub-assigned client id.
func (c *Conn) ID() signaling.ClientID {
	return c.id
}

// Send queues env for the write pump. A client whose queue is full is closed.
func (c *Conn) Send(env *signaling.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		c.log.Warn().Msg("send buffer full, closing slow client")
		c.Close()
		return ErrSendBufferFull
	}
}

// Ping writes a websocket ping control frame. WriteControl may be called
// concurrently with the write pump.
func (c *Conn) Ping() error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// IsOpen reports whether Close has not yet been called.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close terminates the socket without a close handshake, so the client sees
// an abnormal closure and reconnects. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// readPump pumps frames from the websocket connection to the hub.
//
// There is at most one reader on a connection: all reads happen here.
func (c *Conn) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.Close()
	}()

	c.ws.SetReadLimit(c.maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.hub.MarkAlive(c.id)
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Str("client", string(c.id)).Msg("unexpected close")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.hub.HandleFrame(c.id, data)
	}
}

// writePump pumps envelopes from the hub to the websocket connection.
//
// There is at most one writer of data frames: all of them happen here.
func (c *Conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}

		case <-c.closed:
			return
		}
	}
}
