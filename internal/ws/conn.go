package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

// Connection lifecycle states.
const (
	stateConnecting int32 = iota
	stateAuthenticating
	stateOpen
	stateClosing
	stateClosed
)

const writeWait = 10 * time.Second

// Conn is one duplex connection. It implements registry.Handle; delivery
// goes through the bounded outbox so fan-out never blocks on a peer.
type Conn struct {
	id       string
	userID   int64
	username string
	openedAt time.Time

	sock  *websocket.Conn
	out   *outbox
	log   *slog.Logger
	state atomic.Int32

	heartbeat time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

var _ registry.Handle = (*Conn)(nil)

func newConn(sock *websocket.Conn, log *slog.Logger, heartbeat time.Duration, outboxSize int) *Conn {
	c := &Conn{
		id:        uuid.New().String(),
		openedAt:  time.Now(),
		sock:      sock,
		out:       newOutbox(outboxSize),
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}
	c.log = log.With("conn_id", c.id)
	c.state.Store(stateConnecting)
	return c
}

func (c *Conn) ID() string          { return c.id }
func (c *Conn) UserID() int64       { return c.userID }
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Deliver enqueues an outbound frame. Non-blocking; a closed connection or
// an overflowing queue reports a delivery failure the caller must treat as
// non-fatal.
func (c *Conn) Deliver(f *protocol.Frame) error {
	if c.state.Load() >= stateClosing {
		return registry.ErrHandleClosed
	}
	err := c.out.push(f)
	if errors.Is(err, registry.ErrSlowConsumer) {
		c.log.Warn("ws: slow consumer, closing connection", "user_id", c.userID)
		c.beginClose(websocket.ClosePolicyViolation, "slow consumer")
	}
	return err
}

// open transitions the connection to Open under the given identity.
func (c *Conn) open(userID int64, username string) {
	c.userID = userID
	c.username = username
	c.state.Store(stateOpen)
	c.sock.SetReadDeadline(time.Now().Add(c.readTimeout()))
}

// readTimeout bounds dead-peer detection at twice the heartbeat interval.
func (c *Conn) readTimeout() time.Duration {
	return 2 * c.heartbeat
}

// refreshDeadline extends the read deadline after any inbound traffic.
func (c *Conn) refreshDeadline() {
	c.sock.SetReadDeadline(time.Now().Add(c.readTimeout()))
}

// Shutdown closes the connection with a normal-closure frame. Used when the
// server drains connections at shutdown.
func (c *Conn) Shutdown() {
	c.beginClose(websocket.CloseNormalClosure, "server shutting down")
}

// beginClose moves the connection to Closing and tears the socket down.
// Safe to call from any goroutine, once wins.
func (c *Conn) beginClose(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		c.out.close(registry.ErrHandleClosed)

		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		if err := c.sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("ws: write close", "err", err)
		}
		c.sock.Close()
		close(c.done)
		c.state.Store(stateClosed)
	})
}

// writePump drains the outbox onto the socket and keeps the heartbeat going.
// One per connection; the only goroutine writing data frames.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.beginClose(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return

		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ws: ping failed", "err", err)
				return
			}

		case <-c.out.notify:
			if err := c.flush(); err != nil {
				return
			}
			if cause := c.out.failure(); errors.Is(cause, registry.ErrSlowConsumer) {
				return
			}
		}
	}
}

func (c *Conn) flush() error {
	for _, f := range c.out.drain() {
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteJSON(f); err != nil {
			c.log.Debug("ws: write frame", "err", err)
			return err
		}
	}
	return nil
}
