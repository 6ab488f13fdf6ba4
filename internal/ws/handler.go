// Package ws implements the persistent duplex transport: HTTP upgrade,
// credential checks, the per-connection read/write pumps, and the bridge to
// the connection registry and the message pipeline.
package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"swiftchat/internal/domain"
	"swiftchat/internal/pipeline"
	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
	"swiftchat/internal/security"
)

// Options tunes transport behaviour.
type Options struct {
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	OutboxSize        int
}

// Handler serves the /ws upgrade endpoint.
type Handler struct {
	tokens *security.TokenService
	users  domain.UserRepository
	reg    *registry.Registry
	pipe   *pipeline.Pipeline
	log    *slog.Logger
	opts   Options

	upgrader websocket.Upgrader
}

func NewHandler(
	tokens *security.TokenService,
	users domain.UserRepository,
	reg *registry.Registry,
	pipe *pipeline.Pipeline,
	log *slog.Logger,
	opts Options,
) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	h := &Handler{
		tokens: tokens,
		users:  users,
		reg:    reg,
		pipe:   pipe,
		log:    log,
		opts:   opts,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:  makeCheckOrigin(opts.AllowedOrigins),
		Subprotocols: []string{"bearer"},
	}
	return h
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			// Non-browser clients (tests, CLIs) send no Origin header.
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// extractToken pulls a bearer credential from the query string, the
// Authorization header, or the Sec-WebSocket-Protocol header.
func extractToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if tok := strings.TrimSpace(authHeader[len("Bearer "):]); tok != "" {
			return tok
		}
	}

	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1]
		}
	}
	return ""
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *security.SessionIdentity

	// A credential presented at upgrade time is verified before the
	// upgrade: failure is a plain 401 and the registry is never touched.
	if tok := extractToken(r); tok != "" {
		id, err := h.verify(r, tok)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		identity = id
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(sock, h.log, h.opts.HeartbeatInterval, h.opts.OutboxSize)
	go conn.writePump()

	if identity == nil {
		// Legacy path: the credential arrives in a post-upgrade auth frame.
		conn.state.Store(stateAuthenticating)
		identity, err = h.awaitAuthFrame(conn)
		if err != nil {
			h.log.Info("ws: authentication failed", "conn_id", conn.ID(), "err", err)
			conn.beginClose(websocket.ClosePolicyViolation, err.Error())
			return
		}
	}

	h.run(conn, identity)
}

// Drain closes every live connection in the registry with a normal-closure
// frame. The read loops unregister the handles as they exit.
func Drain(reg *registry.Registry) {
	for _, h := range reg.All() {
		if c, ok := h.(*Conn); ok {
			c.Shutdown()
		}
	}
}

// verify validates the credential and resolves an active user.
func (h *Handler) verify(r *http.Request, raw string) (*security.SessionIdentity, error) {
	id, err := h.tokens.Authenticate(raw)
	if err != nil {
		return nil, err
	}
	user, err := h.users.GetByID(r.Context(), id.UserID)
	if err != nil || user == nil || !user.IsActive {
		return nil, domain.ErrUnauthorized
	}
	return id, nil
}

// awaitAuthFrame waits for one auth frame carrying a verifiable token. The
// wait is bounded: no credential within the window closes the connection.
func (h *Handler) awaitAuthFrame(c *Conn) (*security.SessionIdentity, error) {
	c.sock.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout))

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("auth timeout: %w", err)
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			return nil, err
		}
		if frame.Type != protocol.TypeAuth {
			// Anything else before authentication is a protocol violation.
			return nil, fmt.Errorf("expected auth frame, got %q", frame.Type)
		}

		var data protocol.AuthData
		if err := protocol.DecodeData(frame, &data); err != nil {
			return nil, err
		}
		if data.Token == "" {
			return nil, security.ErrTokenMalformed
		}
		id, err := h.tokens.Authenticate(data.Token)
		if err != nil {
			return nil, err
		}
		return id, nil
	}
}

// run registers the authenticated connection and drives its read loop until
// the peer goes away.
func (h *Handler) run(conn *Conn, id *security.SessionIdentity) {
	conn.open(id.UserID, id.Username)

	conn.sock.SetPongHandler(func(string) error {
		conn.refreshDeadline()
		return nil
	})

	if err := conn.Deliver(protocol.NewAuthSuccessFrame(id.UserID, id.Username)); err != nil {
		conn.beginClose(websocket.CloseInternalServerErr, "handshake delivery failed")
		return
	}

	h.reg.Register(conn)
	h.log.Info("ws: connection open", "conn_id", conn.ID(), "user_id", id.UserID)

	defer func() {
		// Closure removes the handle synchronously; the registry never
		// holds a handle for a closed connection.
		h.reg.Unregister(conn.UserID(), conn.ID())
		conn.beginClose(websocket.CloseNormalClosure, "")
		h.log.Info("ws: connection closed", "conn_id", conn.ID(), "user_id", id.UserID)
	}()

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				h.log.Debug("ws: read error", "conn_id", conn.ID(), "err", err)
			}
			return
		}
		conn.refreshDeadline()

		frame, err := protocol.Decode(raw)
		if err != nil {
			conn.beginClose(websocket.CloseInvalidFramePayloadData, "undecodable frame")
			return
		}
		h.dispatch(conn, frame)
	}
}

func (h *Handler) dispatch(conn *Conn, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypePing:
		if err := conn.Deliver(protocol.NewPongFrame()); err != nil {
			h.log.Debug("ws: pong delivery", "conn_id", conn.ID(), "err", err)
		}

	case protocol.TypeAuth:
		// Re-asserted credentials on an open connection are acknowledged
		// but never change the registered identity.
		if err := conn.Deliver(protocol.NewAuthSuccessFrame(conn.UserID(), conn.username)); err != nil {
			h.log.Debug("ws: auth ack delivery", "conn_id", conn.ID(), "err", err)
		}

	case protocol.TypeMessage:
		h.handleMessage(conn, frame)

	default:
		h.log.Debug("ws: unknown frame type", "conn_id", conn.ID(), "type", frame.Type)
		_ = conn.Deliver(protocol.NewErrorFrame(fmt.Sprintf("unknown frame type %q", frame.Type)))
	}
}

// handleMessage enqueues the submission so storage I/O never stalls this
// connection's read loop. The sender learns about failures through an error
// frame; success arrives as the fan-out echo.
func (h *Handler) handleMessage(conn *Conn, frame *protocol.Frame) {
	var data protocol.MessageData
	if err := protocol.DecodeData(frame, &data); err != nil {
		_ = conn.Deliver(protocol.NewErrorFrame("message frame requires conversation_id and content"))
		return
	}

	if data.MessageType == "" {
		data.MessageType = string(domain.MessageText)
	}

	job := pipeline.Job{
		Input: pipeline.Input{
			SenderID:       conn.UserID(),
			SenderUsername: conn.username,
			ConversationID: data.ConversationID,
			Content:        data.Content,
			MessageType:    domain.MessageType(data.MessageType),
			IdempotencyKey: data.IdempotencyKey,
		},
		Reply: func(msg *domain.Message, err error) {
			if err == nil {
				return
			}
			reason := "failed to send message"
			switch {
			case errors.Is(err, pipeline.ErrNotParticipant):
				reason = "not a participant of this conversation"
			case errors.Is(err, pipeline.ErrInvalidContent):
				reason = "message content is empty or too large"
			case errors.Is(err, domain.ErrNotFound):
				reason = "conversation not found"
			}
			_ = conn.Deliver(protocol.NewErrorFrame(reason))
		},
	}
	if err := h.pipe.Enqueue(job); err != nil {
		h.log.Warn("ws: enqueue submission", "conn_id", conn.ID(), "err", err)
		_ = conn.Deliver(protocol.NewErrorFrame("server busy, try again"))
	}
}
