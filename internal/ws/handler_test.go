package ws_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftchat/internal/domain"
	"swiftchat/internal/pipeline"
	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
	"swiftchat/internal/security"
	"swiftchat/internal/store/sqlite"
	"swiftchat/internal/testutil"
	"swiftchat/internal/ws"
)

type testServer struct {
	srv    *httptest.Server
	tokens *security.TokenService
	reg    *registry.Registry
	db     *sql.DB
	users  *sqlite.UserRepo
	convs  *sqlite.ConversationRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	users := sqlite.NewUserRepo(db)
	convs := sqlite.NewConversationRepo(db)
	msgs := sqlite.NewMessageRepo(db)
	parts := sqlite.NewParticipantRepo(db)

	tokens := security.NewTokenService("test-secret", time.Hour)
	reg := registry.New(nil)
	log := testutil.Logger()

	pipe := pipeline.New(convs, parts, msgs, reg, log, pipeline.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	pipe.Start(ctx, 2)
	t.Cleanup(func() {
		pipe.Stop()
		cancel()
	})

	handler := ws.NewHandler(tokens, users, reg, pipe, log, ws.Options{
		HeartbeatInterval: time.Second,
		AuthTimeout:       500 * time.Millisecond,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, tokens: tokens, reg: reg, db: db, users: users, convs: convs}
}

func (ts *testServer) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (ts *testServer) createUser(t *testing.T, username string) *domain.User {
	t.Helper()
	u := &domain.User{Username: username, DisplayName: username, HashedPassword: "x"}
	require.NoError(t, ts.users.Create(context.Background(), u))
	return u
}

func (ts *testServer) tokenFor(t *testing.T, u *domain.User) string {
	t.Helper()
	tok, err := ts.tokens.CreateForUser(u.ID, u.Username, u.DisplayName)
	require.NoError(t, err)
	return tok
}

// dial connects and consumes the auth_success frame.
func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthSuccess, frame.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.Decode(raw)
	require.NoError(t, err)
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(&protocol.Frame{Type: frameType, Data: raw}))
}

func TestRejectsExpiredToken(t *testing.T) {
	ts := newTestServer(t)
	user := ts.createUser(t, "alice")

	expired := security.NewTokenService("test-secret", -time.Minute)
	tok, err := expired.CreateForUser(user.ID, user.Username, user.DisplayName)
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(tok), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// No registry mutation.
	assert.Empty(t, ts.reg.Resolve(user.ID))
}

func TestRejectsUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	tok, err := ts.tokens.CreateForUser(999, "ghost", "Ghost")
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(tok), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryTokenHandshake(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")

	conn := ts.dial(t, ts.tokenFor(t, alice))

	require.Eventually(t, func() bool {
		return len(ts.reg.Resolve(alice.ID)) == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(ts.reg.Resolve(alice.ID)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLegacyAuthFrame(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	writeFrame(t, conn, protocol.TypeAuth, protocol.AuthData{
		Token:    ts.tokenFor(t, alice),
		UserID:   alice.ID,
		Username: alice.Username,
	})

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthSuccess, frame.Type)
	assert.Equal(t, alice.ID, frame.UserID)
}

func TestAuthTimeoutClosesConnection(t *testing.T) {
	ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Send nothing: the server must drop us after the auth window.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestDeadPeerDetection(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")

	ts.dial(t, ts.tokenFor(t, alice))
	require.Eventually(t, func() bool {
		return len(ts.reg.Resolve(alice.ID)) == 1
	}, time.Second, 10*time.Millisecond)

	// Stop reading entirely: the client never processes the server's pings,
	// so no pongs flow back. With a 1s heartbeat the read deadline expires
	// at 2s and the server must drop the silent connection.
	require.Eventually(t, func() bool {
		return len(ts.reg.Resolve(alice.ID)) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPingAnsweredWithPong(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")
	conn := ts.dial(t, ts.tokenFor(t, alice))

	require.NoError(t, conn.WriteJSON(&protocol.Frame{Type: protocol.TypePing}))
	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypePong, frame.Type)
}

func TestMessageDeliveredToBothParticipants(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")
	bob := ts.createUser(t, "bob")

	conv := &domain.Conversation{Type: domain.ConversationDirect, CreatedBy: alice.ID}
	require.NoError(t, ts.convs.Create(context.Background(), conv, []int64{alice.ID, bob.ID}))

	aliceConn := ts.dial(t, ts.tokenFor(t, alice))
	bobConn := ts.dial(t, ts.tokenFor(t, bob))

	writeFrame(t, aliceConn, protocol.TypeMessage, protocol.MessageData{
		ConversationID: conv.ID,
		Content:        "hello",
		MessageType:    "text",
	})

	// Both the peer and the sender's own connection receive the echo with a
	// server-assigned id and timestamp.
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		frame := readFrame(t, conn)
		require.Equal(t, protocol.TypeMessage, frame.Type)

		var msg domain.Message
		require.NoError(t, protocol.DecodeData(frame, &msg))
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, alice.ID, msg.SenderID)
		assert.NotZero(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
	}
}

func TestNonParticipantGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createUser(t, "alice")
	bob := ts.createUser(t, "bob")
	eve := ts.createUser(t, "eve")

	conv := &domain.Conversation{Type: domain.ConversationDirect, CreatedBy: alice.ID}
	require.NoError(t, ts.convs.Create(context.Background(), conv, []int64{alice.ID, bob.ID}))

	eveConn := ts.dial(t, ts.tokenFor(t, eve))
	writeFrame(t, eveConn, protocol.TypeMessage, protocol.MessageData{
		ConversationID: conv.ID,
		Content:        "sneaky",
		MessageType:    "text",
	})

	frame := readFrame(t, eveConn)
	require.Equal(t, protocol.TypeError, frame.Type)

	var data protocol.ErrorData
	require.NoError(t, protocol.DecodeData(frame, &data))
	assert.Contains(t, data.Message, "participant")
}
