package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftchat/internal/config"
	"swiftchat/internal/domain"
	"swiftchat/internal/httpserver"
	"swiftchat/internal/pipeline"
	"swiftchat/internal/registry"
	"swiftchat/internal/security"
	"swiftchat/internal/store/sqlite"
	"swiftchat/internal/testutil"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		JWTSecret:         "test-secret",
		AccessTokenTTL:    time.Hour,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}

	tokens := security.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL)
	hasher := security.NewPasswordHasher(4)

	reg := registry.New(nil)
	pipe := pipeline.New(
		sqlite.NewConversationRepo(db),
		sqlite.NewParticipantRepo(db),
		sqlite.NewMessageRepo(db),
		reg,
		testutil.Logger(),
		pipeline.Options{},
	)

	router := httpserver.NewRouter(cfg, db, reg, pipe, tokens, hasher, testutil.Logger())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type authResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *domain.User `json:"user"`
}

func registerUser(t *testing.T, srv *httptest.Server, username string) *authResponse {
	t.Helper()
	resp := postJSON(t, srv, "/api/auth/register", "", map[string]any{
		"username": username,
		"password": "Password1!",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out authResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.AccessToken)
	return &out
}

func postJSON(t *testing.T, srv *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, srv *httptest.Server, path, token string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	srv := newTestServer(t)

	auth := registerUser(t, srv, "alice")
	assert.Equal(t, "bearer", auth.TokenType)
	assert.Equal(t, "alice", auth.User.Username)

	// Duplicate username conflicts.
	resp := postJSON(t, srv, "/api/auth/register", "", map[string]any{
		"username": "alice",
		"password": "Password1!",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Login with the registered credentials.
	resp = postJSON(t, srv, "/api/auth/login", "", map[string]any{
		"username": "alice",
		"password": "Password1!",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong password is rejected.
	resp = postJSON(t, srv, "/api/auth/login", "", map[string]any{
		"username": "alice",
		"password": "wrong",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMeRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	auth := registerUser(t, srv, "alice")

	resp := getJSON(t, srv, "/api/auth/me", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var me domain.User
	resp = getJSON(t, srv, "/api/auth/me", auth.AccessToken, &me)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", me.Username)

	resp = postJSON(t, srv, "/api/auth/logout", auth.AccessToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTokenRefresh(t *testing.T) {
	srv := newTestServer(t)
	auth := registerUser(t, srv, "alice")

	resp := postJSON(t, srv, "/api/auth/refresh", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed authResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	resp.Body.Close()
	require.NotEmpty(t, refreshed.AccessToken)
	assert.Equal(t, "bearer", refreshed.TokenType)
	assert.Equal(t, auth.User.ID, refreshed.User.ID)

	// The reissued token authenticates on its own.
	var me domain.User
	resp = getJSON(t, srv, "/api/auth/me", refreshed.AccessToken, &me)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", me.Username)

	// No token, no refresh.
	resp = postJSON(t, srv, "/api/auth/refresh", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationAndMessageFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")

	// Alice opens a direct conversation with Bob.
	resp := postJSON(t, srv, "/api/conversations/", alice.AccessToken, map[string]any{
		"type":            "direct",
		"participant_ids": []int64{bob.User.ID},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv domain.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	resp.Body.Close()

	// Creating the same pair again returns the existing conversation.
	resp = postJSON(t, srv, "/api/conversations/", bob.AccessToken, map[string]any{
		"type":            "direct",
		"participant_ids": []int64{alice.User.ID},
	})
	var dup domain.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dup))
	resp.Body.Close()
	assert.Equal(t, conv.ID, dup.ID)

	// Alice sends a message.
	path := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)
	resp = postJSON(t, srv, path, alice.AccessToken, map[string]any{
		"content": "hello bob",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg domain.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	resp.Body.Close()
	assert.NotZero(t, msg.ID)
	assert.Equal(t, alice.User.ID, msg.SenderID)

	// Bob can read it.
	var msgs []*domain.Message
	resp = getJSON(t, srv, path, bob.AccessToken, &msgs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].Content)

	// A third user cannot.
	carol := registerUser(t, srv, "carol")
	resp = getJSON(t, srv, path, carol.AccessToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Bob marks the conversation read.
	resp = postJSON(t, srv, fmt.Sprintf("/api/conversations/%d/read", conv.ID), bob.AccessToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUserSearch(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	registerUser(t, srv, "bob")
	registerUser(t, srv, "bobby")

	var users []*domain.User
	resp := getJSON(t, srv, "/api/users/search?q=bob", alice.AccessToken, &users)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, users, 2)

	// Empty query is rejected.
	resp = getJSON(t, srv, "/api/users/search?q=", alice.AccessToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRateLimit(t *testing.T) {
	limiter := httpserver.NewRateLimiter(3, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
