package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yodatable/yoda-server-go/internal/auth"
	"github.com/yodatable/yoda-server-go/internal/config"
	"github.com/yodatable/yoda-server-go/internal/dice"
	"github.com/yodatable/yoda-server-go/internal/gamestate"
	"github.com/yodatable/yoda-server-go/internal/generation"
	"github.com/yodatable/yoda-server-go/internal/protocol"
	"github.com/yodatable/yoda-server-go/internal/repository"
	"github.com/yodatable/yoda-server-go/internal/router"
	"github.com/yodatable/yoda-server-go/internal/session"
	"go.uber.org/zap/zaptest"
)

const wsSecret = "ws-test-secret"

// tableStore backs a single campaign with one session.
type tableStore struct {
	mu         sync.Mutex
	campaignID uuid.UUID
	sessionID  uuid.UUID
	dm         uuid.UUID
	players    map[uuid.UUID]bool
	users      map[uuid.UUID]string
	gameState  json.RawMessage
	version    int64
	pingErr    error
}

func (s *tableStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *tableStore) FetchUserByID(_ context.Context, id uuid.UUID) (*repository.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &repository.User{ID: id, Username: name}, nil
}

func (s *tableStore) FetchSessionByID(_ context.Context, id uuid.UUID) (*repository.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.sessionID {
		return nil, repository.ErrNotFound
	}
	return &repository.Session{
		ID:           id,
		CampaignID:   s.campaignID,
		GameState:    append(json.RawMessage(nil), s.gameState...),
		StateVersion: s.version,
	}, nil
}

func (s *tableStore) UpdateSessionGameState(_ context.Context, id uuid.UUID, blob []byte, _ time.Time, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.sessionID {
		return 0, repository.ErrNotFound
	}
	if expected != s.version {
		return 0, repository.ErrVersionConflict
	}
	s.gameState = append(json.RawMessage(nil), blob...)
	s.version++
	return s.version, nil
}

func (s *tableStore) ReplaceSessionGameState(_ context.Context, id uuid.UUID, blob []byte, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.sessionID {
		return 0, repository.ErrNotFound
	}
	s.gameState = append(json.RawMessage(nil), blob...)
	s.version++
	return s.version, nil
}

func (s *tableStore) IsCampaignDM(_ context.Context, campaignID, userID uuid.UUID) (bool, error) {
	return campaignID == s.campaignID && userID == s.dm, nil
}

func (s *tableStore) IsSessionMember(_ context.Context, sessionID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionID == s.sessionID && (userID == s.dm || s.players[userID]), nil
}

func (s *tableStore) IsSessionDM(_ context.Context, sessionID, userID uuid.UUID) (bool, error) {
	return sessionID == s.sessionID && userID == s.dm, nil
}

func (s *tableStore) CanEditCharacter(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (s *tableStore) FetchCharacterByID(context.Context, uuid.UUID) (*repository.Character, error) {
	return nil, repository.ErrNotFound
}

func (s *tableStore) UpdateCharacterFields(context.Context, uuid.UUID, repository.CharacterUpdate, time.Time) (*repository.Character, error) {
	return nil, repository.ErrNotFound
}

func (s *tableStore) UpdateCharacterHP(context.Context, uuid.UUID, int, *int, time.Time) (*repository.Character, error) {
	return nil, repository.ErrNotFound
}

func (s *tableStore) InsertEventLog(_ context.Context, entry repository.EventLog) (*repository.EventLog, error) {
	return &entry, nil
}

type wsHarness struct {
	store  *tableStore
	server *WebSocketServer
	http   *httptest.Server
	url    string
}

func newWSHarness(t *testing.T, cfg config.WebSocketConfig) *wsHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := &tableStore{
		campaignID: uuid.New(),
		sessionID:  uuid.New(),
		dm:         uuid.New(),
		players:    make(map[uuid.UUID]bool),
		users:      make(map[uuid.UUID]string),
		gameState:  json.RawMessage(`{}`),
	}
	store.users[store.dm] = "dm"

	hub := session.NewHub(logger)
	bridge := gamestate.NewBridge(store, 3, logger)
	r, err := router.New(store, hub, bridge, dice.NewSeededRoller(7, 7), generation.Canned{}, logger)
	require.NoError(t, err)

	verifier := auth.NewVerifier(config.AuthConfig{JWTSecret: wsSecret}, store)

	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 16
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	srv, err := NewWebSocketServer(cfg, verifier, r, hub, store, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		ts.Close()
	})

	return &wsHarness{
		store:  store,
		server: srv,
		http:   ts,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (h *wsHarness) addPlayer(name string) uuid.UUID {
	id := uuid.New()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.players[id] = true
	h.store.users[id] = name
	return id
}

func (h *wsHarness) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(wsSecret))
	require.NoError(t, err)
	return token
}

func (h *wsHarness) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, userID))
	ws, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, kind string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(protocol.Envelope{Type: kind, Data: payload}))
}

func readFrame(t *testing.T, ws *websocket.Conn) (string, map[string]any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return env.Type, data
}

func TestWebSocketRejectsUnauthenticated(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(h.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketQueryToken(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{})
	player := h.addPlayer("alice")

	ws, resp, err := websocket.DefaultDialer.Dial(h.url+"?token="+h.token(t, player), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	sendFrame(t, ws, protocol.TypeJoinSession, map[string]any{"session_id": h.store.sessionID})
	kind, data := readFrame(t, ws)
	assert.Equal(t, protocol.TypeSessionJoined, kind)
	assert.Len(t, data["players"], 1)
}

func TestWebSocketSessionRoundTrip(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{})
	playerID := h.addPlayer("alice")

	dm := h.dial(t, h.store.dm)
	player := h.dial(t, playerID)

	sendFrame(t, dm, protocol.TypeJoinSession, map[string]any{"session_id": h.store.sessionID})
	kind, _ := readFrame(t, dm)
	require.Equal(t, protocol.TypeSessionJoined, kind)

	sendFrame(t, player, protocol.TypeJoinSession, map[string]any{"session_id": h.store.sessionID})
	kind, data := readFrame(t, player)
	require.Equal(t, protocol.TypeSessionJoined, kind)
	assert.Len(t, data["players"], 2)

	kind, data = readFrame(t, dm)
	require.Equal(t, protocol.TypePlayerJoined, kind)
	assert.Equal(t, "alice", data["player"].(map[string]any)["username"])

	sendFrame(t, player, protocol.TypeDiceRoll, map[string]any{"dice": "2d8+1"})
	kind, _ = readFrame(t, player)
	assert.Equal(t, protocol.TypeDiceRolled, kind)
	kind, data = readFrame(t, dm)
	require.Equal(t, protocol.TypeDiceRolled, kind)
	assert.Equal(t, playerID.String(), data["player_id"])

	sendFrame(t, player, protocol.TypeNextTurn, map[string]any{"session_id": h.store.sessionID})
	kind, data = readFrame(t, player)
	assert.Equal(t, protocol.TypeError, kind)
	assert.Equal(t, "only the DM can advance turns", data["message"])

	require.NoError(t, player.WriteMessage(websocket.TextMessage, []byte("not json")))
	kind, data = readFrame(t, player)
	assert.Equal(t, protocol.TypeError, kind)
	assert.Equal(t, "invalid message format", data["message"])

	require.NoError(t, player.Close())
	kind, data = readFrame(t, dm)
	assert.Equal(t, protocol.TypePlayerLeft, kind)
	assert.Equal(t, playerID.String(), data["player_id"])
}

func TestWebSocketOriginAllowList(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{AllowedOrigins: []string{"https://app.example.com"}})
	playerID := h.addPlayer("alice")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, playerID))
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header.Set("Origin", "https://app.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	resp.Body.Close()
	ws.Close()
}

func TestHealthEndpoint(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{})

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","sessions":0,"database":"ok"}`, string(body))
}

func TestHealthEndpointReportsDatabaseOutage(t *testing.T) {
	h := newWSHarness(t, config.WebSocketConfig{})
	h.store.mu.Lock()
	h.store.pingErr = errors.New("connection refused")
	h.store.mu.Unlock()

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"degraded","sessions":0,"database":"unreachable"}`, string(body))
}

func TestNewWebSocketServerRejectsUnknownPolicy(t *testing.T) {
	_, err := NewWebSocketServer(config.WebSocketConfig{OverflowPolicy: "block"}, nil, nil, session.NewHub(zaptest.NewLogger(t)), nil, zaptest.NewLogger(t))
	require.Error(t, err)
}
