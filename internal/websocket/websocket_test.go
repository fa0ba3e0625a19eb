package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkup/internal/auth"
	"linkup/internal/chat"
	"linkup/internal/db"
	"linkup/internal/graph"
	"linkup/internal/models"
	"linkup/internal/observability"
	"linkup/internal/presence"
)

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, models.NotificationPayload) {}

type stack struct {
	hub    *Hub
	chat   *chat.Service
	graph  *graph.Service
	store  *db.DB
	auth   *auth.Service
	server *httptest.Server
}

func newStack(t *testing.T, maxPerUser int) *stack {
	t.Helper()
	store, err := db.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	metrics := observability.NewCollector("websocket_test")
	authSvc := auth.NewService("0123456789abcdef", "linkup-test", time.Hour)

	hub := NewHub(logger, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	graphSvc := graph.NewService(store, nopNotifier{}, metrics, logger)
	chatSvc := chat.NewService(store, graphSvc, nopNotifier{}, presence.NewRegistry(), hub, metrics, logger)

	srv := httptest.NewServer(NewServer(hub, chatSvc, authSvc, []string{"*"}, maxPerUser, 16, logger))
	t.Cleanup(srv.Close)

	return &stack{hub: hub, chat: chatSvc, graph: graphSvc, store: store, auth: authSvc, server: srv}
}

func (s *stack) user(t *testing.T, username string) (id, token string) {
	t.Helper()
	u := &models.User{Username: username, Password: "hash"}
	require.NoError(t, s.store.CreateUser(context.Background(), u))
	token, err := s.auth.IssueToken(u.ID, u.Username)
	require.NoError(t, err)
	return u.ID, token
}

func (s *stack) url(token string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (s *stack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.url(token), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	welcome := next(t, conn, models.EventSystem)
	assert.Contains(t, string(welcome), "session_id")
	return conn
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// next reads until an event of eventType arrives and returns its payload.
func next(t *testing.T, conn *websocket.Conn, eventType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev envelope
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == eventType {
			return ev.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": eventType, "payload": payload}))
}

func TestHandshakeRequiresToken(t *testing.T) {
	s := newStack(t, 10)

	for _, token := range []string{"", "not-a-jwt"} {
		_, resp, err := websocket.DefaultDialer.Dial(s.url(token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Zero(t, s.hub.ClientCount())
	assert.Empty(t, s.chat.OnlineUsers())
}

func TestSessionCapRejectsBeforeUpgrade(t *testing.T) {
	s := newStack(t, 1)
	userID, token := s.user(t, "alice")

	s.dial(t, token)
	require.Eventually(t, func() bool { return s.chat.SessionCount(userID) == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.url(token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestMessageRoundTrip(t *testing.T) {
	s := newStack(t, 10)
	ctx := context.Background()
	aliceID, aliceToken := s.user(t, "alice")
	bobID, bobToken := s.user(t, "bob")

	req, err := s.graph.SendRequest(ctx, aliceID, bobID, "")
	require.NoError(t, err)
	_, err = s.graph.AcceptRequest(ctx, req.ID, bobID)
	require.NoError(t, err)
	conv, err := s.chat.StartConversation(ctx, aliceID, bobID)
	require.NoError(t, err)

	alice := s.dial(t, aliceToken)
	bob := s.dial(t, bobToken)

	var online models.PresencePayload
	require.NoError(t, json.Unmarshal(next(t, alice, models.EventUserOnline), &online))
	assert.Equal(t, bobID, online.UserID)

	// events of one socket are handled in order, so the error answering
	// "sync" proves bob's join has been processed
	send(t, bob, models.EventJoin, models.ConversationRef{ConversationID: conv.ID})
	send(t, bob, "sync", nil)
	next(t, bob, models.EventError)
	send(t, alice, models.EventJoin, models.ConversationRef{ConversationID: conv.ID})

	var presenceEvent models.PresencePayload
	require.NoError(t, json.Unmarshal(next(t, bob, models.EventPresence), &presenceEvent))
	assert.Equal(t, aliceID, presenceEvent.UserID)
	assert.True(t, presenceEvent.Online)

	send(t, alice, models.EventMessage, models.SendMessageRequest{ConversationID: conv.ID, Content: "hello bob"})

	var msg models.Message
	require.NoError(t, json.Unmarshal(next(t, bob, models.EventMessage), &msg))
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, aliceID, msg.SenderID)
	assert.Equal(t, int64(1), msg.Seq)

	require.NoError(t, json.Unmarshal(next(t, alice, models.EventMessage), &msg))
	assert.Equal(t, "hello bob", msg.Content)

	require.NoError(t, alice.Close())
	var offline models.PresencePayload
	require.NoError(t, json.Unmarshal(next(t, bob, models.EventUserOffline), &offline))
	assert.Equal(t, aliceID, offline.UserID)
}

func TestEngineErrorsAreReturnedToSender(t *testing.T) {
	s := newStack(t, 10)
	_, token := s.user(t, "alice")
	conn := s.dial(t, token)

	send(t, conn, "dance", map[string]string{})
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(next(t, conn, models.EventError), &payload))
	assert.Equal(t, "VALIDATION_ERROR", payload.Code)
	assert.Equal(t, "dance", payload.Event)

	send(t, conn, models.EventJoin, models.ConversationRef{ConversationID: "missing"})
	require.NoError(t, json.Unmarshal(next(t, conn, models.EventError), &payload))
	assert.Equal(t, "NOT_FOUND", payload.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, json.Unmarshal(next(t, conn, models.EventError), &payload))
	assert.Equal(t, "VALIDATION_ERROR", payload.Code)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(zap.NewNop(), observability.NewCollector("websocket_test"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	session := presence.Session{ID: "s1", UserID: "u1"}
	client := &Client{hub: hub, send: make(chan []byte, 1), session: session, logger: zap.NewNop()}
	require.NoError(t, hub.Register(client))
	assert.Equal(t, 1, hub.ClientCount())

	// the welcome message already fills the buffer
	hub.Deliver([]string{"s1", "unknown"}, []byte(`{"type":"message"}`))

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-client.send
	assert.True(t, ok, "welcome is still buffered")
	_, ok = <-client.send
	assert.False(t, ok, "send channel is closed once dropped")
}

func TestRegisterAfterStopFails(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	client := &Client{hub: hub, send: make(chan []byte, 1), session: presence.Session{ID: "late"}}
	assert.ErrorIs(t, hub.Register(client), ErrHubClosed)
	hub.Unregister(client)
}
