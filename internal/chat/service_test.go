package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/db"
	"linkup/internal/graph"
	"linkup/internal/models"
	"linkup/internal/observability"
	"linkup/internal/presence"
)

type recordedEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeTransport struct {
	mu        sync.Mutex
	bySession map[string][]recordedEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bySession: make(map[string][]recordedEvent)}
}

func (f *fakeTransport) Deliver(sessionIDs []string, payload []byte) {
	var ev recordedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range sessionIDs {
		f.bySession[id] = append(f.bySession[id], ev)
	}
}

func (f *fakeTransport) events(sessionID, eventType string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, ev := range f.bySession[sessionID] {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(recipientID, actorID string, payload models.NotificationPayload) {
	m.Called(recipientID, actorID, payload)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, models.NotificationPayload) {}

type fixture struct {
	svc       *Service
	graph     *graph.Service
	store     *db.DB
	transport *fakeTransport
	notifier  *mockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := observability.NewCollector("chat_test")
	graphSvc := graph.NewService(store, nopNotifier{}, metrics, zap.NewNop())
	transport := newFakeTransport()
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Maybe()

	svc := NewService(store, graphSvc, notifier, presence.NewRegistry(), transport, metrics, zap.NewNop())
	return &fixture{svc: svc, graph: graphSvc, store: store, transport: transport, notifier: notifier}
}

func (f *fixture) user(t *testing.T, username string) string {
	t.Helper()
	u := &models.User{Username: username, Password: "hash"}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u.ID
}

func (f *fixture) connect(t *testing.T, a, b string) *models.Connection {
	t.Helper()
	ctx := context.Background()
	req, err := f.graph.SendRequest(ctx, a, b, "")
	require.NoError(t, err)
	conn, err := f.graph.AcceptRequest(ctx, req.ID, b)
	require.NoError(t, err)
	return conn
}

// pair creates two connected users with a conversation between them.
func (f *fixture) pair(t *testing.T) (a, b string, conv *models.Conversation) {
	t.Helper()
	a, b = f.user(t, "alice"), f.user(t, "bob")
	f.connect(t, a, b)
	conv, err := f.svc.StartConversation(context.Background(), a, b)
	require.NoError(t, err)
	return a, b, conv
}

func (f *fixture) session(id, userID string) presence.Session {
	s := presence.Session{ID: id, UserID: userID}
	f.svc.Connect(s)
	return s
}

func TestOfflineIsBroadcastOnceAfterLastSession(t *testing.T) {
	f := newFixture(t)
	observer := f.session("observer", "o")

	s1 := f.session("s1", "u1")
	s2 := f.session("s2", "u1")
	s3 := f.session("s3", "u1")
	assert.Len(t, f.transport.events(observer.ID, models.EventUserOnline), 1)
	assert.Equal(t, 3, f.svc.SessionCount("u1"))

	f.svc.Disconnect(s1.ID)
	f.svc.Disconnect(s2.ID)
	assert.True(t, f.svc.IsOnline("u1"))
	assert.Empty(t, f.transport.events(observer.ID, models.EventUserOffline))

	f.svc.Disconnect(s3.ID)
	f.svc.Disconnect(s3.ID)
	assert.False(t, f.svc.IsOnline("u1"))
	assert.Len(t, f.transport.events(observer.ID, models.EventUserOffline), 1)
	assert.Equal(t, []string{"o"}, f.svc.OnlineUsers())
}

func TestJoinConversationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)

	bs := f.session("b1", b)
	require.NoError(t, f.svc.JoinConversation(ctx, bs, conv.ID))

	_, err := f.svc.SendMessage(ctx, b, conv.ID, "ping", nil)
	require.NoError(t, err)
	total, err := f.svc.UnreadTotal(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	as := f.session("a1", a)
	require.NoError(t, f.svc.JoinConversation(ctx, as, conv.ID))
	require.NoError(t, f.svc.JoinConversation(ctx, as, conv.ID))

	assert.Len(t, f.transport.events(bs.ID, models.EventPresence), 1)
	total, err = f.svc.UnreadTotal(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, total)

	outsider := f.session("x1", f.user(t, "mallory"))
	err = f.svc.JoinConversation(ctx, outsider, conv.ID)
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)

	err = f.svc.JoinConversation(ctx, as, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	as := f.session("a1", a)
	require.NoError(t, f.svc.JoinConversation(ctx, as, conv.ID))

	for _, content := range []string{"one", "two"} {
		_, err := f.svc.SendMessage(ctx, a, conv.ID, content, nil)
		require.NoError(t, err)
	}

	changed, err := f.svc.MarkRead(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	total, err := f.svc.UnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, total)

	changed, err = f.svc.MarkRead(ctx, b, conv.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	total, err = f.svc.UnreadTotal(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.Len(t, f.transport.events(as.ID, models.EventRead), 1)
}

func TestSendingRequiresALiveConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	conn := f.connect(t, a, b)

	conv, err := f.svc.StartConversation(ctx, a, b)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, a, conv.ID, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.graph.RemoveConnection(ctx, conn.ID, b))

	_, err = f.svc.SendMessage(ctx, a, conv.ID, "still there?", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	_, err = f.svc.SendMessage(ctx, b, conv.ID, "no", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	// history survives the removal
	history, err := f.svc.ListMessages(ctx, b, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, conv := f.pair(t)
	outsider := f.user(t, "mallory")

	tests := []struct {
		name    string
		sender  string
		conv    string
		content string
		want    error
	}{
		{"empty", a, conv.ID, "   ", apperrors.ErrValidation},
		{"too long", a, conv.ID, strings.Repeat("x", 5001), apperrors.ErrValidation},
		{"not a participant", outsider, conv.ID, "hi", apperrors.ErrAuthorization},
		{"unknown conversation", a, "missing", "hi", apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tt.sender, tt.conv, tt.content, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	msg, err := f.svc.SendMessage(ctx, a, conv.ID, strings.Repeat("é", 5000), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestConcurrentSendsArriveInAcceptanceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)

	sessions := []presence.Session{f.session("a1", a), f.session("a2", a), f.session("b1", b)}
	for _, s := range sessions {
		require.NoError(t, f.svc.JoinConversation(ctx, s, conv.ID))
	}

	const sends = 20
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SendMessage(ctx, a, conv.ID, fmt.Sprintf("message %d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := f.svc.ListMessages(ctx, a, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, history, sends)

	for _, s := range sessions {
		events := f.transport.events(s.ID, models.EventMessage)
		require.Len(t, events, sends, "session %s", s.ID)
		for i, ev := range events {
			var msg models.Message
			require.NoError(t, json.Unmarshal(ev.Payload, &msg))
			assert.Equal(t, history[i].ID, msg.ID)
			assert.Equal(t, int64(i+1), msg.Seq)
		}
	}
}

func TestNewMessageNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	bs := f.session("b1", b)

	first, err := f.svc.SendMessage(ctx, a, conv.ID, "are you there?", nil)
	require.NoError(t, err)
	f.notifier.AssertCalled(t, "Notify", b, a, models.NewMessagePayload{
		ConversationID: conv.ID,
		MessageID:      first.ID,
		Preview:        "are you there?",
	})
	assert.Len(t, f.transport.events(bs.ID, models.EventConversationUpdated), 1)
	assert.Empty(t, f.transport.events(bs.ID, models.EventMessage))

	require.NoError(t, f.svc.JoinConversation(ctx, bs, conv.ID))
	_, err = f.svc.SendMessage(ctx, a, conv.ID, "good", nil)
	require.NoError(t, err)
	assert.Len(t, f.transport.events(bs.ID, models.EventMessage), 1)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)

	require.NoError(t, f.svc.LeaveConversation(ctx, bs, conv.ID))
	require.NoError(t, f.svc.SetMuted(ctx, b, conv.ID, true))
	_, err = f.svc.SendMessage(ctx, a, conv.ID, "muted", nil)
	require.NoError(t, err)
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.Len(t, f.transport.events(bs.ID, models.EventConversationUpdated), 2)
}

func TestTypingIsClearedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	as, bs := f.session("a1", a), f.session("b1", b)
	require.NoError(t, f.svc.JoinConversation(ctx, as, conv.ID))
	require.NoError(t, f.svc.JoinConversation(ctx, bs, conv.ID))

	require.NoError(t, f.svc.SetTyping(ctx, a, conv.ID, true))
	require.NoError(t, f.svc.SetTyping(ctx, a, conv.ID, true))
	assert.Len(t, f.transport.events(bs.ID, models.EventTyping), 2)
	assert.Empty(t, f.transport.events(as.ID, models.EventTyping), "typists do not hear themselves")

	f.svc.Disconnect(as.ID)

	events := f.transport.events(bs.ID, models.EventTyping)
	require.Len(t, events, 3)
	var last models.TypingPayload
	require.NoError(t, json.Unmarshal(events[2].Payload, &last))
	assert.Equal(t, a, last.UserID)
	assert.False(t, last.IsTyping)
	assert.Empty(t, f.svc.registry.TypingUsers(conv.ID))

	err := f.svc.SetTyping(ctx, f.user(t, "mallory"), conv.ID, true)
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, conv := f.pair(t)
	as := f.session("a1", a)

	event := func(eventType string, payload interface{}) models.InboundMessage {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		return models.InboundMessage{Type: eventType, Payload: raw}
	}

	require.NoError(t, f.svc.HandleEvent(ctx, as, event(models.EventJoin, models.ConversationRef{ConversationID: conv.ID})))
	require.NoError(t, f.svc.HandleEvent(ctx, as, event(models.EventMessage, models.SendMessageRequest{
		ConversationID: conv.ID, Content: "over the wire",
	})))
	require.NoError(t, f.svc.HandleEvent(ctx, as, event(models.EventTyping, models.TypingPayload{ConversationID: conv.ID, IsTyping: true})))
	require.NoError(t, f.svc.HandleEvent(ctx, as, event(models.EventRead, models.ConversationRef{ConversationID: conv.ID})))
	require.NoError(t, f.svc.HandleEvent(ctx, as, event(models.EventLeave, models.ConversationRef{ConversationID: conv.ID})))

	assert.Len(t, f.transport.events(as.ID, models.EventMessage), 1)

	err := f.svc.HandleEvent(ctx, as, models.InboundMessage{Type: "dance"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	err = f.svc.HandleEvent(ctx, as, models.InboundMessage{Type: models.EventJoin, Payload: json.RawMessage(`"nope"`)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	err = f.svc.HandleEvent(ctx, as, event(models.EventMessage, models.SendMessageRequest{Content: "where?"}))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestToggleReaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	as := f.session("a1", a)
	require.NoError(t, f.svc.JoinConversation(ctx, as, conv.ID))

	msg, err := f.svc.SendMessage(ctx, a, conv.ID, "big news", nil)
	require.NoError(t, err)

	added, err := f.svc.ToggleReaction(ctx, b, msg.ID, "like")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.svc.ToggleReaction(ctx, b, msg.ID, "celebrate")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.svc.ToggleReaction(ctx, b, msg.ID, "celebrate")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = f.svc.ToggleReaction(ctx, b, msg.ID, "shrug")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Len(t, f.transport.events(as.ID, models.EventReaction), 3)

	history, err := f.svc.ListMessages(ctx, a, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history[0].Reactions)
}

func TestStartAndListConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	stranger := f.user(t, "carol")

	_, err := f.svc.StartConversation(ctx, a, a)
	assert.ErrorIs(t, err, apperrors.ErrSelfReference)
	_, err = f.svc.StartConversation(ctx, a, stranger)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	_, err = f.svc.StartConversation(ctx, a, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	f.connect(t, a, b)
	conv, err := f.svc.StartConversation(ctx, a, b)
	require.NoError(t, err)
	again, err := f.svc.StartConversation(ctx, b, a)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	f.session("b1", b)
	require.NoError(t, f.svc.SetArchived(ctx, a, conv.ID, true))

	inbox, err := f.svc.ListConversations(ctx, a)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, b, inbox[0].Peer.ID)
	assert.True(t, inbox[0].PeerOnline)
	assert.True(t, inbox[0].Archived)

	empty, err := f.svc.ListConversations(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, empty)

	err = f.svc.SetMuted(ctx, stranger, conv.ID, true)
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)
}

func TestDeleteMessageForMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)

	msg, err := f.svc.SendMessage(ctx, a, conv.ID, "oops", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteMessageForMe(ctx, b, msg.ID))

	forB, err := f.svc.ListMessages(ctx, b, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, forB)

	forA, err := f.svc.ListMessages(ctx, a, conv.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, forA, 1)

	assert.ErrorIs(t, f.svc.DeleteMessageForMe(ctx, f.user(t, "mallory"), msg.ID), apperrors.ErrAuthorization)
	assert.ErrorIs(t, f.svc.DeleteMessageForMe(ctx, a, "missing"), apperrors.ErrNotFound)
}

func TestAttachmentsAreValidatedOnEveryTransport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _, conv := f.pair(t)
	as := f.session("a1", a)

	bad := []models.Attachment{
		{URL: "javascript:alert(1)", Kind: "image"},
		{URL: "https://cdn.example.com/a.png", Kind: "exe"},
		{URL: "", Kind: "link"},
	}
	for _, att := range bad {
		_, err := f.svc.SendMessage(ctx, a, conv.ID, "look", []models.Attachment{att})
		assert.ErrorIs(t, err, apperrors.ErrValidation, "attachment %+v", att)
	}

	raw, err := json.Marshal(models.SendMessageRequest{
		ConversationID: conv.ID,
		Content:        "over the wire",
		Attachments:    []models.Attachment{{URL: "javascript:alert(1)", Kind: "exe"}},
	})
	require.NoError(t, err)
	err = f.svc.HandleEvent(ctx, as, models.InboundMessage{Type: models.EventMessage, Payload: raw})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	history, err := f.svc.ListMessages(ctx, a, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	msg, err := f.svc.SendMessage(ctx, a, conv.ID, "look", []models.Attachment{
		{URL: "https://cdn.example.com/a.png", Kind: "image", Name: "a.png"},
	})
	require.NoError(t, err)
	assert.Len(t, msg.Attachments, 1)
}

func TestTypingSurvivesDisconnectOfAnotherDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	phone, laptop, bs := f.session("a-phone", a), f.session("a-laptop", a), f.session("b1", b)
	for _, s := range []presence.Session{phone, laptop, bs} {
		require.NoError(t, f.svc.JoinConversation(ctx, s, conv.ID))
	}

	require.NoError(t, f.svc.SetTyping(ctx, a, conv.ID, true))
	f.svc.Disconnect(phone.ID)

	assert.Equal(t, []string{a}, f.svc.registry.TypingUsers(conv.ID))
	assert.Len(t, f.transport.events(bs.ID, models.EventTyping), 1, "no stop while the laptop stays")

	f.svc.Disconnect(laptop.ID)
	assert.Empty(t, f.svc.registry.TypingUsers(conv.ID))
	assert.Len(t, f.transport.events(bs.ID, models.EventTyping), 2)
}

func TestLeaveIsSilentToOwnSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, conv := f.pair(t)
	a1, a2, bs := f.session("a1", a), f.session("a2", a), f.session("b1", b)
	require.NoError(t, f.svc.JoinConversation(ctx, a1, conv.ID))
	require.NoError(t, f.svc.JoinConversation(ctx, bs, conv.ID))
	require.NoError(t, f.svc.SetTyping(ctx, a, conv.ID, true))

	before := map[string]int{}
	for _, s := range []presence.Session{a1, a2} {
		before[s.ID] = len(f.transport.bySession[s.ID])
	}

	require.NoError(t, f.svc.LeaveConversation(ctx, a1, conv.ID))

	for _, s := range []presence.Session{a1, a2} {
		assert.Len(t, f.transport.bySession[s.ID], before[s.ID], "session %s", s.ID)
	}
	assert.Len(t, f.transport.events(bs.ID, models.EventTyping), 2)
	offline := f.transport.events(bs.ID, models.EventPresence)
	require.NotEmpty(t, offline)
	var last models.PresencePayload
	require.NoError(t, json.Unmarshal(offline[len(offline)-1].Payload, &last))
	assert.Equal(t, a, last.UserID)
	assert.False(t, last.Online)
}
