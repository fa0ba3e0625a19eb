// Package chat is the presence and delivery engine. It authorizes and
// delivers messages between connected users, keeps unread counters accurate
// and tracks presence and typing state across every session of a user.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/models"
	"linkup/internal/observability"
	"linkup/internal/presence"
)

// Store is the persistence the engine needs. Implemented by db.DB.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateDirectConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID, viewerID string, beforeSeq int64, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	UnreadTotal(ctx context.Context, userID string) (int, error)
	DeleteMessageForUser(ctx context.Context, messageID, userID string, at time.Time) error
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error
	SetMuted(ctx context.Context, conversationID, userID string, muted bool) error
	ToggleReaction(ctx context.Context, messageID, userID, reactionType string, at time.Time) (bool, error)
}

// ConnectionChecker answers whether two users hold an active connection.
// Implemented by graph.Service.
type ConnectionChecker interface {
	IsConnected(ctx context.Context, a, b string) (bool, error)
}

// Notifier receives fire-and-forget notifications.
type Notifier interface {
	Notify(recipientID, actorID string, payload models.NotificationPayload)
}

// Transport carries encoded events to sessions. Deliver must not block;
// sessions that cannot keep up are the transport's problem.
type Transport interface {
	Deliver(sessionIDs []string, payload []byte)
}

type Service struct {
	store     Store
	graph     ConnectionChecker
	notifier  Notifier
	registry  *presence.Registry
	transport Transport
	metrics   *observability.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// conversation id -> *sync.Mutex
	locks sync.Map
}

func NewService(store Store, graph ConnectionChecker, notifier Notifier, registry *presence.Registry,
	transport Transport, metrics *observability.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		graph:     graph,
		notifier:  notifier,
		registry:  registry,
		transport: transport,
		metrics:   metrics,
		logger:    logger.Named("chat"),
		tracer:    otel.Tracer("linkup/chat"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// lockFor returns the mutex serializing sends in one conversation.
func (s *Service) lockFor(conversationID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) emit(sessionIDs []string, eventType string, payload interface{}) {
	if len(sessionIDs) == 0 {
		return
	}
	data, err := json.Marshal(models.WebSocketMessage{Type: eventType, Payload: payload})
	if err != nil {
		s.logger.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	s.transport.Deliver(sessionIDs, data)
}

// without returns ids minus every element of exclude.
func without(ids, exclude []string) []string {
	if len(exclude) == 0 {
		return ids
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) updatePresenceMetrics() {
	s.metrics.SetPresence(s.registry.Counts())
}

// Connect registers an authenticated session. Other users hear user_online
// only when this is the user's first session.
func (s *Service) Connect(session presence.Session) {
	first := s.registry.Add(session)
	s.updatePresenceMetrics()

	s.logger.Info("Session connected",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.Bool("first_session", first))

	if first {
		s.emit(without(s.registry.AllSessions(), s.registry.UserSessions(session.UserID)),
			models.EventUserOnline, models.PresencePayload{UserID: session.UserID, Online: true})
	}
}

// Disconnect removes one session. Typing stops in rooms the user no longer
// has a session in, and user_offline goes out once no session is left.
func (s *Service) Disconnect(sessionID string) {
	d, ok := s.registry.Remove(sessionID)
	if !ok {
		return
	}
	s.updatePresenceMetrics()

	for _, conversationID := range d.StoppedTyping {
		s.emit(s.registry.RoomSessions(conversationID), models.EventTyping, models.TypingPayload{
			ConversationID: conversationID,
			UserID:         d.Session.UserID,
			IsTyping:       false,
		})
	}

	if d.WentOffline {
		s.emit(s.registry.AllSessions(), models.EventUserOffline,
			models.PresencePayload{UserID: d.Session.UserID, Online: false})
	}

	s.logger.Info("Session disconnected",
		zap.String("session_id", sessionID),
		zap.String("user_id", d.Session.UserID),
		zap.Bool("went_offline", d.WentOffline),
		zap.Int("rooms_released", len(d.Rooms)))
}

func (s *Service) IsOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}

func (s *Service) OnlineUsers() []string {
	return s.registry.OnlineUsers()
}

func (s *Service) SessionCount(userID string) int {
	return s.registry.SessionCount(userID)
}

// SendToUser pushes an event to every session of userID and reports whether
// there was any.
func (s *Service) SendToUser(userID string, eventType string, payload interface{}) bool {
	sessions := s.registry.UserSessions(userID)
	s.emit(sessions, eventType, payload)
	return len(sessions) > 0
}

// conversationFor loads a conversation and checks userID takes part in it.
func (s *Service) conversationFor(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Participant(userID); !ok {
		return nil, apperrors.Authorization("not a participant of this conversation")
	}
	return conv, nil
}
