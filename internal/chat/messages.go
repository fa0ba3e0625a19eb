package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/models"
	"linkup/internal/presence"
)

const (
	maxContentLength = 5000
	maxAttachments   = 10
	previewLength    = 80

	defaultPageSize = 50
	maxPageSize     = 100
)

var validate = validator.New()

var reactionTypes = map[string]bool{
	"like":       true,
	"celebrate":  true,
	"support":    true,
	"love":       true,
	"insightful": true,
	"funny":      true,
}

// JoinConversation subscribes a session to a conversation room and clears
// the user's unread counter. Joining a room the session is already in emits
// nothing.
func (s *Service) JoinConversation(ctx context.Context, session presence.Session, conversationID string) error {
	ctx, span := s.tracer.Start(ctx, "chat.JoinConversation", trace.WithAttributes(
		attribute.String("conversation.id", conversationID), attribute.String("session.id", session.ID)))
	defer span.End()

	if _, err := s.conversationFor(ctx, session.UserID, conversationID); err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.store.ResetUnread(ctx, conversationID, session.UserID); err != nil {
		span.RecordError(err)
		return err
	}

	alreadyPresent := s.registry.UserInRoom(session.UserID, conversationID)
	if !s.registry.Join(session.ID, conversationID) {
		return nil
	}

	if !alreadyPresent {
		s.emit(without(s.registry.RoomSessions(conversationID), s.registry.UserSessions(session.UserID)),
			models.EventPresence, models.PresencePayload{
				ConversationID: conversationID,
				UserID:         session.UserID,
				Online:         true,
			})
	}
	return nil
}

// LeaveConversation releases one room of a session.
func (s *Service) LeaveConversation(ctx context.Context, session presence.Session, conversationID string) error {
	if !s.registry.Leave(session.ID, conversationID) {
		return nil
	}
	if s.registry.UserInRoom(session.UserID, conversationID) {
		return nil
	}

	room := s.registry.RoomSessions(conversationID)
	if s.registry.SetTyping(conversationID, session.UserID, false) {
		s.emit(room, models.EventTyping, models.TypingPayload{
			ConversationID: conversationID,
			UserID:         session.UserID,
		})
	}
	s.emit(room, models.EventPresence, models.PresencePayload{
		ConversationID: conversationID,
		UserID:         session.UserID,
		Online:         false,
	})
	return nil
}

// SendMessage persists a message and fans it out to the conversation room.
// The sender must still be connected to every other participant; this is
// checked on each send because connections can be removed at any time.
func (s *Service) SendMessage(ctx context.Context, senderID, conversationID, content string, attachments []models.Attachment) (msg *models.Message, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.String("conversation.id", conversationID), attribute.String("sender.id", senderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.Validation("message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, apperrors.Validation("message content must be at most 5000 characters")
	}
	if len(attachments) > maxAttachments {
		return nil, apperrors.Validation("a message can carry at most 10 attachments")
	}
	for i := range attachments {
		if err := validate.Struct(attachments[i]); err != nil {
			return nil, apperrors.Validation("attachment needs an http(s) url and a kind of image, video, document or link")
		}
	}

	conv, err := s.conversationFor(ctx, senderID, conversationID)
	if err != nil {
		return nil, err
	}
	recipients := conv.Others(senderID)
	for _, p := range recipients {
		connected, err := s.graph.IsConnected(ctx, senderID, p.UserID)
		if err != nil {
			return nil, err
		}
		if !connected {
			return nil, apperrors.NotConnected()
		}
	}

	// Persist and enqueue under one lock so every session sees messages of
	// this conversation in acceptance order.
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	msg = &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      s.now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.RecordMessage()

	room := s.registry.RoomSessions(conversationID)
	s.emit(room, models.EventMessage, msg)

	if s.registry.SetTyping(conversationID, senderID, false) {
		s.emit(room, models.EventTyping, models.TypingPayload{ConversationID: conversationID, UserID: senderID})
	}

	for _, p := range recipients {
		if s.registry.UserInRoom(p.UserID, conversationID) {
			continue
		}
		s.emit(s.registry.UserSessions(p.UserID), models.EventConversationUpdated, msg)
		if p.Muted {
			continue
		}
		s.notifier.Notify(p.UserID, senderID, models.NewMessagePayload{
			ConversationID: conversationID,
			MessageID:      msg.ID,
			Preview:        preview(content),
		})
	}

	s.logger.Debug("Message sent",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conversationID),
		zap.Int64("seq", msg.Seq),
		zap.Int("room_sessions", len(room)))
	return msg, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "…"
}

// MarkRead marks every message from others as read by userID and clears the
// unread counter. Repeating it is harmless; the read event goes out only
// when something changed.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "chat.MarkRead", trace.WithAttributes(
		attribute.String("conversation.id", conversationID), attribute.String("user.id", userID)))
	defer span.End()

	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		span.RecordError(err)
		return false, err
	}

	at := s.now()
	changed, err := s.store.MarkRead(ctx, conversationID, userID, at)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if changed {
		s.emit(s.registry.RoomSessions(conversationID), models.EventRead, models.ReadPayload{
			ConversationID: conversationID,
			UserID:         userID,
			ReadAt:         at,
		})
	}
	return changed, nil
}

// SetTyping records the typing state and tells the rest of the room. Every
// call is forwarded so the latest one wins on the clients.
func (s *Service) SetTyping(ctx context.Context, userID, conversationID string, isTyping bool) error {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return err
	}

	s.registry.SetTyping(conversationID, userID, isTyping)
	s.emit(without(s.registry.RoomSessions(conversationID), s.registry.UserSessions(userID)),
		models.EventTyping, models.TypingPayload{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       isTyping,
		})
	return nil
}

// ListMessages returns a page of history visible to userID, oldest first.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string, beforeSeq int64, limit int) ([]models.Message, error) {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	messages, err := s.store.ListMessages(ctx, conversationID, userID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// DeleteMessageForMe hides a message from userID's history only.
func (s *Service) DeleteMessageForMe(ctx context.Context, userID, messageID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.conversationFor(ctx, userID, msg.ConversationID); err != nil {
		return err
	}
	return s.store.DeleteMessageForUser(ctx, messageID, userID, s.now())
}

// ToggleReaction adds, replaces or removes userID's reaction on a message in
// a single store operation and tells the room.
func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, reactionType string) (bool, error) {
	if !reactionTypes[reactionType] {
		return false, apperrors.Validation("unknown reaction type")
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if _, err := s.conversationFor(ctx, userID, msg.ConversationID); err != nil {
		return false, err
	}

	added, err := s.store.ToggleReaction(ctx, messageID, userID, reactionType, s.now())
	if err != nil {
		return false, err
	}

	s.emit(s.registry.RoomSessions(msg.ConversationID), models.EventReaction, models.ReactionPayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Type:           reactionType,
		Added:          added,
	})
	return added, nil
}
