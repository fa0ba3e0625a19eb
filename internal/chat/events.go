package chat

import (
	"context"
	"encoding/json"

	"linkup/internal/apperrors"
	"linkup/internal/models"
	"linkup/internal/presence"
)

// HandleEvent dispatches one inbound websocket event from session.
func (s *Service) HandleEvent(ctx context.Context, session presence.Session, in models.InboundMessage) error {
	switch in.Type {
	case models.EventJoin:
		var ref models.ConversationRef
		if err := decode(in, &ref); err != nil {
			return err
		}
		return s.JoinConversation(ctx, session, ref.ConversationID)

	case models.EventLeave:
		var ref models.ConversationRef
		if err := decode(in, &ref); err != nil {
			return err
		}
		return s.LeaveConversation(ctx, session, ref.ConversationID)

	case models.EventMessage:
		var req models.SendMessageRequest
		if err := decode(in, &req); err != nil {
			return err
		}
		if req.ConversationID == "" {
			return apperrors.Validation("conversation_id is required")
		}
		_, err := s.SendMessage(ctx, session.UserID, req.ConversationID, req.Content, req.Attachments)
		return err

	case models.EventTyping:
		var p models.TypingPayload
		if err := decode(in, &p); err != nil {
			return err
		}
		return s.SetTyping(ctx, session.UserID, p.ConversationID, p.IsTyping)

	case models.EventRead:
		var ref models.ConversationRef
		if err := decode(in, &ref); err != nil {
			return err
		}
		_, err := s.MarkRead(ctx, session.UserID, ref.ConversationID)
		return err

	default:
		return apperrors.Validation("unknown event type " + in.Type)
	}
}

func decode(in models.InboundMessage, v interface{}) error {
	if len(in.Payload) == 0 {
		return apperrors.Validation("missing payload for " + in.Type)
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return apperrors.Validation("malformed payload for " + in.Type)
	}
	return nil
}
