package chat

import (
	"context"

	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

// StartConversation finds or creates the direct conversation between userID
// and otherID. The two must be connected.
func (s *Service) StartConversation(ctx context.Context, userID, otherID string) (*models.Conversation, error) {
	if userID == otherID {
		return nil, apperrors.SelfReference("cannot start a conversation with yourself")
	}
	if _, err := s.store.GetUserByID(ctx, otherID); err != nil {
		return nil, err
	}

	connected, err := s.graph.IsConnected(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, apperrors.NotConnected()
	}

	conv, created, err := s.store.CreateDirectConversation(ctx, userID, otherID, s.now())
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("Conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", userID),
			zap.String("participant_id", otherID))
	}
	return conv, nil
}

// ListConversations returns userID's inbox with the peer's live presence.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	summaries, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		return []models.ConversationSummary{}, nil
	}
	for i := range summaries {
		summaries[i].PeerOnline = s.registry.IsOnline(summaries[i].Peer.ID)
	}
	return summaries, nil
}

func (s *Service) SetArchived(ctx context.Context, userID, conversationID string, archived bool) error {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.store.SetArchived(ctx, conversationID, userID, archived)
}

func (s *Service) SetMuted(ctx context.Context, userID, conversationID string, muted bool) error {
	if _, err := s.conversationFor(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.store.SetMuted(ctx, conversationID, userID, muted)
}

// UnreadTotal sums userID's unread counters.
func (s *Service) UnreadTotal(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadTotal(ctx, userID)
}
