package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

// GetConversation loads a conversation with its participants.
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var lastID sql.NullString
	var lastAt sql.NullTime
	err := db.QueryRowContext(ctx, db.q(`
		SELECT id, kind, created_at, last_message_id, last_message_at
		FROM conversations WHERE id = ?
	`), id).Scan(&conv.ID, &conv.Kind, &conv.CreatedAt, &lastID, &lastAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("conversation")
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	conv.LastMessageID = lastID.String
	conv.LastMessageAt = timePtr(lastAt)

	participants, err := db.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants
	return conv, nil
}

func (db *DB) participants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		SELECT user_id, unread_count, archived, muted, joined_at
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY joined_at, user_id
	`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.UnreadCount, &p.Archived, &p.Muted, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return participants, nil
}

// FindDirectConversation returns the direct conversation between a and b.
func (db *DB) FindDirectConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	low, high := models.CanonicalPair(a, b)
	var id string
	err := db.QueryRowContext(ctx, db.q(`
		SELECT id FROM conversations WHERE kind = ? AND user_low = ? AND user_high = ?
	`), models.ConversationDirect, low, high).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("conversation")
		}
		return nil, fmt.Errorf("failed to query existing conversation: %w", err)
	}
	return db.GetConversation(ctx, id)
}

// CreateDirectConversation returns the direct conversation between a and b,
// creating it when none exists. The second return value reports creation.
func (db *DB) CreateDirectConversation(ctx context.Context, a, b string, at time.Time) (*models.Conversation, bool, error) {
	low, high := models.CanonicalPair(a, b)
	id := uuid.NewString()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO conversations (id, kind, user_low, user_high, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), id, models.ConversationDirect, low, high, at); err != nil {
			return err
		}

		for _, userID := range []string{a, b} {
			if _, err := tx.ExecContext(ctx, db.q(`
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
			`), id, userID, at); err != nil {
				return fmt.Errorf("failed to add participant %s: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) {
			conv, findErr := db.FindDirectConversation(ctx, a, b)
			return conv, false, findErr
		}
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	conv, err := db.GetConversation(ctx, id)
	return conv, true, err
}

// ListConversations returns userID's inbox, most recently active first.
func (db *DB) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		SELECT c.id, c.last_message_at, p.unread_count, p.archived, p.muted,
			u.id, u.username, u.headline, u.avatar,
			m.id, m.sender_id, m.seq, m.content, m.created_at
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		JOIN conversation_participants op ON op.conversation_id = c.id AND op.user_id <> p.user_id
		JOIN users u ON u.id = op.user_id
		LEFT JOIN messages m ON m.id = c.last_message_id
		WHERE p.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var row models.ConversationSummary
		var lastAt, msgAt sql.NullTime
		var msgID, msgSender, msgContent sql.NullString
		var msgSeq sql.NullInt64
		if err := rows.Scan(&row.ID, &lastAt, &row.UnreadCount, &row.Archived, &row.Muted,
			&row.Peer.ID, &row.Peer.Username, &row.Peer.Headline, &row.Peer.Avatar,
			&msgID, &msgSender, &msgSeq, &msgContent, &msgAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		row.LastMessageAt = timePtr(lastAt)
		if msgID.Valid {
			row.LastMessage = &models.Message{
				ID:             msgID.String,
				ConversationID: row.ID,
				SenderID:       msgSender.String,
				Seq:            msgSeq.Int64,
				Content:        msgContent.String,
				CreatedAt:      msgAt.Time,
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return result, nil
}

// SaveMessage persists msg, assigns its per-conversation sequence number,
// moves the conversation's last message pointer and bumps the unread counter
// of every participant except the sender, all in one transaction.
func (db *DB) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, db.q(`
			UPDATE conversations
			SET message_seq = message_seq + 1, last_message_id = ?, last_message_at = ?
			WHERE id = ?
		`), msg.ID, msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.NotFound("conversation")
		}

		if err := tx.QueryRowContext(ctx, db.q(
			"SELECT message_seq FROM conversations WHERE id = ?"), msg.ConversationID).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("failed to read message sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO messages (id, conversation_id, sender_id, seq, content, attachments, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), msg.ID, msg.ConversationID, msg.SenderID, msg.Seq, msg.Content, string(attachments), msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, db.q(`
			UPDATE conversation_participants SET unread_count = unread_count + 1
			WHERE conversation_id = ? AND user_id <> ?
		`), msg.ConversationID, msg.SenderID); err != nil {
			return fmt.Errorf("failed to update unread counts: %w", err)
		}
		return nil
	})
}

const messageColumns = "m.id, m.conversation_id, m.sender_id, m.seq, m.content, m.attachments, m.created_at"

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	msg := &models.Message{}
	var attachments string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Seq, &msg.Content,
		&attachments, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments of message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(db.QueryRowContext(ctx, db.q(
		"SELECT "+messageColumns+" FROM messages m WHERE m.id = ?"), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message")
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation that viewerID
// has not deleted, oldest first. A positive beforeSeq pages backwards.
func (db *DB) ListMessages(ctx context.Context, conversationID, viewerID string, beforeSeq int64, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = ?
			)`
	args := []interface{}{conversationID, viewerID}
	if beforeSeq > 0 {
		query += " AND m.seq < ?"
		args = append(args, beforeSeq)
	}
	query += " ORDER BY m.seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if err := db.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// attachReceipts fills ReadBy and Reactions. It runs after the message rows
// are closed; the SQLite pool has a single connection.
func (db *DB) attachReceipts(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[string]*models.Message, len(messages))
	ids := make([]string, len(messages))
	for i := range messages {
		index[messages[i].ID] = &messages[i]
		ids[i] = messages[i].ID
	}
	in := placeholders(len(ids))

	rows, err := db.QueryContext(ctx, db.q(`
		SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id IN (`+in+`) ORDER BY read_at, user_id
	`), stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query read receipts: %w", err)
	}
	for rows.Next() {
		var messageID string
		var receipt models.ReadReceipt
		if err := rows.Scan(&messageID, &receipt.UserID, &receipt.ReadAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan read receipt: %w", err)
		}
		index[messageID].ReadBy = append(index[messageID].ReadBy, receipt)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("error iterating read receipts: %w", err)
	}

	rows, err = db.QueryContext(ctx, db.q(`
		SELECT message_id, user_id, type FROM message_reactions
		WHERE message_id IN (`+in+`) ORDER BY created_at, user_id
	`), stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID string
		var reaction models.Reaction
		if err := rows.Scan(&messageID, &reaction.UserID, &reaction.Type); err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		index[messageID].Reactions = append(index[messageID].Reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating reactions: %w", err)
	}
	return nil
}

// MarkRead records a read receipt for every message from other senders that
// userID has not read yet and zeroes the unread counter. It reports whether
// anything changed.
func (db *DB) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (bool, error) {
	changed := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO message_reads (message_id, user_id, read_at)
			SELECT m.id, ?, ?
			FROM messages m
			WHERE m.conversation_id = ? AND m.sender_id <> ?
				AND NOT EXISTS (
					SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
				)
		`), userID, at, conversationID, userID, userID)
		if err != nil {
			return fmt.Errorf("failed to record read receipts: %w", err)
		}
		inserted, err := affected(result)
		if err != nil {
			return err
		}

		reset, err := resetUnread(ctx, db, tx, conversationID, userID)
		if err != nil {
			return err
		}
		changed = inserted > 0 || reset
		return nil
	})
	return changed, err
}

// ResetUnread zeroes userID's unread counter for the conversation.
func (db *DB) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := resetUnread(ctx, db, tx, conversationID, userID)
		return err
	})
}

func resetUnread(ctx context.Context, db *DB, tx *sql.Tx, conversationID, userID string) (bool, error) {
	result, err := tx.ExecContext(ctx, db.q(`
		UPDATE conversation_participants SET unread_count = 0
		WHERE conversation_id = ? AND user_id = ? AND unread_count <> 0
	`), conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to reset unread count: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnreadTotal sums userID's unread counters over all conversations.
func (db *DB) UnreadTotal(ctx context.Context, userID string) (int, error) {
	var total int
	err := db.QueryRowContext(ctx, db.q(`
		SELECT COALESCE(SUM(unread_count), 0) FROM conversation_participants WHERE user_id = ?
	`), userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return total, nil
}

// DeleteMessageForUser hides a message from userID only. Repeated calls are
// no-ops.
func (db *DB) DeleteMessageForUser(ctx context.Context, messageID, userID string, at time.Time) error {
	_, err := db.ExecContext(ctx, db.q(`
		INSERT INTO message_deletions (message_id, user_id, deleted_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`), messageID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (db *DB) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return db.setParticipantFlag(ctx, "archived", conversationID, userID, archived)
}

func (db *DB) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return db.setParticipantFlag(ctx, "muted", conversationID, userID, muted)
}

func (db *DB) setParticipantFlag(ctx context.Context, column, conversationID, userID string, value bool) error {
	result, err := db.ExecContext(ctx, db.q(`
		UPDATE conversation_participants SET `+column+` = ?
		WHERE conversation_id = ? AND user_id = ?
	`), value, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("conversation")
	}
	return nil
}

// ToggleReaction removes userID's reaction when it already has reactionType
// and otherwise sets it, replacing a reaction of another type in place. It
// reports whether the reaction is present afterwards.
func (db *DB) ToggleReaction(ctx context.Context, messageID, userID, reactionType string, at time.Time) (bool, error) {
	added := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, db.q(`
			DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND type = ?
		`), messageID, userID, reactionType)
		if err != nil {
			return fmt.Errorf("failed to remove reaction: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO message_reactions (message_id, user_id, type, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (message_id, user_id) DO UPDATE
				SET type = excluded.type, created_at = excluded.created_at
		`), messageID, userID, reactionType, at); err != nil {
			return fmt.Errorf("failed to set reaction: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}
