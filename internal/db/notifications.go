package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

func (db *DB) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	kind, payload, err := models.EncodePayload(n.Payload)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, db.q(`
		INSERT INTO notifications (id, recipient_id, actor_id, kind, payload, read, created_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?)
	`), n.ID, n.RecipientID, n.ActorID, kind, string(payload), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// ListNotifications returns recipientID's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		SELECT id, recipient_id, actor_id, kind, payload, read, created_at
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`), recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		var kind, payload string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.ActorID, &kind, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if n.Payload, err = models.DecodePayload(kind, []byte(payload)); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

func (db *DB) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	result, err := db.ExecContext(ctx, db.q(`
		UPDATE notifications SET read = TRUE WHERE id = ? AND recipient_id = ?
	`), id, recipientID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("notification")
	}
	return nil
}
