package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkup/internal/apperrors"
	"linkup/internal/models"
)

// inChunk bounds the size of generated IN lists.
const inChunk = 500

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const requestColumns = "id, sender_id, receiver_id, status, message, created_at, responded_at"

func scanRequest(row interface{ Scan(...interface{}) error }, extra ...interface{}) (*models.ConnectionRequest, error) {
	req := &models.ConnectionRequest{}
	var status string
	var respondedAt sql.NullTime
	dest := append([]interface{}{&req.ID, &req.SenderID, &req.ReceiverID, &status, &req.Message,
		&req.CreatedAt, &respondedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	req.Status = models.RequestStatus(status)
	req.RespondedAt = timePtr(respondedAt)
	return req, nil
}

// lockPair serializes writers touching the same pair for the rest of tx.
// SQLite transactions already begin IMMEDIATE and hold the write lock.
func (db *DB) lockPair(ctx context.Context, tx *sql.Tx, low, high string) error {
	if db.driver != DriverPostgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", low+":"+high); err != nil {
		return fmt.Errorf("failed to lock connection pair: %w", err)
	}
	return nil
}

// CreateRequest inserts a pending request. It fails with AlreadyConnected
// when the pair holds an active connection, checked under the pair lock so
// a concurrent accept cannot slip in between. The pending-pair index turns
// a second pending request between the same two users, in either
// direction, into a DuplicateRequest error.
func (db *DB) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = models.RequestPending
	low, high := models.CanonicalPair(req.SenderID, req.ReceiverID)

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.lockPair(ctx, tx, low, high); err != nil {
			return err
		}

		var connected bool
		err := tx.QueryRowContext(ctx, db.q(`
			SELECT EXISTS (SELECT 1 FROM connections WHERE user_low = ? AND user_high = ? AND active = TRUE)
		`), low, high).Scan(&connected)
		if err != nil {
			return fmt.Errorf("failed to check connection: %w", err)
		}
		if connected {
			return apperrors.AlreadyConnected()
		}

		_, err = tx.ExecContext(ctx, db.q(`
			INSERT INTO connection_requests (id, sender_id, receiver_id, user_low, user_high, status, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), req.ID, req.SenderID, req.ReceiverID, low, high, string(req.Status), req.Message, req.CreatedAt)
		if err != nil {
			if IsUniqueViolation(err) {
				return apperrors.DuplicateRequest()
			}
			return fmt.Errorf("failed to create connection request: %w", err)
		}
		return nil
	})
}

func (db *DB) GetRequest(ctx context.Context, id string) (*models.ConnectionRequest, error) {
	req, err := scanRequest(db.QueryRowContext(ctx, db.q(
		"SELECT "+requestColumns+" FROM connection_requests WHERE id = ?"), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("connection request")
		}
		return nil, fmt.Errorf("failed to get connection request %s: %w", id, err)
	}
	return req, nil
}

// ListPendingRequests returns pending requests received by (incoming) or sent
// by userID, newest first, with the other user's summary attached.
func (db *DB) ListPendingRequests(ctx context.Context, userID string, incoming bool) ([]models.ConnectionRequest, error) {
	own, other := "sender_id", "receiver_id"
	if incoming {
		own, other = "receiver_id", "sender_id"
	}

	rows, err := db.QueryContext(ctx, db.q(`
		SELECT r.id, r.sender_id, r.receiver_id, r.status, r.message, r.created_at, r.responded_at,
			u.id, u.username, u.headline, u.avatar
		FROM connection_requests r
		JOIN users u ON u.id = r.`+other+`
		WHERE r.`+own+` = ? AND r.status = 'pending'
		ORDER BY r.created_at DESC, r.id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection requests: %w", err)
	}
	defer rows.Close()

	var requests []models.ConnectionRequest
	for rows.Next() {
		var counterpart models.UserSummary
		req, err := scanRequest(rows, &counterpart.ID, &counterpart.Username, &counterpart.Headline, &counterpart.Avatar)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection request: %w", err)
		}
		req.Counterpart = &counterpart
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection requests: %w", err)
	}
	return requests, nil
}

// PendingCounterparts returns every user with a pending request to or from
// userID.
func (db *DB) PendingCounterparts(ctx context.Context, userID string) ([]string, error) {
	return db.queryIDs(ctx, `
		SELECT receiver_id FROM connection_requests WHERE sender_id = ? AND status = 'pending'
		UNION
		SELECT sender_id FROM connection_requests WHERE receiver_id = ? AND status = 'pending'
	`, userID, userID)
}

// RespondToRequest moves a pending request to a terminal status. It fails
// with InvalidState when the request is no longer pending.
func (db *DB) RespondToRequest(ctx context.Context, id string, status models.RequestStatus, at time.Time) error {
	result, err := db.ExecContext(ctx, db.q(`
		UPDATE connection_requests SET status = ?, responded_at = ?
		WHERE id = ? AND status = 'pending'
	`), string(status), at, id)
	if err != nil {
		return fmt.Errorf("failed to update connection request: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.InvalidState("connection request is no longer pending")
	}
	return nil
}

// AcceptRequest performs the whole accept in one transaction: the pending to
// accepted transition, the insert or reactivation of the canonical connection
// row and both users' connection counts. Of several concurrent accepts of the
// same request exactly one commits; the rest fail with InvalidState. A
// request for a pair that is already connected is closed as accepted and
// reported as AlreadyConnected without touching the counts.
func (db *DB) AcceptRequest(ctx context.Context, req *models.ConnectionRequest, at time.Time) (*models.Connection, error) {
	low, high := models.CanonicalPair(req.SenderID, req.ReceiverID)
	conn := &models.Connection{UserLow: low, UserHigh: high, Active: true}

	var alreadyConnected bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.lockPair(ctx, tx, low, high); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, db.q(`
			UPDATE connection_requests SET status = 'accepted', responded_at = ?
			WHERE id = ? AND status = 'pending'
		`), at, req.ID)
		if err != nil {
			return fmt.Errorf("failed to accept connection request: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.InvalidState("connection request is no longer pending")
		}

		// Reactivates a removed connection in place so the pair keeps a
		// single row. An active row is left alone and reported.
		result, err = tx.ExecContext(ctx, db.q(`
			INSERT INTO connections (id, user_low, user_high, active, connected_at)
			VALUES (?, ?, ?, TRUE, ?)
			ON CONFLICT (user_low, user_high) DO UPDATE
				SET active = TRUE, connected_at = excluded.connected_at, removed_at = NULL
				WHERE connections.active = FALSE
		`), uuid.NewString(), low, high, at)
		if err != nil {
			if IsUniqueViolation(err) {
				return apperrors.AlreadyConnected()
			}
			return fmt.Errorf("failed to create connection: %w", err)
		}
		if n, err = affected(result); err != nil {
			return err
		}
		if n == 0 {
			alreadyConnected = true
			return nil
		}

		err = tx.QueryRowContext(ctx, db.q(`
			SELECT id, connected_at FROM connections WHERE user_low = ? AND user_high = ?
		`), low, high).Scan(&conn.ID, &conn.ConnectedAt)
		if err != nil {
			return fmt.Errorf("failed to load connection: %w", err)
		}

		return adjustConnectionCounts(ctx, db, tx, low, high, 1)
	})
	if err != nil {
		return nil, err
	}
	if alreadyConnected {
		return nil, apperrors.AlreadyConnected()
	}
	return conn, nil
}

// DeactivateConnection soft-removes an active connection and decrements both
// users' connection counts in one transaction.
func (db *DB) DeactivateConnection(ctx context.Context, conn *models.Connection, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, db.q(`
			UPDATE connections SET active = FALSE, removed_at = ?
			WHERE id = ? AND active = TRUE
		`), at, conn.ID)
		if err != nil {
			return fmt.Errorf("failed to remove connection: %w", err)
		}
		n, err := affected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.InvalidState("connection is not active")
		}
		return adjustConnectionCounts(ctx, db, tx, conn.UserLow, conn.UserHigh, -1)
	})
}

func adjustConnectionCounts(ctx context.Context, db *DB, tx *sql.Tx, a, b string, delta int) error {
	result, err := tx.ExecContext(ctx, db.q(`
		UPDATE users SET connection_count = connection_count + ? WHERE id IN (?, ?)
	`), delta, a, b)
	if err != nil {
		return fmt.Errorf("failed to update connection counts: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n != 2 {
		return apperrors.NotFound("user")
	}
	return nil
}

func (db *DB) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	conn := &models.Connection{}
	var removedAt sql.NullTime
	err := db.QueryRowContext(ctx, db.q(`
		SELECT id, user_low, user_high, active, connected_at, removed_at
		FROM connections WHERE id = ?
	`), id).Scan(&conn.ID, &conn.UserLow, &conn.UserHigh, &conn.Active, &conn.ConnectedAt, &removedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("connection")
		}
		return nil, fmt.Errorf("failed to get connection %s: %w", id, err)
	}
	conn.RemovedAt = timePtr(removedAt)
	return conn, nil
}

// IsConnected reports whether a and b share an active connection.
func (db *DB) IsConnected(ctx context.Context, a, b string) (bool, error) {
	low, high := models.CanonicalPair(a, b)
	var one int
	err := db.QueryRowContext(ctx, db.q(`
		SELECT 1 FROM connections WHERE user_low = ? AND user_high = ? AND active = TRUE
	`), low, high).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return true, nil
}

// NeighborIDs returns the ids of userID's active connections.
func (db *DB) NeighborIDs(ctx context.Context, userID string) ([]string, error) {
	return db.queryIDs(ctx, `
		SELECT user_high FROM connections WHERE user_low = ? AND active = TRUE
		UNION ALL
		SELECT user_low FROM connections WHERE user_high = ? AND active = TRUE
	`, userID, userID)
}

// ListNeighbors returns userID's active connections, newest first.
func (db *DB) ListNeighbors(ctx context.Context, userID string) ([]models.Neighbor, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		SELECT c.id, c.connected_at, u.id, u.username, u.headline, u.avatar
		FROM connections c
		JOIN users u ON u.id = CASE WHEN c.user_low = ? THEN c.user_high ELSE c.user_low END
		WHERE (c.user_low = ? OR c.user_high = ?) AND c.active = TRUE
		ORDER BY c.connected_at DESC, u.id
	`), userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var neighbors []models.Neighbor
	for rows.Next() {
		var n models.Neighbor
		if err := rows.Scan(&n.ConnectionID, &n.ConnectedAt, &n.User.ID, &n.User.Username,
			&n.User.Headline, &n.User.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return neighbors, nil
}

// CountConnectedTo counts how many of candidates hold an active connection
// to target.
func (db *DB) CountConnectedTo(ctx context.Context, target string, candidates []string) (int, error) {
	total := 0
	for start := 0; start < len(candidates); start += inChunk {
		end := start + inChunk
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]
		in := placeholders(len(chunk))

		args := []interface{}{target}
		args = append(args, stringArgs(chunk)...)
		args = append(args, target)
		args = append(args, stringArgs(chunk)...)

		var n int
		err := db.QueryRowContext(ctx, db.q(`
			SELECT COUNT(*) FROM connections
			WHERE active = TRUE
				AND ((user_low = ? AND user_high IN (`+in+`))
					OR (user_high = ? AND user_low IN (`+in+`)))
		`), args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count connections: %w", err)
		}
		total += n
	}
	return total, nil
}

// SecondDegreeSuggestions ranks users two hops from userID by how many
// connections they share with userID. Existing connections and users with a
// pending request either way are left out.
func (db *DB) SecondDegreeSuggestions(ctx context.Context, userID string, limit int) ([]models.Suggestion, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		WITH edges (u, v) AS (
			SELECT user_low, user_high FROM connections WHERE active = TRUE
			UNION ALL
			SELECT user_high, user_low FROM connections WHERE active = TRUE
		),
		candidates AS (
			SELECT e2.v AS id, COUNT(*) AS mutuals
			FROM edges e1
			JOIN edges e2 ON e2.u = e1.v
			WHERE e1.u = ?
				AND e2.v <> ?
				AND e2.v NOT IN (SELECT v FROM edges WHERE u = ?)
				AND e2.v NOT IN (
					SELECT receiver_id FROM connection_requests WHERE sender_id = ? AND status = 'pending'
					UNION
					SELECT sender_id FROM connection_requests WHERE receiver_id = ? AND status = 'pending'
				)
			GROUP BY e2.v
		)
		SELECT u.id, u.username, u.headline, u.avatar, c.mutuals
		FROM candidates c
		JOIN users u ON u.id = c.id
		ORDER BY c.mutuals DESC, u.id
		LIMIT ?
	`), userID, userID, userID, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []models.Suggestion
	for rows.Next() {
		var s models.Suggestion
		if err := rows.Scan(&s.User.ID, &s.User.Username, &s.User.Headline, &s.User.Avatar, &s.Mutuals); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		suggestions = append(suggestions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating suggestions: %w", err)
	}
	return suggestions, nil
}

func (db *DB) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}
