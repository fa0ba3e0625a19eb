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

const userColumns = "id, username, password, headline, avatar, connection_count, created_at"

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Password, &user.Headline, &user.Avatar,
		&user.ConnectionCount, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts user, assigning an id and creation time when missing.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, db.q(`
		INSERT INTO users (id, username, password, headline, avatar, connection_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`), user.ID, user.Username, user.Password, user.Headline, user.Avatar, user.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return apperrors.Validation("username is already taken")
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ConnectionCount = 0
	return nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, db.q(
		"SELECT "+userColumns+" FROM users WHERE id = ?"), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user")
		}
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, db.q(
		"SELECT "+userColumns+" FROM users WHERE username = ?"), username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user")
		}
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return user, nil
}

// SearchUsers does case-insensitive partial matching on usernames. Exact
// matches come first, then prefix matches, then the rest.
func (db *DB) SearchUsers(ctx context.Context, query string, limit int) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, db.q(`
		SELECT `+userColumns+`
		FROM users
		WHERE LOWER(username) LIKE LOWER(?)
		ORDER BY
			CASE
				WHEN LOWER(username) = LOWER(?) THEN 1
				WHEN LOWER(username) LIKE LOWER(?) THEN 2
				ELSE 3
			END,
			LOWER(username)
		LIMIT ?
	`), "%"+query+"%", query, query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// ListUsersExcluding returns the newest users whose id is not in exclude.
func (db *DB) ListUsersExcluding(ctx context.Context, exclude []string, limit int) ([]models.UserSummary, error) {
	query := "SELECT id, username, headline, avatar FROM users"
	args := stringArgs(exclude)
	if len(exclude) > 0 {
		query += " WHERE id NOT IN (" + placeholders(len(exclude)) + ")"
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.UserSummary
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.Headline, &u.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}
