package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

type SessionRepository struct {
	db database.Querier
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db database.Querier) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create stores a session keyed by the hash of its bearer token
func (r *SessionRepository) Create(ctx context.Context, session *models.Session, ip, userAgent string) error {
	query := `
        INSERT INTO sessions (user_id, token_hash, ip_address, user_agent, created_at, expires_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `

	id, err := r.db.InsertID(ctx, query,
		session.UserID,
		session.TokenHash,
		ip,
		userAgent,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	session.ID = id
	return nil
}

// GetValid returns the unexpired session for a token hash
func (r *SessionRepository) GetValid(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error) {
	query := `
        SELECT id, user_id, token_hash, created_at, expires_at
        FROM sessions
        WHERE token_hash = ?
    `

	var (
		session              models.Session
		createdAt, expiresAt int64
	)
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&createdAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	if !now.Before(session.ExpiresAt) {
		return nil, errors.ErrSessionExpired
	}

	return &session, nil
}

// Delete ends the session with the given token hash
func (r *SessionRepository) Delete(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired purges sessions past their expiry
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
