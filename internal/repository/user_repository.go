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

type UserRepository struct {
	db database.Querier
}

// NewUserRepository creates a new user repository
func NewUserRepository(db database.Querier) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, password_hash, is_admin, created_at, last_login, failed_login_attempts, locked_until`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		user        models.User
		createdAt   int64
		lastLogin   sql.NullInt64
		lockedUntil sql.NullInt64
	)
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.IsAdmin,
		&createdAt,
		&lastLogin,
		&user.FailedLoginAttempts,
		&lockedUntil,
	)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromMillis(createdAt)
	user.LastLogin = nullTime(lastLogin)
	user.LockedUntil = nullTime(lockedUntil)
	return &user, nil
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
        INSERT INTO users (username, password_hash, is_admin, created_at)
        VALUES (?, ?, ?, ?)
    `

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	id, err := r.db.InsertID(ctx, query,
		user.Username,
		user.PasswordHash,
		user.IsAdmin,
		toMillis(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.ID = id
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByUsername retrieves a user by normalized username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateLastLogin records a successful login and clears failure tracking
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID int64, at time.Time) error {
	query := `
        UPDATE users
        SET last_login = ?, failed_login_attempts = 0, locked_until = NULL
        WHERE id = ?
    `

	if _, err := r.db.ExecContext(ctx, query, toMillis(at), userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}

	return nil
}

// IncrementFailedLogins increments failed login attempts and returns the new count
func (r *UserRepository) IncrementFailedLogins(ctx context.Context, userID int64) (int, error) {
	query := `
        UPDATE users
        SET failed_login_attempts = failed_login_attempts + 1
        WHERE id = ?
    `

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return 0, fmt.Errorf("failed to increment failed logins: %w", err)
	}

	var attempts int
	err := r.db.QueryRowContext(ctx, `SELECT failed_login_attempts FROM users WHERE id = ?`, userID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read failed logins: %w", err)
	}

	return attempts, nil
}

// LockAccount blocks logins until the given time
func (r *UserRepository) LockAccount(ctx context.Context, userID int64, until time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET locked_until = ? WHERE id = ?`, toMillis(until), userID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	return nil
}

// EnsureAdmin promotes the earliest user when no admin exists. It reports whether a promotion happened.
func (r *UserRepository) EnsureAdmin(ctx context.Context) (bool, error) {
	query := `
        UPDATE users
        SET is_admin = ?
        WHERE id = (SELECT MIN(id) FROM users)
          AND NOT EXISTS (SELECT 1 FROM users WHERE is_admin = ?)
    `

	result, err := r.db.ExecContext(ctx, query, true, true)
	if err != nil {
		return false, fmt.Errorf("failed to ensure admin: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// ListWithNoteCounts returns every user with the number of notes they own
func (r *UserRepository) ListWithNoteCounts(ctx context.Context) ([]*models.UserSummary, error) {
	query := `
        SELECT u.id, u.username, u.password_hash, u.is_admin, u.created_at, u.last_login,
               u.failed_login_attempts, u.locked_until,
               (SELECT COUNT(*) FROM notes n WHERE n.owner_id = u.id)
        FROM users u
        ORDER BY u.id
    `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.UserSummary
	for rows.Next() {
		var (
			summary     models.UserSummary
			createdAt   int64
			lastLogin   sql.NullInt64
			lockedUntil sql.NullInt64
		)
		err := rows.Scan(
			&summary.ID,
			&summary.Username,
			&summary.PasswordHash,
			&summary.IsAdmin,
			&createdAt,
			&lastLogin,
			&summary.FailedLoginAttempts,
			&lockedUntil,
			&summary.NoteCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		summary.CreatedAt = fromMillis(createdAt)
		summary.LastLogin = nullTime(lastLogin)
		summary.LockedUntil = nullTime(lockedUntil)
		users = append(users, &summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return users, nil
}

// Count returns the number of registered users
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}
