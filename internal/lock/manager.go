// Package lock implements lease-based edit locks on notes.
//
// A lock is the pair (lock_user_id, lock_expires_at) on the note row. Both
// columns are set or both are NULL. An expired lock is treated as absent by
// every operation and is cleared lazily by Sweep.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

// DefaultLease is how long an acquired or refreshed lock stays valid
const DefaultLease = 300 * time.Second

// claimAttempts bounds the retries when a conflicting lock expires between
// the conditional update and the follow-up read.
const claimAttempts = 3

type Manager struct {
	db      *database.DB
	lease   time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a lock manager. A non-positive lease falls back to DefaultLease.
func NewManager(db *database.DB, lease time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db:     db,
		lease:  lease,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease returns the configured lease duration
func (m *Manager) Lease() time.Duration {
	return m.lease
}

// Acquire takes the edit lock for userID, or extends it when userID already holds it
func (m *Manager) Acquire(ctx context.Context, noteID, userID int64) (*models.LockInfo, error) {
	info, err := m.claim(ctx, noteID, userID)
	m.metrics.ObserveLock("acquire", err)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("lock acquired",
		zap.Int64("note_id", noteID),
		zap.Int64("user_id", userID),
		zap.Time("expires_at", info.ExpiresAt),
	)
	return info, nil
}

// Refresh extends the lease. It has the same semantics as Acquire.
func (m *Manager) Refresh(ctx context.Context, noteID, userID int64) (*models.LockInfo, error) {
	info, err := m.claim(ctx, noteID, userID)
	m.metrics.ObserveLock("refresh", err)
	return info, err
}

func (m *Manager) claim(ctx context.Context, noteID, userID int64) (*models.LockInfo, error) {
	m.Sweep(ctx)

	query := `
        UPDATE notes
        SET lock_user_id = ?, lock_expires_at = ?
        WHERE id = ?
          AND (lock_user_id IS NULL OR lock_user_id = ? OR lock_expires_at <= ?)
    `

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := m.now().UTC()
		expiresAt := now.Add(m.lease).Truncate(time.Millisecond)

		var claimed bool
		err := database.Retry(ctx, m.logger, "lock claim", func() error {
			result, err := m.db.ExecContext(ctx, query, userID, expiresAt.UnixMilli(), noteID, userID, now.UnixMilli())
			if err != nil {
				return err
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return err
			}
			claimed = rows > 0
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to claim lock: %w", err)
		}

		if claimed {
			info := &models.LockInfo{NoteID: noteID, UserID: userID, ExpiresAt: expiresAt}
			err := m.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, userID).Scan(&info.Username)
			if err != nil {
				return nil, fmt.Errorf("failed to load lock holder: %w", err)
			}
			return info, nil
		}

		err = Conflict(ctx, m.db, noteID, m.now().UTC())
		if err != nil {
			return nil, err
		}
		// The competing lock lapsed after our update; try again.
	}

	return nil, fmt.Errorf("failed to claim lock on note %d after %d attempts", noteID, claimAttempts)
}

// Release clears the lock when userID holds it. Releasing a note that is
// unlocked or locked by someone else fails with ErrNotLockHolder and changes nothing.
func (m *Manager) Release(ctx context.Context, noteID, userID int64) error {
	err := m.release(ctx, noteID, userID)
	m.metrics.ObserveLock("release", err)
	return err
}

func (m *Manager) release(ctx context.Context, noteID, userID int64) error {
	query := `
        UPDATE notes
        SET lock_user_id = NULL, lock_expires_at = NULL
        WHERE id = ? AND lock_user_id = ?
    `

	var rows int64
	err := database.Retry(ctx, m.logger, "lock release", func() error {
		result, err := m.db.ExecContext(ctx, query, noteID, userID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if rows > 0 {
		m.logger.Debug("lock released", zap.Int64("note_id", noteID), zap.Int64("user_id", userID))
		return nil
	}

	exists, err := noteExists(ctx, m.db, noteID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.ErrNoteNotFound
	}
	return errors.ErrNotLockHolder
}

// Status returns the live lock on a note, or nil when it is unlocked or the lease ran out
func (m *Manager) Status(ctx context.Context, noteID int64) (*models.LockInfo, error) {
	info, err := current(ctx, m.db, noteID, m.now().UTC())
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ExpireStale clears every lock whose lease has run out and returns how many were cleared
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	query := `
        UPDATE notes
        SET lock_user_id = NULL, lock_expires_at = NULL
        WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= ?
    `

	result, err := m.db.ExecContext(ctx, query, m.now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to expire locks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	m.metrics.ObserveExpired(n)
	return n, nil
}

// Sweep runs ExpireStale and only logs failures. Expired locks are ignored
// by every check anyway, so a failed sweep never blocks the caller.
func (m *Manager) Sweep(ctx context.Context) {
	n, err := m.ExpireStale(ctx)
	if err != nil {
		m.logger.Warn("lock sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("expired stale locks", zap.Int64("count", n))
	}
}

// StartSweeper clears expired locks every interval until ctx is done
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Conflict explains why a lock-guarded write did not apply. It returns
// ErrNoteNotFound when the note is gone, a *LockHeldError naming the holder
// when another user holds a live lock, and nil when the note is free.
// q may be a transaction so the read sees the same snapshot as the write.
func Conflict(ctx context.Context, q database.Querier, noteID int64, now time.Time) error {
	exists, err := noteExists(ctx, q, noteID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.ErrNoteNotFound
	}

	info, err := current(ctx, q, noteID, now)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	return &errors.LockHeldError{Holder: info.Username, ExpiresAt: info.ExpiresAt}
}

func noteExists(ctx context.Context, q database.Querier, noteID int64) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, noteID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check note: %w", err)
	}
	return n > 0, nil
}

func current(ctx context.Context, q database.Querier, noteID int64, now time.Time) (*models.LockInfo, error) {
	query := `
        SELECT n.lock_user_id, COALESCE(u.username, ''), n.lock_expires_at
        FROM notes n
        LEFT JOIN users u ON u.id = n.lock_user_id
        WHERE n.id = ?
    `

	var (
		userID    sql.NullInt64
		username  string
		expiresAt sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, noteID).Scan(&userID, &username, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	if !userID.Valid || !expiresAt.Valid || expiresAt.Int64 <= now.UnixMilli() {
		return nil, nil
	}

	return &models.LockInfo{
		NoteID:    noteID,
		UserID:    userID.Int64,
		Username:  username,
		ExpiresAt: time.UnixMilli(expiresAt.Int64).UTC(),
	}, nil
}
