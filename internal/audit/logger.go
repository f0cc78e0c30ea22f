// Package audit records security relevant events to the audit_log table and
// an append-only JSON lines file.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/database"
)

const (
	queueSize    = 1000
	defaultLimit = 100
)

type Logger struct {
	db     database.Querier
	logger *zap.Logger

	fileMu sync.Mutex
	file   *os.File

	// queue is nil in synchronous mode
	queue   chan *Event
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewLogger creates a new audit logger. The audit_log table is created by the migrations.
func NewLogger(db database.Querier, logFilePath string, asyncMode bool, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	al := &Logger{
		db:     db,
		logger: logger.Named("audit"),
		file:   file,
		done:   make(chan struct{}),
	}

	if asyncMode {
		al.queue = make(chan *Event, queueSize)
		go al.drain()
	} else {
		close(al.done)
	}

	return al, nil
}

// Log records an audit event. A nil Logger discards events.
func (al *Logger) Log(event *Event) error {
	if al == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}

	if al.queue == nil {
		return al.writeEvent(event)
	}

	al.closeMu.RLock()
	defer al.closeMu.RUnlock()
	if al.closed {
		return fmt.Errorf("audit log is closed")
	}

	select {
	case al.queue <- event:
		return nil
	default:
		al.logger.Warn("audit queue full, dropping event", zap.String("action", event.Action))
		return fmt.Errorf("audit log queue is full")
	}
}

// drain writes queued events until Close closes the queue
func (al *Logger) drain() {
	defer close(al.done)
	for event := range al.queue {
		if err := al.writeEvent(event); err != nil {
			al.logger.Error("failed to write audit event", zap.Error(err))
		}
	}
}

// writeEvent writes event to database and file
func (al *Logger) writeEvent(event *Event) error {
	query := `
        INSERT INTO audit_log (
            timestamp, level, user_id, action, resource,
            ip_address, success, error_msg, metadata
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	var userID any
	if event.UserID != nil {
		userID = *event.UserID
	}

	id, err := al.db.InsertID(context.Background(), query,
		event.Timestamp.UTC().UnixMilli(),
		string(event.Level),
		userID,
		event.Action,
		event.Resource,
		event.IPAddress,
		event.Success,
		event.ErrorMsg,
		event.Metadata,
	)
	if err != nil {
		// Continue to write to file even if DB write fails
		al.logger.Error("failed to write audit event to database",
			zap.String("action", event.Action),
			zap.Error(err),
		)
	} else {
		event.ID = id
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	al.fileMu.Lock()
	defer al.fileMu.Unlock()
	if _, err := al.file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	return nil
}

// QueryLogs queries audit logs with filters, newest first
func (al *Logger) QueryLogs(ctx context.Context, filters QueryFilters) ([]*Event, error) {
	var (
		conds []string
		args  []any
	)
	where := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if filters.StartTime != nil {
		where("timestamp >= ?", filters.StartTime.UTC().UnixMilli())
	}
	if filters.EndTime != nil {
		where("timestamp <= ?", filters.EndTime.UTC().UnixMilli())
	}
	if filters.UserID != nil {
		where("user_id = ?", *filters.UserID)
	}
	if filters.Action != "" {
		where("action = ?", filters.Action)
	}
	if filters.Level != "" {
		where("level = ?", string(filters.Level))
	}

	query := `
        SELECT id, timestamp, level, user_id, action, resource,
               COALESCE(ip_address, ''), success, COALESCE(error_msg, ''), COALESCE(metadata, '')
        FROM audit_log`
	if len(conds) > 0 {
		query += "\n        WHERE " + strings.Join(conds, " AND ")
	}
	query += "\n        ORDER BY timestamp DESC, id DESC LIMIT ?"

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)

	rows, err := al.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			event     Event
			timestamp int64
			level     string
			userID    sql.NullInt64
		)
		err := rows.Scan(
			&event.ID,
			&timestamp,
			&level,
			&userID,
			&event.Action,
			&event.Resource,
			&event.IPAddress,
			&event.Success,
			&event.ErrorMsg,
			&event.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		event.Timestamp = time.UnixMilli(timestamp).UTC()
		event.Level = LogLevel(level)
		if userID.Valid {
			id := userID.Int64
			event.UserID = &id
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return events, nil
}

// Close flushes queued events and closes the log file
func (al *Logger) Close() error {
	if al == nil {
		return nil
	}
	if al.queue != nil {
		al.closeMu.Lock()
		if !al.closed {
			al.closed = true
			close(al.queue)
		}
		al.closeMu.Unlock()
	}
	<-al.done

	al.fileMu.Lock()
	defer al.fileMu.Unlock()
	return al.file.Close()
}
