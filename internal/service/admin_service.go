package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/backup"
	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/internal/repository"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

// Summary is the admin dashboard overview
type Summary struct {
	models.NoteStats
	Users         int    `json:"users"`
	DatabaseBytes int64  `json:"database_bytes"`
	Driver        string `json:"driver"`
}

type AdminService struct {
	db          *database.DB
	userRepo    *repository.UserRepository
	noteRepo    *repository.NoteRepository
	backups     *backup.Manager
	auditLogger *audit.Logger
	logger      *zap.Logger
	now         func() time.Time
}

// NewAdminService creates the admin service. backups may be nil when backups are not configured.
func NewAdminService(db *database.DB, backups *backup.Manager, auditLogger *audit.Logger, logger *zap.Logger) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		db:          db,
		userRepo:    repository.NewUserRepository(db),
		noteRepo:    repository.NewNoteRepository(db),
		backups:     backups,
		auditLogger: auditLogger,
		logger:      logger.Named("admin"),
		now:         time.Now,
	}
}

// Summary counts users and notes and reports the store size
func (s *AdminService) Summary(ctx context.Context) (*Summary, error) {
	users, err := s.userRepo.Count(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := s.noteRepo.Stats(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}

	size, err := database.Size(ctx, s.db)
	if err != nil {
		// Size is informational only
		s.logger.Warn("failed to measure database size", zap.Error(err))
	}

	return &Summary{
		Users:         users,
		NoteStats:     stats,
		DatabaseBytes: size,
		Driver:        string(s.db.Driver()),
	}, nil
}

// Users lists accounts with their note counts
func (s *AdminService) Users(ctx context.Context) ([]*models.UserSummary, error) {
	users, err := s.userRepo.ListWithNoteCounts(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*models.UserSummary{}
	}
	return users, nil
}

// AuditLog returns recent audit events
func (s *AdminService) AuditLog(ctx context.Context, filters audit.QueryFilters) ([]*audit.Event, error) {
	if s.auditLogger == nil {
		return []*audit.Event{}, nil
	}
	return s.auditLogger.QueryLogs(ctx, filters)
}

// Backup writes an encrypted snapshot and returns its path
func (s *AdminService) Backup(ctx context.Context, userID int64) (string, error) {
	if s.backups == nil {
		return "", errors.ErrBackupUnsupported
	}

	path, err := s.backups.CreateBackup(ctx)
	event := &audit.Event{
		UserID:   &userID,
		Action:   audit.ActionBackup,
		Resource: "database",
		Success:  err == nil,
	}
	if err != nil {
		event.Level = audit.LevelError
		event.ErrorMsg = err.Error()
	}
	s.auditLogger.Log(event)

	return path, err
}
