package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/backup"
	"github.com/HongyunQiu/QNotes/internal/config"
	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/lock"
	"github.com/HongyunQiu/QNotes/internal/logger"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/service"
)

type Application struct {
	config       *config.Config
	logger       *zap.Logger
	db           *database.DB
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	locks        *lock.Manager
	authService  *service.AuthService
	noteService  *service.NoteService
	adminService *service.AdminService
	auditLogger  *audit.Logger
	auditMonitor *audit.Monitor
	backupMgr    *backup.Manager
	rateLimiter  *ratelimit.RateLimiter
}

// loadConfig reads the environment and builds the process logger
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

// openDatabase connects and applies the schema
func openDatabase(ctx context.Context, cfg *config.Config, log *zap.Logger) (*database.DB, error) {
	db, err := database.Connect(cfg.Database())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database ready", zap.String("driver", string(db.Driver())))
	return db, nil
}

// initializeApplication sets up all application components
func initializeApplication(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Application, error) {
	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(db, cfg.AuditLogPath, cfg.AuditAsyncMode, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.SQL(), "qnotes"),
	)
	m := metrics.New(registry)

	rateLimiter := ratelimit.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	locks := lock.NewManager(db, cfg.LockDuration, log, lock.WithMetrics(m))

	authService, err := service.NewAuthService(db, rateLimiter, auditLogger, log, service.WithSessionTTL(cfg.SessionTTL))
	if err != nil {
		auditLogger.Close()
		db.Close()
		return nil, err
	}
	noteService := service.NewNoteService(db, locks, rateLimiter, auditLogger, log, service.WithNoteMetrics(m))

	var backupMgr *backup.Manager
	if cfg.DBDriver == database.DriverSQLite && cfg.BackupEncryptionKey != "" {
		backupMgr, err = backup.NewManager(db, cfg.BackupDir, cfg.BackupEncryptionKey, cfg.BackupRetentionDays, log)
		if err != nil {
			auditLogger.Close()
			db.Close()
			return nil, fmt.Errorf("failed to initialize backup manager: %w", err)
		}
	}

	return &Application{
		config:       cfg,
		logger:       log,
		db:           db,
		registry:     registry,
		metrics:      m,
		locks:        locks,
		authService:  authService,
		noteService:  noteService,
		adminService: service.NewAdminService(db, backupMgr, auditLogger, log),
		auditLogger:  auditLogger,
		auditMonitor: audit.NewMonitor(auditLogger, log),
		backupMgr:    backupMgr,
		rateLimiter:  rateLimiter,
	}, nil
}

// cleanup flushes the audit queue and closes the database
func (app *Application) cleanup() {
	app.logger.Info("shutting down")

	if app.auditLogger != nil {
		if err := app.auditLogger.Close(); err != nil {
			app.logger.Warn("failed to close audit log", zap.Error(err))
		}
	}

	if app.db != nil {
		app.db.Close()
	}

	app.logger.Sync()
}
