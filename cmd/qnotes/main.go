package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/api"
	"github.com/HongyunQiu/QNotes/internal/backup"
)

const (
	shutdownTimeout        = 5 * time.Second
	sessionCleanupInterval = 15 * time.Minute
	limiterCleanupInterval = time.Hour
	auditMonitorInterval   = 5 * time.Minute
)

var reindexAll bool

var rootCmd = &cobra.Command{
	Use:   "qnotes",
	Short: "Collaborative hierarchical notes server",
	Long: `QNotes serves a shared tree of block-structured notes over HTTP.

Editing is coordinated with lease-based locks: one user edits a note at a
time, and an abandoned lock expires on its own.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute the search text of notes",
	Long: `Recompute content_text for notes that lack it.

Examples:
  qnotes reindex          # only notes never indexed
  qnotes reindex --all    # every note`,
	RunE: runReindex,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write an encrypted snapshot of the SQLite database",
	RunE:  runBackup,
}

var verifyBackupCmd = &cobra.Command{
	Use:   "verify-backup <file>",
	Short: "Check a backup's checksum and decrypt it",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerifyBackup,
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexAll, "all", false, "Recompute every note, not only unindexed ones")

	rootCmd.AddCommand(serveCmd, migrateCmd, reindexCmd, backupCmd, verifyBackupCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := initializeApplication(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize application", zap.Error(err))
		return err
	}
	defer app.cleanup()

	if err := app.authService.EnsureAdmin(ctx); err != nil {
		return err
	}

	// Older rows may predate the search projection
	if n, err := app.noteService.Backfill(ctx, false); err != nil {
		log.Warn("search backfill failed", zap.Error(err))
	} else if n > 0 {
		log.Info("indexed notes", zap.Int("count", n))
	}

	if cfg.LockSweepInterval > 0 {
		go app.locks.StartSweeper(ctx, cfg.LockSweepInterval)
	}
	go app.authService.StartSessionCleanup(ctx, sessionCleanupInterval)
	go app.rateLimiter.StartCleanupWorker(ctx, limiterCleanupInterval)
	go app.auditMonitor.Start(ctx, auditMonitorInterval)
	if cfg.BackupsEnabled() && app.backupMgr != nil {
		go app.backupMgr.StartAutomatedBackups(ctx, cfg.BackupInterval)
	}

	server := api.NewServer(api.Deps{
		DB:          app.db,
		Auth:        app.authService,
		Notes:       app.noteService,
		Admin:       app.adminService,
		RateLimiter: app.rateLimiter,
		Metrics:     app.metrics,
		Gatherer:    app.registry,
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Duration("lock_lease", cfg.LockDuration))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := openDatabase(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := initializeApplication(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	n, err := app.noteService.Backfill(cmd.Context(), reindexAll)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d notes\n", n)
	return nil
}

func backupManager(cmd *cobra.Command) (*backup.Manager, func(), error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDatabase(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := backup.NewManager(db, cfg.BackupDir, cfg.BackupEncryptionKey, cfg.BackupRetentionDays, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return mgr, func() { db.Close(); log.Sync() }, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	mgr, done, err := backupManager(cmd)
	if err != nil {
		return err
	}
	defer done()

	path, err := mgr.CreateBackup(cmd.Context())
	if err != nil {
		return err
	}
	if _, err := mgr.CleanOldBackups(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runVerifyBackup(cmd *cobra.Command, args []string) error {
	mgr, done, err := backupManager(cmd)
	if err != nil {
		return err
	}
	defer done()

	if err := mgr.VerifyBackup(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
	return nil
}
