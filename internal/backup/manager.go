// Package backup writes encrypted, compressed snapshots of the SQLite store.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/security"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

const (
	filePrefix = "backup_"
	fileSuffix = ".db.enc.gz"
)

type Manager struct {
	db            *database.DB
	backupDir     string
	sealer        *security.Sealer
	retentionDays int
	logger        *zap.Logger
	now           func() time.Time
}

// NewManager creates a new backup manager. Only SQLite stores can be backed up.
func NewManager(db *database.DB, backupDir string, encryptionKey string, retentionDays int, logger *zap.Logger) (*Manager, error) {
	if db.Driver() != database.DriverSQLite {
		return nil, errors.ErrBackupUnsupported
	}
	if encryptionKey == "" {
		return nil, fmt.Errorf("backup encryption key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sealer, err := security.NewSealer(encryptionKey)
	if err != nil {
		return nil, err
	}

	// Ensure backup directory exists with secure permissions
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Manager{
		db:            db,
		backupDir:     backupDir,
		sealer:        sealer,
		retentionDays: retentionDays,
		logger:        logger.Named("backup"),
		now:           time.Now,
	}, nil
}

// CreateBackup snapshots the database with VACUUM INTO, then encrypts and
// compresses the copy. It returns the path of the encrypted file.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	timestamp := m.now().UTC().Format("20060102_150405")
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	backupPath := filepath.Join(m.backupDir, fmt.Sprintf("%s%s_%s.db", filePrefix, timestamp, id))

	vacuumQuery := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(backupPath, "'", "''"))
	if _, err := m.db.ExecContext(ctx, vacuumQuery); err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrBackupFailed, err)
	}

	encryptedPath := strings.TrimSuffix(backupPath, ".db") + fileSuffix
	err := m.encryptAndCompressFile(backupPath, encryptedPath)
	os.Remove(backupPath)
	if err != nil {
		os.Remove(encryptedPath)
		return "", fmt.Errorf("failed to encrypt backup: %w", err)
	}

	if err := os.Chmod(encryptedPath, 0600); err != nil {
		return "", fmt.Errorf("failed to set file permissions: %w", err)
	}

	if err := m.createChecksumFile(encryptedPath); err != nil {
		return "", fmt.Errorf("failed to create checksum: %w", err)
	}

	m.logger.Info("backup created", zap.String("path", encryptedPath))
	return encryptedPath, nil
}

// encryptAndCompressFile encrypts and compresses a file
func (m *Manager) encryptAndCompressFile(srcPath, dstPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	ciphertext, err := m.sealer.Seal(plaintext)
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	gzWriter := gzip.NewWriter(dstFile)
	if _, err := gzWriter.Write(ciphertext); err != nil {
		gzWriter.Close()
		return fmt.Errorf("failed to write compressed data: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish compressed data: %w", err)
	}

	return dstFile.Sync()
}

// Decrypt returns the database image stored in an encrypted backup
func (m *Manager) Decrypt(backupPath string) ([]byte, error) {
	f, err := os.Open(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed backup: %w", err)
	}
	defer gzReader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gzReader); err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}

	plaintext, err := m.sealer.Open(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt backup: %w", err)
	}
	return plaintext, nil
}

// createChecksumFile creates SHA-256 checksum file
func (m *Manager) createChecksumFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(data)
	return os.WriteFile(filePath+".sha256", []byte(fmt.Sprintf("%x", hash)), 0600)
}

// VerifyBackup checks the stored checksum and that the backup decrypts with the configured key
func (m *Manager) VerifyBackup(backupPath string) error {
	storedChecksum, err := os.ReadFile(backupPath + ".sha256")
	if err != nil {
		return fmt.Errorf("failed to read checksum file: %w", err)
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	hash := sha256.Sum256(data)
	if fmt.Sprintf("%x", hash) != strings.TrimSpace(string(storedChecksum)) {
		return fmt.Errorf("checksum mismatch: backup file may be corrupted")
	}

	if _, err := m.Decrypt(backupPath); err != nil {
		return err
	}

	return nil
}

// CleanOldBackups removes backups older than the retention period and returns how many files were deleted
func (m *Manager) CleanOldBackups() (int, error) {
	if m.retentionDays <= 0 {
		return 0, nil
	}
	cutoffTime := m.now().AddDate(0, 0, -m.retentionDays)

	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	deletedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoffTime) {
			filePath := filepath.Join(m.backupDir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				m.logger.Warn("failed to delete old backup", zap.String("path", filePath), zap.Error(err))
				continue
			}
			deletedCount++
		}
	}

	if deletedCount > 0 {
		m.logger.Info("cleaned old backup files", zap.Int("count", deletedCount))
	}

	return deletedCount, nil
}

// StartAutomatedBackups starts automated backup scheduler
func (m *Manager) StartAutomatedBackups(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("automated backups started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping automated backups")
			return
		case <-ticker.C:
			if _, err := m.CreateBackup(ctx); err != nil {
				m.logger.Error("scheduled backup failed", zap.Error(err))
			}

			if _, err := m.CleanOldBackups(); err != nil {
				m.logger.Error("backup cleanup failed", zap.Error(err))
			}
		}
	}
}
