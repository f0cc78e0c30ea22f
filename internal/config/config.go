package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/HongyunQiu/QNotes/internal/database"
)

type Config struct {
	// Database configuration
	DBDriver        database.Driver
	DBPath          string
	DBEncryptionKey string
	DatabaseURL     string

	// HTTP server
	ListenAddr string

	// Edit locks
	LockDuration      time.Duration
	LockSweepInterval time.Duration

	// Sessions
	SessionTTL time.Duration

	// Backup configuration
	BackupDir           string
	BackupEncryptionKey string
	BackupInterval      time.Duration
	BackupRetentionDays int

	// Audit configuration
	AuditLogPath   string
	AuditAsyncMode bool

	// Rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	// Application settings
	Environment string
	LogLevel    string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (not required in production)
	godotenv.Load()

	driver, err := database.ParseDriver(getEnv("DB_DRIVER", "sqlite"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		DBDriver:            driver,
		DBPath:              getEnv("DB_PATH", "./data/qnotes.db"),
		DBEncryptionKey:     getEnv("DB_ENCRYPTION_KEY", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		ListenAddr:          getEnv("LISTEN_ADDR", ":3000"),
		LockDuration:        time.Duration(getEnvAsInt("LOCK_DURATION_SECONDS", 300)) * time.Second,
		LockSweepInterval:   time.Duration(getEnvAsInt("LOCK_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		SessionTTL:          time.Duration(getEnvAsInt("SESSION_TTL_HOURS", 12)) * time.Hour,
		BackupDir:           getEnv("BACKUP_DIR", "./backups"),
		BackupEncryptionKey: getEnv("BACKUP_ENCRYPTION_KEY", ""),
		BackupInterval:      time.Duration(getEnvAsInt("BACKUP_INTERVAL_HOURS", 24)) * time.Hour,
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		AuditLogPath:        getEnv("AUDIT_LOG_PATH", "./logs/audit.log"),
		AuditAsyncMode:      getEnvAsBool("AUDIT_ASYNC_MODE", true),
		RateLimitRPS:        getEnvAsInt("RATE_LIMIT_REQUESTS_PER_SECOND", 10),
		RateLimitBurst:      getEnvAsInt("RATE_LIMIT_BURST", 20),
		Environment:         getEnv("APP_ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	// Validate critical configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	switch c.DBDriver {
	case database.DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is postgres")
		}
	case database.DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required")
		}
		if c.DBEncryptionKey != "" && len(c.DBEncryptionKey) < 32 {
			return fmt.Errorf("DB_ENCRYPTION_KEY must be at least 32 characters")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	if c.LockDuration <= 0 {
		return fmt.Errorf("LOCK_DURATION_SECONDS must be positive")
	}

	if c.LockSweepInterval < 0 {
		return fmt.Errorf("LOCK_SWEEP_INTERVAL_SECONDS must not be negative")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}

	if c.BackupEncryptionKey != "" && len(c.BackupEncryptionKey) < 32 {
		return fmt.Errorf("BACKUP_ENCRYPTION_KEY must be at least 32 characters")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}

	return nil
}

// Database returns the connection settings for the configured driver
func (c *Config) Database() database.Config {
	return database.Config{
		Driver:        c.DBDriver,
		Path:          c.DBPath,
		EncryptionKey: c.DBEncryptionKey,
		URL:           c.DatabaseURL,
		MaxOpenConns:  25,
		MaxIdleConns:  5,
		MaxLifetime:   5 * time.Minute,
		MaxIdleTime:   10 * time.Minute,
	}
}

// BackupsEnabled reports whether scheduled backups should run
func (c *Config) BackupsEnabled() bool {
	return c.DBDriver == database.DriverSQLite && c.BackupEncryptionKey != "" && c.BackupInterval > 0
}

// IsProduction reports whether APP_ENV names a production deployment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
