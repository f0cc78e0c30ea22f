package audit

import "time"

type LogLevel string

const (
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// Actions recorded by the services
const (
	ActionRegister      = "REGISTER"
	ActionLogin         = "LOGIN"
	ActionLogout        = "LOGOUT"
	ActionNoteCreate    = "NOTE_CREATE"
	ActionNoteSave      = "NOTE_SAVE"
	ActionNoteMove      = "NOTE_MOVE"
	ActionNoteDelete    = "NOTE_DELETE"
	ActionLockAcquire   = "LOCK_ACQUIRE"
	ActionLockRelease   = "LOCK_RELEASE"
	ActionRateLimited   = "RATE_LIMITED"
	ActionBackup        = "BACKUP"
	ActionLoginFailures = "FAILED_LOGIN_THRESHOLD"
)

type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	UserID    *int64    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
}

type QueryFilters struct {
	StartTime *time.Time
	EndTime   *time.Time
	UserID    *int64
	Action    string
	Level     LogLevel
	Limit     int
}
