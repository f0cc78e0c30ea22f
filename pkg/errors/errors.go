package errors

import (
	"errors"
	"fmt"
	"time"
)

// Custom error types for better error handling
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrForbidden          = errors.New("forbidden")
	ErrSessionExpired     = errors.New("session expired")
	ErrAccountLocked      = errors.New("account temporarily locked")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrWeakPassword    = errors.New("password does not meet requirements")
	ErrInvalidUsername = errors.New("invalid username format")

	// Database errors
	ErrDatabaseConnection = errors.New("database connection failed")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrRecordNotFound     = errors.New("record not found")

	// Note errors
	ErrNoteNotFound     = errors.New("note not found")
	ErrLockHeld         = errors.New("note is locked by another user")
	ErrNotLockHolder    = errors.New("you do not hold the lock on this note")
	ErrInvalidMove      = errors.New("invalid move")
	ErrCorruptHierarchy = errors.New("note hierarchy is corrupt")

	// Rate limiting errors
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Backup errors
	ErrBackupFailed      = errors.New("backup operation failed")
	ErrBackupUnsupported = errors.New("backup is only supported for sqlite")
)

// AppError wraps errors with additional context
type AppError struct {
	Err     error
	Message string
	Code    int
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(err error, message string, code int) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// LockHeldError reports the user currently holding an unexpired edit lock.
type LockHeldError struct {
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	if e.Holder == "" {
		return ErrLockHeld.Error()
	}
	return fmt.Sprintf("%s is currently editing this note", e.Holder)
}

func (e *LockHeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// InvalidMoveError carries the human-readable reason a re-parenting was rejected.
type InvalidMoveError struct {
	Reason string
}

func (e *InvalidMoveError) Error() string {
	return e.Reason
}

func (e *InvalidMoveError) Is(target error) bool {
	return target == ErrInvalidMove
}

// NewInvalidMove creates a move rejection with the given reason
func NewInvalidMove(reason string) *InvalidMoveError {
	return &InvalidMoveError{Reason: reason}
}

// Is and As re-export the standard helpers so callers only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
