package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/pkg/errors"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type lockHeldBody struct {
	Error         string    `json:"error"`
	Holder        string    `json:"holder"`
	LockExpiresAt time.Time `json:"lock_expires_at"`
}

// writeError maps a service error onto its HTTP status. Anything unrecognised is
// logged and reported as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var held *errors.LockHeldError
	if errors.As(err, &held) {
		respondJSON(w, http.StatusLocked, lockHeldBody{
			Error:         held.Error(),
			Holder:        held.Holder,
			LockExpiresAt: held.ExpiresAt,
		})
		return
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Code != 0 {
		msg := appErr.Message
		if msg == "" {
			msg = appErr.Err.Error()
		}
		respondError(w, appErr.Code, msg)
		return
	}

	switch {
	case errors.Is(err, errors.ErrNoteNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrLockHeld):
		respondError(w, http.StatusLocked, err.Error())
	case errors.Is(err, errors.ErrNotLockHolder):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errors.ErrInvalidMove):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrCorruptHierarchy):
		s.logger.Error("corrupt note hierarchy", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusConflict, errors.ErrCorruptHierarchy.Error())
	case errors.Is(err, errors.ErrInvalidInput),
		errors.Is(err, errors.ErrWeakPassword),
		errors.Is(err, errors.ErrInvalidUsername):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, errors.ErrUnauthorized), errors.Is(err, errors.ErrSessionExpired):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, errors.ErrAccountLocked), errors.Is(err, errors.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errors.ErrUserAlreadyExists):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrUserNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrRateLimitExceeded):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errors.ErrBackupUnsupported):
		respondError(w, http.StatusNotImplemented, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
