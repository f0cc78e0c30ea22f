package api

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			return errors.NewAppError(errors.ErrInvalidInput, "request body is required", http.StatusBadRequest)
		}
		return errors.NewAppError(errors.ErrInvalidInput, "invalid request body", http.StatusBadRequest)
	}
	return nil
}

func noteID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewAppError(errors.ErrInvalidInput, "invalid note id", http.StatusBadRequest)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewAppError(errors.ErrInvalidInput, key+" must be an integer", http.StatusBadRequest)
	}
	return n, nil
}

// Auth

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.auth.Register(r.Context(), &req, clientInfo(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.auth.Login(r.Context(), &req, clientInfo(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.auth.Logout(r.Context(), tokenFrom(r.Context()), user.ID, clientInfo(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"user": userFrom(r.Context())})
}

// Notes

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.notes.Tree(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req models.CreateNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Create(r.Context(), userFrom(r.Context()).ID, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"note": note})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"note": note})
}

func (s *Server) handleSaveNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req models.SaveNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Save(r.Context(), id, userFrom(r.Context()).ID, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"note": note})
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.notes.Delete(r.Context(), id, userFrom(r.Context()).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req models.MoveNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ParentID != nil && *req.ParentID <= 0 {
		s.writeError(w, r, errors.NewAppError(errors.ErrInvalidInput, "invalid parent id", http.StatusBadRequest))
		return
	}

	if err := s.notes.Move(r.Context(), id, userFrom(r.Context()).ID, req.ParentID); err != nil {
		s.writeError(w, r, err)
		return
	}

	note, err := s.notes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"note": note})
}

// Locks

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.notes.AcquireLock(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lock": info})
}

func (s *Server) handleRefreshLock(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.notes.RefreshLock(r.Context(), id, userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lock": info})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.notes.ReleaseLock(r.Context(), id, userFrom(r.Context()).ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	id, err := noteID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.notes.LockStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lock": info})
}

// Search

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.notes.Search(r.Context(), models.SearchQuery{
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Admin

func (s *Server) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.admin.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.admin.Users(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := audit.QueryFilters{
		Action: q.Get("action"),
		Level:  audit.LogLevel(q.Get("level")),
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filters.Limit = limit

	if raw := q.Get("user_id"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, errors.NewAppError(errors.ErrInvalidInput, "user_id must be an integer", http.StatusBadRequest))
			return
		}
		filters.UserID = &uid
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, errors.NewAppError(errors.ErrInvalidInput, "since must be an RFC 3339 time", http.StatusBadRequest))
			return
		}
		filters.StartTime = &since
	}

	events, err := s.admin.AuditLog(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAdminBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.admin.Backup(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"backup": filepath.Base(path)})
}
