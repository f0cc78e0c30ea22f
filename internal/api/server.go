// Package api exposes the note services over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/service"
)

// maxBodyBytes bounds request bodies; note content itself is capped lower by validation
const maxBodyBytes = 4 << 20

type Deps struct {
	DB          *database.DB
	Auth        *service.AuthService
	Notes       *service.NoteService
	Admin       *service.AdminService
	RateLimiter *ratelimit.RateLimiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

type Server struct {
	db       *database.DB
	auth     *service.AuthService
	notes    *service.NoteService
	admin    *service.AdminService
	limiter  *ratelimit.RateLimiter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.NewRegistry()
	}
	return &Server{
		db:       d.DB,
		auth:     d.Auth,
		notes:    d.Notes,
		admin:    d.Admin,
		limiter:  d.RateLimiter,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		logger:   d.Logger.Named("http"),
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.requestID, s.observe, s.rateLimit)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	// Public routes
	api.HandleFunc("/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/login", s.handleLogin).Methods("POST")

	// Authenticated routes
	authed := api.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/logout", s.handleLogout).Methods("POST")
	authed.HandleFunc("/profile", s.handleProfile).Methods("GET")

	authed.HandleFunc("/notes", s.handleTree).Methods("GET")
	authed.HandleFunc("/notes", s.handleCreateNote).Methods("POST")
	authed.HandleFunc("/notes/{id:[0-9]+}", s.handleGetNote).Methods("GET")
	authed.HandleFunc("/notes/{id:[0-9]+}", s.handleSaveNote).Methods("PUT")
	authed.HandleFunc("/notes/{id:[0-9]+}", s.handleDeleteNote).Methods("DELETE")
	authed.HandleFunc("/notes/{id:[0-9]+}/lock", s.handleLockStatus).Methods("GET")
	authed.HandleFunc("/notes/{id:[0-9]+}/lock", s.handleLock).Methods("POST")
	authed.HandleFunc("/notes/{id:[0-9]+}/lock/refresh", s.handleRefreshLock).Methods("POST")
	authed.HandleFunc("/notes/{id:[0-9]+}/unlock", s.handleUnlock).Methods("POST")
	authed.HandleFunc("/notes/{id:[0-9]+}/move", s.handleMove).Methods("POST")
	authed.HandleFunc("/search", s.handleSearch).Methods("GET")

	// Admin routes
	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/summary", s.handleAdminSummary).Methods("GET")
	admin.HandleFunc("/users", s.handleAdminUsers).Methods("GET")
	admin.HandleFunc("/audit", s.handleAdminAudit).Methods("GET")
	admin.HandleFunc("/backup", s.handleAdminBackup).Methods("POST")

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
