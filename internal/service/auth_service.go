package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/repository"
	"github.com/HongyunQiu/QNotes/internal/security"
	"github.com/HongyunQiu/QNotes/pkg/errors"
	"github.com/HongyunQiu/QNotes/pkg/validator"
)

const (
	maxFailedLoginAttempts = 5
	accountLockDuration    = 30 * time.Minute
	defaultSessionTTL      = 12 * time.Hour
)

// ClientInfo identifies the caller of a request for auditing
type ClientInfo struct {
	IP        string
	UserAgent string
}

type AuthService struct {
	userRepo    *repository.UserRepository
	sessionRepo *repository.SessionRepository
	hasher      *security.PasswordHasher
	dummyHash   string
	validator   *validator.Validator
	rateLimiter *ratelimit.RateLimiter
	auditLogger *audit.Logger
	logger      *zap.Logger
	sessionTTL  time.Duration
	now         func() time.Time
}

type AuthOption func(*AuthService)

func WithSessionTTL(ttl time.Duration) AuthOption {
	return func(s *AuthService) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithHasher replaces the default Argon2id cost settings
func WithHasher(h *security.PasswordHasher) AuthOption {
	return func(s *AuthService) { s.hasher = h }
}

func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

// NewAuthService creates a new authentication service
func NewAuthService(
	db database.Querier,
	rateLimiter *ratelimit.RateLimiter,
	auditLogger *audit.Logger,
	logger *zap.Logger,
	opts ...AuthOption,
) (*AuthService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AuthService{
		userRepo:    repository.NewUserRepository(db),
		sessionRepo: repository.NewSessionRepository(db),
		hasher:      security.NewPasswordHasher(),
		validator:   validator.New(),
		rateLimiter: rateLimiter,
		auditLogger: auditLogger,
		logger:      logger.Named("auth"),
		sessionTTL:  defaultSessionTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Unknown usernames are verified against this hash so both paths cost the same
	dummy, err := s.hasher.Hash("qnotes-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}
	s.dummyHash = dummy

	return s, nil
}

// Register creates an account and signs it in. The first account becomes the administrator.
func (s *AuthService) Register(ctx context.Context, req *models.CreateUserRequest, client ClientInfo) (*models.LoginResponse, error) {
	if err := s.rateLimiter.CheckLimit("register:" + client.IP); err != nil {
		s.auditLogger.Log(&audit.Event{
			Level:     audit.LevelWarning,
			Action:    audit.ActionRateLimited,
			Resource:  "auth",
			IPAddress: client.IP,
			ErrorMsg:  "register rate limit exceeded",
		})
		return nil, err
	}

	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	username := s.validator.NormalizeUsername(req.Username)
	if err := s.validator.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	if _, err := s.userRepo.GetByUsername(ctx, username); err == nil {
		s.auditLogger.Log(&audit.Event{
			Level:     audit.LevelWarning,
			Action:    audit.ActionRegister,
			Resource:  "auth",
			IPAddress: client.IP,
			ErrorMsg:  "username already exists",
			Metadata:  username,
		})
		return nil, errors.ErrUserAlreadyExists
	} else if !errors.Is(err, errors.ErrUserNotFound) {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, errors.ErrUserAlreadyExists
		}
		return nil, err
	}

	promoted, err := s.userRepo.EnsureAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if promoted {
		if user, err = s.userRepo.GetByID(ctx, user.ID); err != nil {
			return nil, err
		}
		s.logger.Info("promoted first user to admin", zap.String("username", user.Username))
	}

	s.auditLogger.Log(&audit.Event{
		UserID:    &user.ID,
		Action:    audit.ActionRegister,
		Resource:  "auth",
		IPAddress: client.IP,
		Success:   true,
	})

	return s.startSession(ctx, user, client)
}

// Login verifies credentials and issues a session token
func (s *AuthService) Login(ctx context.Context, req *models.LoginRequest, client ClientInfo) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	username := s.validator.NormalizeUsername(req.Username)

	// Rate limiting per username
	if err := s.rateLimiter.CheckLimit("login:" + username); err != nil {
		s.auditLogger.Log(&audit.Event{
			Level:     audit.LevelWarning,
			Action:    audit.ActionRateLimited,
			Resource:  "auth",
			IPAddress: client.IP,
			ErrorMsg:  "login rate limit exceeded",
			Metadata:  username,
		})
		return nil, err
	}

	user, err := s.userRepo.GetByUsername(ctx, username)
	if errors.Is(err, errors.ErrUserNotFound) {
		s.hasher.Verify(req.Password, s.dummyHash)
		s.loginFailed(nil, client, "unknown user", username)
		return nil, errors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		s.loginFailed(&user.ID, client, "account locked", "")
		return nil, errors.ErrAccountLocked
	}

	valid, err := s.hasher.Verify(req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash is unreadable", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	if !valid {
		attempts, err := s.userRepo.IncrementFailedLogins(ctx, user.ID)
		if err != nil {
			return nil, err
		}

		if attempts >= maxFailedLoginAttempts {
			if err := s.userRepo.LockAccount(ctx, user.ID, now.Add(accountLockDuration)); err != nil {
				return nil, err
			}
			s.auditLogger.Log(&audit.Event{
				Level:     audit.LevelCritical,
				UserID:    &user.ID,
				Action:    audit.ActionLogin,
				Resource:  "auth",
				IPAddress: client.IP,
				ErrorMsg:  fmt.Sprintf("account locked after %d failed attempts", attempts),
			})
		}

		s.loginFailed(&user.ID, client, "invalid password", "")
		return nil, errors.ErrInvalidCredentials
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLogin = &now
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil

	s.auditLogger.Log(&audit.Event{
		UserID:    &user.ID,
		Action:    audit.ActionLogin,
		Resource:  "auth",
		IPAddress: client.IP,
		Success:   true,
	})

	return s.startSession(ctx, user, client)
}

func (s *AuthService) loginFailed(userID *int64, client ClientInfo, reason, username string) {
	s.auditLogger.Log(&audit.Event{
		Level:     audit.LevelWarning,
		UserID:    userID,
		Action:    audit.ActionLogin,
		Resource:  "auth",
		IPAddress: client.IP,
		ErrorMsg:  reason,
		Metadata:  username,
	})
}

func (s *AuthService) startSession(ctx context.Context, user *models.User, client ClientInfo) (*models.LoginResponse, error) {
	token, hash, err := security.NewSessionToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &models.Session{
		UserID:    user.ID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessionRepo.Create(ctx, session, client.IP, client.UserAgent); err != nil {
		return nil, err
	}

	return &models.LoginResponse{
		User:      user,
		Token:     token,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Authenticate resolves a bearer token to its user
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, errors.ErrUnauthorized
	}

	session, err := s.sessionRepo.GetValid(ctx, security.HashToken(token), s.now().UTC())
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.GetByID(ctx, session.UserID)
	if errors.Is(err, errors.ErrUserNotFound) {
		return nil, errors.ErrUnauthorized
	}
	return user, err
}

// Logout ends the session behind token
func (s *AuthService) Logout(ctx context.Context, token string, userID int64, client ClientInfo) error {
	if err := s.sessionRepo.Delete(ctx, security.HashToken(token)); err != nil {
		return err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:    &userID,
		Action:    audit.ActionLogout,
		Resource:  "auth",
		IPAddress: client.IP,
		Success:   true,
	})
	return nil
}

// CleanupSessions purges expired sessions
func (s *AuthService) CleanupSessions(ctx context.Context) (int64, error) {
	n, err := s.sessionRepo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("removed expired sessions", zap.Int64("count", n))
	}
	return n, nil
}

// StartSessionCleanup purges expired sessions every interval until ctx is done
func (s *AuthService) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupSessions(ctx); err != nil {
				s.logger.Warn("session cleanup failed", zap.Error(err))
			}
		}
	}
}

// EnsureAdmin promotes the earliest account when no administrator exists
func (s *AuthService) EnsureAdmin(ctx context.Context) error {
	promoted, err := s.userRepo.EnsureAdmin(ctx)
	if err != nil {
		return err
	}
	if promoted {
		s.logger.Info("promoted earliest user to admin")
	}
	return nil
}

// Users lists accounts with their note counts
func (s *AuthService) Users(ctx context.Context) ([]*models.UserSummary, error) {
	return s.userRepo.ListWithNoteCounts(ctx)
}
