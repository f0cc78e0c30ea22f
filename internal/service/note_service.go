package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/indexer"
	"github.com/HongyunQiu/QNotes/internal/lock"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/repository"
	"github.com/HongyunQiu/QNotes/internal/search"
	"github.com/HongyunQiu/QNotes/internal/tree"
	"github.com/HongyunQiu/QNotes/pkg/errors"
	"github.com/HongyunQiu/QNotes/pkg/validator"
)

const backfillBatch = 100

var emptyContent = json.RawMessage(`{}`)

type NoteService struct {
	noteRepo    *repository.NoteRepository
	txManager   *database.TransactionManager
	locks       *lock.Manager
	validator   *validator.Validator
	rateLimiter *ratelimit.RateLimiter
	auditLogger *audit.Logger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type NoteOption func(*NoteService)

func WithNoteClock(now func() time.Time) NoteOption {
	return func(s *NoteService) { s.now = now }
}

func WithNoteMetrics(m *metrics.Metrics) NoteOption {
	return func(s *NoteService) { s.metrics = m }
}

// NewNoteService creates a new note service
func NewNoteService(
	db *database.DB,
	locks *lock.Manager,
	rateLimiter *ratelimit.RateLimiter,
	auditLogger *audit.Logger,
	logger *zap.Logger,
	opts ...NoteOption,
) *NoteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NoteService{
		noteRepo:    repository.NewNoteRepository(db),
		txManager:   database.NewTransactionManager(db, logger),
		locks:       locks,
		validator:   validator.New(),
		rateLimiter: rateLimiter,
		auditLogger: auditLogger,
		logger:      logger.Named("notes"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func noteResource(id int64) string {
	return "note:" + strconv.FormatInt(id, 10)
}

// Tree returns every note arranged as a forest
func (s *NoteService) Tree(ctx context.Context) ([]*models.TreeNode, error) {
	s.locks.Sweep(ctx)

	nodes, err := s.noteRepo.ListSummaries(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return tree.Build(nodes), nil
}

// Get returns a note with its live lock state. An expired lease is reported as unlocked.
func (s *NoteService) Get(ctx context.Context, id int64) (*models.Note, error) {
	s.locks.Sweep(ctx)

	note, err := s.noteRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !note.Locked(s.now().UTC()) {
		note.LockUserID = nil
		note.LockUsername = ""
		note.LockExpiresAt = nil
	}
	return note, nil
}

// Create adds an unlocked note, optionally under an existing parent
func (s *NoteService) Create(ctx context.Context, userID int64, req *models.CreateNoteRequest) (*models.Note, error) {
	if err := s.rateLimiter.CheckLimit(fmt.Sprintf("note_create:%d", userID)); err != nil {
		s.auditLogger.Log(&audit.Event{
			Level:    audit.LevelWarning,
			UserID:   &userID,
			Action:   audit.ActionRateLimited,
			Resource: "notes",
			ErrorMsg: "note create rate limit exceeded",
		})
		return nil, err
	}

	req.Title = s.validator.SanitizeString(req.Title)
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateNoteTitle(req.Title); err != nil {
		return nil, err
	}

	content, err := s.checkContent(req.Content)
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = emptyContent
	}

	keywords, err := s.checkKeywords(req.Keywords)
	if err != nil {
		return nil, err
	}
	if keywords == nil {
		keywords = []string{}
	}

	if req.ParentID != nil {
		exists, err := s.noteRepo.Exists(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.NewAppError(errors.ErrInvalidInput, "parent note not found", 400)
		}
	}

	now := s.now().UTC()
	note := &models.Note{
		ParentID:    req.ParentID,
		Title:       req.Title,
		Content:     content,
		ContentText: indexer.ContentText(content, keywords),
		Keywords:    keywords,
		OwnerID:     userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.noteRepo.Create(ctx, note); err != nil {
		return nil, err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:   &userID,
		Action:   audit.ActionNoteCreate,
		Resource: noteResource(note.ID),
		Success:  true,
	})

	return s.noteRepo.GetByID(ctx, note.ID)
}

// checkContent validates a client document. It returns nil when no document was sent.
func (s *NoteService) checkContent(content json.RawMessage) (json.RawMessage, error) {
	if len(content) == 0 || string(content) == "null" {
		return nil, nil
	}
	if err := s.validator.ValidateNoteContent(content); err != nil {
		return nil, err
	}
	if !json.Valid(content) {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "content must be a JSON document", 400)
	}
	return content, nil
}

// checkKeywords trims and validates keywords. It returns nil when none were sent.
func (s *NoteService) checkKeywords(keywords []string) ([]string, error) {
	if keywords == nil {
		return nil, nil
	}
	clean := indexer.SanitizeKeywords(keywords)
	if err := s.validator.ValidateKeywords(clean); err != nil {
		return nil, err
	}
	return clean, nil
}

// Save applies a partial update and recomputes the search text in the same
// transaction. It fails with a *LockHeldError when another user holds a live lock.
func (s *NoteService) Save(ctx context.Context, noteID, userID int64, req *models.SaveNoteRequest) (*models.Note, error) {
	if err := s.rateLimiter.CheckLimit(fmt.Sprintf("note_save:%d", userID)); err != nil {
		return nil, err
	}

	if req.Title != nil {
		title := s.validator.SanitizeString(*req.Title)
		if err := s.validator.ValidateNoteTitle(title); err != nil {
			return nil, err
		}
		req.Title = &title
	}
	content, err := s.checkContent(req.Content)
	if err != nil {
		return nil, err
	}
	keywords, err := s.checkKeywords(req.Keywords)
	if err != nil {
		return nil, err
	}

	s.locks.Sweep(ctx)

	err = s.txManager.Execute(ctx, "save note", func(tx *database.Tx) error {
		notes := s.noteRepo.WithTx(tx)

		note, err := notes.GetByID(ctx, noteID)
		if err != nil {
			return err
		}

		if req.Title != nil {
			note.Title = *req.Title
		}
		if content != nil {
			note.Content = content
		}
		if keywords != nil {
			note.Keywords = keywords
		}
		now := s.now().UTC()
		note.ContentText = indexer.ContentText(note.Content, note.Keywords)
		note.UpdatedAt = now

		saved, err := notes.SaveUnlessLocked(ctx, note, userID, now)
		if err != nil {
			return err
		}
		if saved {
			return nil
		}

		if err := lock.Conflict(ctx, tx, noteID, now); err != nil {
			return err
		}
		return errors.ErrLockHeld
	})
	if err != nil {
		if errors.Is(err, errors.ErrLockHeld) {
			s.auditLogger.Log(&audit.Event{
				Level:    audit.LevelWarning,
				UserID:   &userID,
				Action:   audit.ActionNoteSave,
				Resource: noteResource(noteID),
				ErrorMsg: err.Error(),
			})
		}
		return nil, err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:   &userID,
		Action:   audit.ActionNoteSave,
		Resource: noteResource(noteID),
		Success:  true,
	})

	return s.Get(ctx, noteID)
}

// Move re-parents a note after checking a single snapshot of the hierarchy for cycles.
// A nil parent moves the note to the root.
func (s *NoteService) Move(ctx context.Context, noteID, userID int64, parentID *int64) error {
	err := s.txManager.Execute(ctx, "move note", func(tx *database.Tx) error {
		notes := s.noteRepo.WithTx(tx)

		snapshot, err := notes.ParentLinks(ctx)
		if err != nil {
			return err
		}
		if err := tree.ValidateMove(tree.Links(snapshot), noteID, parentID); err != nil {
			return err
		}
		return notes.SetParent(ctx, noteID, parentID)
	})
	s.metrics.ObserveMove(err)

	event := &audit.Event{
		UserID:   &userID,
		Action:   audit.ActionNoteMove,
		Resource: noteResource(noteID),
		Success:  err == nil,
	}
	if parentID != nil {
		event.Metadata = "parent:" + strconv.FormatInt(*parentID, 10)
	}
	if err != nil {
		event.Level = audit.LevelWarning
		event.ErrorMsg = err.Error()
	}
	s.auditLogger.Log(event)

	if errors.Is(err, errors.ErrCorruptHierarchy) {
		s.logger.Error("hierarchy walk exceeded bound", zap.Int64("note_id", noteID))
	}
	return err
}

// Delete removes a note and, through the schema cascade, its whole subtree
func (s *NoteService) Delete(ctx context.Context, noteID, userID int64) error {
	if err := s.noteRepo.Delete(ctx, noteID); err != nil {
		return err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:   &userID,
		Action:   audit.ActionNoteDelete,
		Resource: noteResource(noteID),
		Success:  true,
	})
	return nil
}

// AcquireLock starts or extends an edit session on a note
func (s *NoteService) AcquireLock(ctx context.Context, noteID, userID int64) (*models.LockInfo, error) {
	info, err := s.locks.Acquire(ctx, noteID, userID)
	if err != nil {
		return nil, err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:   &userID,
		Action:   audit.ActionLockAcquire,
		Resource: noteResource(noteID),
		Success:  true,
	})
	return info, nil
}

// RefreshLock extends the caller's lease without auditing every heartbeat
func (s *NoteService) RefreshLock(ctx context.Context, noteID, userID int64) (*models.LockInfo, error) {
	return s.locks.Refresh(ctx, noteID, userID)
}

// ReleaseLock ends the caller's edit session
func (s *NoteService) ReleaseLock(ctx context.Context, noteID, userID int64) error {
	if err := s.locks.Release(ctx, noteID, userID); err != nil {
		return err
	}

	s.auditLogger.Log(&audit.Event{
		UserID:   &userID,
		Action:   audit.ActionLockRelease,
		Resource: noteResource(noteID),
		Success:  true,
	})
	return nil
}

// LockStatus returns the live lock on a note, or nil
func (s *NoteService) LockStatus(ctx context.Context, noteID int64) (*models.LockInfo, error) {
	return s.locks.Status(ctx, noteID)
}

// Search finds notes whose title, content text or keywords contain the query,
// most recently updated first. A blank query yields no items.
func (s *NoteService) Search(ctx context.Context, q models.SearchQuery) (*models.SearchResult, error) {
	query := strings.TrimSpace(q.Query)
	result := &models.SearchResult{
		Query:  query,
		Items:  []models.SearchItem{},
		Limit:  search.ClampLimit(q.Limit),
		Offset: q.Offset,
	}

	if q.Offset < 0 {
		return nil, errors.NewAppError(errors.ErrInvalidInput, "offset must not be negative", 400)
	}
	if query == "" {
		return result, nil
	}

	start := time.Now()
	hits, err := s.noteRepo.Search(ctx, search.LikePattern(query), result.Limit, result.Offset)
	s.metrics.ObserveSearch(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	for _, hit := range hits {
		result.Items = append(result.Items, search.Item(query, hit))
	}
	return result, nil
}

// Backfill computes the search text of notes that have none. With all set it
// recomputes every note. It returns how many rows changed.
func (s *NoteService) Backfill(ctx context.Context, all bool) (int, error) {
	var (
		afterID int64
		updated int
	)
	for {
		batch, err := s.noteRepo.MissingContentText(ctx, afterID, backfillBatch, all)
		if err != nil {
			return updated, err
		}
		if len(batch) == 0 {
			break
		}

		for _, note := range batch {
			afterID = note.ID
			text := indexer.ContentText(note.Content, note.Keywords)
			folded := indexer.SearchText(note.Title, text, note.Keywords)
			if text == note.ContentText && folded == note.SearchText {
				continue
			}
			note.ContentText, note.SearchText = text, folded
			if err := s.noteRepo.SetDerivedText(ctx, note); err != nil {
				return updated, err
			}
			updated++
		}

		if err := ctx.Err(); err != nil {
			return updated, err
		}
	}

	s.metrics.ObserveIndexed(updated)
	if updated > 0 {
		s.logger.Info("backfilled note search text", zap.Int("count", updated))
	}
	return updated, nil
}
