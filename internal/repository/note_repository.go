package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/indexer"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

type NoteRepository struct {
	db database.Querier
}

// NewNoteRepository creates a new note repository
func NewNoteRepository(db database.Querier) *NoteRepository {
	return &NoteRepository{db: db}
}

// WithTx returns a repository that runs its statements inside tx
func (r *NoteRepository) WithTx(tx *database.Tx) *NoteRepository {
	return &NoteRepository{db: tx}
}

// Create inserts a new, unlocked note
func (r *NoteRepository) Create(ctx context.Context, note *models.Note) error {
	query := `
        INSERT INTO notes (parent_id, title, content, content_text, keywords, search_text, owner_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	note.SearchText = indexer.SearchText(note.Title, note.ContentText, note.Keywords)
	id, err := r.db.InsertID(ctx, query,
		idArg(note.ParentID),
		note.Title,
		encodeContent(note.Content),
		note.ContentText,
		encodeKeywords(note.Keywords),
		note.SearchText,
		note.OwnerID,
		toMillis(note.CreatedAt),
		toMillis(note.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}

	note.ID = id
	return nil
}

// GetByID retrieves a note with its owner and lock holder names
func (r *NoteRepository) GetByID(ctx context.Context, id int64) (*models.Note, error) {
	query := `
        SELECT n.id, n.parent_id, n.title, n.content, COALESCE(n.content_text, ''), n.keywords,
               n.owner_id, COALESCE(u.username, ''), n.created_at, n.updated_at,
               n.lock_user_id, COALESCE(lu.username, ''), n.lock_expires_at
        FROM notes n
        LEFT JOIN users u ON u.id = n.owner_id
        LEFT JOIN users lu ON lu.id = n.lock_user_id
        WHERE n.id = ?
    `

	var (
		note                 models.Note
		parentID, lockUserID sql.NullInt64
		lockExpiresAt        sql.NullInt64
		content, keywords    string
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&note.ID,
		&parentID,
		&note.Title,
		&content,
		&note.ContentText,
		&keywords,
		&note.OwnerID,
		&note.OwnerUsername,
		&createdAt,
		&updatedAt,
		&lockUserID,
		&note.LockUsername,
		&lockExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}

	note.ParentID = nullID(parentID)
	note.Content = decodeContent(content)
	note.Keywords = decodeKeywords(keywords)
	note.CreatedAt = fromMillis(createdAt)
	note.UpdatedAt = fromMillis(updatedAt)
	note.LockUserID = nullID(lockUserID)
	note.LockExpiresAt = nullTime(lockExpiresAt)

	return &note, nil
}

// Exists reports whether a note with the given id is stored
func (r *NoteRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check note: %w", err)
	}
	return n > 0, nil
}

// ListSummaries returns every note as a flat, unnested tree node list
func (r *NoteRepository) ListSummaries(ctx context.Context, now time.Time) ([]*models.TreeNode, error) {
	query := `
        SELECT n.id, n.parent_id, n.title, n.updated_at, COALESCE(u.username, ''), n.lock_expires_at
        FROM notes n
        LEFT JOIN users u ON u.id = n.owner_id
        ORDER BY n.id
    `

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	nowMs := toMillis(now)
	var nodes []*models.TreeNode
	for rows.Next() {
		var (
			node      models.TreeNode
			parentID  sql.NullInt64
			updatedAt int64
			lockUntil sql.NullInt64
		)
		if err := rows.Scan(&node.ID, &parentID, &node.Title, &updatedAt, &node.OwnerUsername, &lockUntil); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		node.ParentID = nullID(parentID)
		node.UpdatedAt = fromMillis(updatedAt)
		node.Locked = lockUntil.Valid && lockUntil.Int64 > nowMs
		nodes = append(nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return nodes, nil
}

// ParentLinks loads a snapshot of every (id, parent_id) pair in one statement
func (r *NoteRepository) ParentLinks(ctx context.Context) ([]models.ParentLink, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, parent_id FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent links: %w", err)
	}
	defer rows.Close()

	var links []models.ParentLink
	for rows.Next() {
		var (
			link     models.ParentLink
			parentID sql.NullInt64
		)
		if err := rows.Scan(&link.ID, &parentID); err != nil {
			return nil, fmt.Errorf("failed to scan parent link: %w", err)
		}
		link.ParentID = nullID(parentID)
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return links, nil
}

// SetParent re-links a note; callers validate the move first
func (r *NoteRepository) SetParent(ctx context.Context, id int64, parentID *int64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE notes SET parent_id = ? WHERE id = ?`, idArg(parentID), id)
	if err != nil {
		return fmt.Errorf("failed to move note: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return errors.ErrNoteNotFound
	}

	return nil
}

// SaveUnlessLocked writes title, content, keywords and the derived text in one
// statement, but only if no other user holds an unexpired lock. It reports
// whether the row was written.
func (r *NoteRepository) SaveUnlessLocked(ctx context.Context, note *models.Note, userID int64, now time.Time) (bool, error) {
	query := `
        UPDATE notes
        SET title = ?, content = ?, content_text = ?, keywords = ?, search_text = ?, updated_at = ?
        WHERE id = ?
          AND (lock_user_id IS NULL OR lock_user_id = ? OR lock_expires_at <= ?)
    `

	nowMs := toMillis(now)
	note.SearchText = indexer.SearchText(note.Title, note.ContentText, note.Keywords)
	result, err := r.db.ExecContext(ctx, query,
		note.Title,
		encodeContent(note.Content),
		note.ContentText,
		encodeKeywords(note.Keywords),
		note.SearchText,
		toMillis(note.UpdatedAt),
		note.ID,
		userID,
		nowMs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save note: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

// Delete removes a note; the schema cascades the delete to its subtree
func (r *NoteRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return errors.ErrNoteNotFound
	}

	return nil
}

// Search returns notes whose title, content text or keywords contain the
// lower-cased, LIKE-escaped pattern, most recently updated first. Matching
// runs against search_text, which is folded in Go when the note is written.
func (r *NoteRepository) Search(ctx context.Context, pattern string, limit, offset int) ([]models.SearchHit, error) {
	query := `
        SELECT id, parent_id, title, COALESCE(content_text, ''), keywords, updated_at
        FROM notes
        WHERE COALESCE(search_text, '') LIKE ? ESCAPE '\'
        ORDER BY updated_at DESC, id DESC
        LIMIT ? OFFSET ?
    `

	rows, err := r.db.QueryContext(ctx, query, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search notes: %w", err)
	}
	defer rows.Close()

	hits := []models.SearchHit{}
	for rows.Next() {
		var (
			hit       models.SearchHit
			parentID  sql.NullInt64
			keywords  string
			updatedAt int64
		)
		if err := rows.Scan(&hit.ID, &parentID, &hit.Title, &hit.ContentText, &keywords, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hit.ParentID = nullID(parentID)
		hit.Keywords = decodeKeywords(keywords)
		hit.UpdatedAt = fromMillis(updatedAt)
		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return hits, nil
}

// MissingContentText returns up to limit notes after afterID whose derived text was never computed
func (r *NoteRepository) MissingContentText(ctx context.Context, afterID int64, limit int, all bool) ([]*models.Note, error) {
	query := `
        SELECT id, title, content, keywords, COALESCE(content_text, ''), COALESCE(search_text, '')
        FROM notes
        WHERE id > ?
    `
	if !all {
		query += " AND (content_text IS NULL OR content_text = '' OR search_text IS NULL)"
	}
	query += " ORDER BY id LIMIT ?"

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed notes: %w", err)
	}
	defer rows.Close()

	var notes []*models.Note
	for rows.Next() {
		var (
			note              models.Note
			content, keywords string
		)
		if err := rows.Scan(&note.ID, &note.Title, &content, &keywords, &note.ContentText, &note.SearchText); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		note.Content = decodeContent(content)
		note.Keywords = decodeKeywords(keywords)
		notes = append(notes, &note)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return notes, nil
}

// SetDerivedText stores the recomputed content and search text without touching updated_at
func (r *NoteRepository) SetDerivedText(ctx context.Context, note *models.Note) error {
	query := `UPDATE notes SET content_text = ?, search_text = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, note.ContentText, note.SearchText, note.ID); err != nil {
		return fmt.Errorf("failed to update derived text: %w", err)
	}
	return nil
}

// Stats counts notes for the admin summary
func (r *NoteRepository) Stats(ctx context.Context, now time.Time) (models.NoteStats, error) {
	query := `
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN parent_id IS NULL THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN lock_expires_at > ? THEN 1 ELSE 0 END), 0)
        FROM notes
    `

	var stats models.NoteStats
	err := r.db.QueryRowContext(ctx, query, toMillis(now)).Scan(&stats.Total, &stats.Roots, &stats.Locked)
	if err != nil {
		return stats, fmt.Errorf("failed to count notes: %w", err)
	}

	return stats, nil
}
