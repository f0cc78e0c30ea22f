package models

import (
	"encoding/json"
	"time"
)

type Note struct {
	ID            int64           `json:"id"`
	ParentID      *int64          `json:"parent_id"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	ContentText   string          `json:"-"` // Derived search projection, never rendered
	SearchText    string          `json:"-"`
	Keywords      []string        `json:"keywords"`
	OwnerID       int64           `json:"owner_id"`
	OwnerUsername string          `json:"owner_username,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LockUserID    *int64          `json:"lock_user_id"`
	LockUsername  string          `json:"lock_username,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at"`
}

// Locked reports whether the note carries a lock as of now
func (n *Note) Locked(now time.Time) bool {
	return n.LockUserID != nil && n.LockExpiresAt != nil && now.Before(*n.LockExpiresAt)
}

// ParentLink is one row of the hierarchy snapshot used for move validation
type ParentLink struct {
	ID       int64
	ParentID *int64
}

type CreateNoteRequest struct {
	Title    string          `json:"title" validate:"required,max=255"`
	ParentID *int64          `json:"parent_id" validate:"omitempty,gt=0"`
	Content  json.RawMessage `json:"content,omitempty"`
	Keywords []string        `json:"keywords,omitempty"`
}

// SaveNoteRequest is a partial update: nil fields keep the stored value.
type SaveNoteRequest struct {
	Title    *string         `json:"title,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Keywords []string        `json:"keywords,omitempty"`
}

// HasContent reports whether the request carries a content document
func (r *SaveNoteRequest) HasContent() bool {
	return len(r.Content) > 0 && string(r.Content) != "null"
}

type MoveNoteRequest struct {
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}

// LockInfo is the live lock state of a note
type LockInfo struct {
	NoteID    int64     `json:"note_id"`
	UserID    int64     `json:"lock_user_id"`
	Username  string    `json:"lock_username,omitempty"`
	ExpiresAt time.Time `json:"lock_expires_at"`
}

// TreeNode is a note summary placed in the display hierarchy
type TreeNode struct {
	ID            int64       `json:"id"`
	ParentID      *int64      `json:"parent_id"`
	Title         string      `json:"title"`
	OwnerUsername string      `json:"owner_username,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Locked        bool        `json:"locked"`
	Children      []*TreeNode `json:"children"`
}

type SearchQuery struct {
	Query  string
	Limit  int
	Offset int
}

// SearchHit is a matching row as loaded from the store
type SearchHit struct {
	ID          int64
	ParentID    *int64
	Title       string
	ContentText string
	Keywords    []string
	UpdatedAt   time.Time
}

type SearchItem struct {
	ID          int64     `json:"id"`
	ParentID    *int64    `json:"parent_id"`
	Title       string    `json:"title"`
	Keywords    []string  `json:"keywords"`
	UpdatedAt   time.Time `json:"updated_at"`
	MatchFields []string  `json:"match_fields"`
	Snippet     string    `json:"snippet"`
}

type SearchResult struct {
	Query  string       `json:"query"`
	Items  []SearchItem `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// NoteStats summarizes the note table for the admin panel
type NoteStats struct {
	Total  int `json:"notes"`
	Roots  int `json:"root_notes"`
	Locked int `json:"locked_notes"`
}
