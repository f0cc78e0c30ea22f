package client

import (
	"encoding/json"
	"time"
)

type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	IsAdmin   bool       `json:"is_admin"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

type Note struct {
	ID            int64           `json:"id"`
	ParentID      *int64          `json:"parent_id"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	Keywords      []string        `json:"keywords"`
	OwnerID       int64           `json:"owner_id"`
	OwnerUsername string          `json:"owner_username,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LockUserID    *int64          `json:"lock_user_id"`
	LockUsername  string          `json:"lock_username,omitempty"`
	LockExpiresAt *time.Time      `json:"lock_expires_at"`
}

type Lock struct {
	NoteID    int64     `json:"note_id"`
	UserID    int64     `json:"lock_user_id"`
	Username  string    `json:"lock_username,omitempty"`
	ExpiresAt time.Time `json:"lock_expires_at"`
}

type TreeNode struct {
	ID            int64       `json:"id"`
	ParentID      *int64      `json:"parent_id"`
	Title         string      `json:"title"`
	OwnerUsername string      `json:"owner_username,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Locked        bool        `json:"locked"`
	Children      []*TreeNode `json:"children"`
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

// Session is the result of a successful register or login
type Session struct {
	User      *User     `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateNote describes a new note. A nil ParentID creates a root.
type CreateNote struct {
	Title    string          `json:"title"`
	ParentID *int64          `json:"parent_id,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Keywords []string        `json:"keywords,omitempty"`
}

// SaveNote is a partial update; nil fields are left unchanged.
type SaveNote struct {
	Title    *string         `json:"title,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Keywords []string        `json:"keywords,omitempty"`
}
