// Package client is a typed HTTP client for the QNotes API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int
	Message string
	// Holder names the user editing the note when Status is 423
	Holder string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qnotes: %d %s", e.Status, e.Message)
}

// IsLockHeld reports whether err says another user is editing the note
func IsLockHeld(err error) bool {
	return hasStatus(err, http.StatusLocked)
}

// IsNotLockHolder reports whether err says the caller does not hold the lock
func IsNotLockHolder(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsNotFound reports whether err is a 404
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client talks to one QNotes server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken starts the client with an existing session token
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error  string `json:"error"`
			Holder string `json:"holder"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Holder = payload.Holder
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func notePath(id int64, suffix string) string {
	return "/api/notes/" + strconv.FormatInt(id, 10) + suffix
}

// Register creates an account and keeps its session token
func (c *Client) Register(ctx context.Context, username, password string) (*Session, error) {
	return c.authenticate(ctx, "/api/register", username, password)
}

// Login signs in and keeps the session token
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	return c.authenticate(ctx, "/api/login", username, password)
}

func (c *Client) authenticate(ctx context.Context, path, username, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, path, map[string]string{
		"username": username,
		"password": password,
	}, &s)
	if err != nil {
		return nil, err
	}
	c.setToken(s.Token)
	return &s, nil
}

// Logout ends the current session and forgets the token
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/logout", nil, nil); err != nil {
		return err
	}
	c.setToken("")
	return nil
}

func (c *Client) Profile(ctx context.Context) (*User, error) {
	var out struct {
		User *User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Tree returns the root notes with their descendants
func (c *Client) Tree(ctx context.Context) ([]*TreeNode, error) {
	var out struct {
		Tree []*TreeNode `json:"tree"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notes", nil, &out); err != nil {
		return nil, err
	}
	return out.Tree, nil
}

type noteEnvelope struct {
	Note *Note `json:"note"`
}

func (c *Client) GetNote(ctx context.Context, id int64) (*Note, error) {
	var out noteEnvelope
	if err := c.do(ctx, http.MethodGet, notePath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Note, nil
}

func (c *Client) CreateNote(ctx context.Context, req CreateNote) (*Note, error) {
	var out noteEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/notes", req, &out); err != nil {
		return nil, err
	}
	return out.Note, nil
}

// SaveNote fails with a 423 APIError while another user holds the lock
func (c *Client) SaveNote(ctx context.Context, id int64, req SaveNote) (*Note, error) {
	var out noteEnvelope
	if err := c.do(ctx, http.MethodPut, notePath(id, ""), req, &out); err != nil {
		return nil, err
	}
	return out.Note, nil
}

// DeleteNote removes the note and all of its descendants
func (c *Client) DeleteNote(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, notePath(id, ""), nil, nil)
}

// MoveNote re-parents a note; a nil parent makes it a root
func (c *Client) MoveNote(ctx context.Context, id int64, parentID *int64) (*Note, error) {
	var out noteEnvelope
	body := map[string]*int64{"parent_id": parentID}
	if err := c.do(ctx, http.MethodPost, notePath(id, "/move"), body, &out); err != nil {
		return nil, err
	}
	return out.Note, nil
}

type lockEnvelope struct {
	Lock *Lock `json:"lock"`
}

// Lock acquires the edit lock, or extends it when the caller already holds it
func (c *Client) Lock(ctx context.Context, id int64) (*Lock, error) {
	var out lockEnvelope
	if err := c.do(ctx, http.MethodPost, notePath(id, "/lock"), nil, &out); err != nil {
		return nil, err
	}
	return out.Lock, nil
}

// RefreshLock extends a held lease
func (c *Client) RefreshLock(ctx context.Context, id int64) (*Lock, error) {
	var out lockEnvelope
	if err := c.do(ctx, http.MethodPost, notePath(id, "/lock/refresh"), nil, &out); err != nil {
		return nil, err
	}
	return out.Lock, nil
}

// LockStatus returns the live lock on a note, or nil when it is free
func (c *Client) LockStatus(ctx context.Context, id int64) (*Lock, error) {
	var out lockEnvelope
	if err := c.do(ctx, http.MethodGet, notePath(id, "/lock"), nil, &out); err != nil {
		return nil, err
	}
	return out.Lock, nil
}

func (c *Client) Unlock(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, notePath(id, "/unlock"), nil, nil)
}

// Search pages through notes matching q. Zero limit uses the server default.
func (c *Client) Search(ctx context.Context, q string, limit, offset int) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", q)
	if limit != 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset != 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	var out SearchResult
	if err := c.do(ctx, http.MethodGet, "/api/search?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
