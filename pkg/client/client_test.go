package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/api"
	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/database/databasetest"
	"github.com/HongyunQiu/QNotes/internal/lock"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/security"
	"github.com/HongyunQiu/QNotes/internal/service"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	db := databasetest.OpenSQLite(t)
	limiter := ratelimit.NewRateLimiter(1000, 1000)

	al, err := audit.NewLogger(db, filepath.Join(t.TempDir(), "audit.log"), false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })

	hasher := security.NewPasswordHasherWithParams(security.Params{
		Time: 1, Memory: 1024, Threads: 1, KeyLength: 16, SaltLen: 8,
	})
	auth, err := service.NewAuthService(db, limiter, al, zap.NewNop(), service.WithHasher(hasher))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	locks := lock.NewManager(db, lock.DefaultLease, zap.NewNop(), lock.WithMetrics(m))

	srv := api.NewServer(api.Deps{
		DB:          db,
		Auth:        auth,
		Notes:       service.NewNoteService(db, locks, limiter, al, zap.NewNop(), service.WithNoteMetrics(m)),
		Admin:       service.NewAdminService(db, nil, al, zap.NewNop()),
		RateLimiter: limiter,
		Metrics:     m,
		Gatherer:    reg,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientEndToEnd(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	alice := New(ts.URL)
	s, err := alice.Register(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.True(t, s.User.IsAdmin)
	assert.NotEmpty(t, alice.Token())

	bob := New(ts.URL)
	_, err = bob.Register(ctx, "bob", "password1")
	require.NoError(t, err)

	parent, err := alice.CreateNote(ctx, CreateNote{Title: "Projects"})
	require.NoError(t, err)
	child, err := alice.CreateNote(ctx, CreateNote{Title: "QNotes", ParentID: &parent.ID, Keywords: []string{"golang"}})
	require.NoError(t, err)

	tree, err := bob.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "QNotes", tree[0].Children[0].Title)

	session, err := alice.Begin(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", session.Lock().Username)

	_, err = bob.Begin(ctx, child.ID)
	require.Error(t, err)
	assert.True(t, IsLockHeld(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "alice", apiErr.Holder)

	title := "QNotes v2"
	_, err = bob.SaveNote(ctx, child.ID, SaveNote{Title: &title})
	assert.True(t, IsLockHeld(err))

	content := json.RawMessage(`{"blocks":[{"type":"paragraph","data":{"text":"lease based locking"}}]}`)
	saved, err := session.Save(ctx, SaveNote{Title: &title, Content: content})
	require.NoError(t, err)
	assert.Equal(t, title, saved.Title)

	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx))

	status, err := bob.LockStatus(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, status)

	bobSession, err := bob.Begin(ctx, child.ID)
	require.NoError(t, err)
	require.NoError(t, bobSession.Close(ctx))

	result, err := bob.Search(ctx, "lease", 0, 0)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, []string{"content"}, result.Items[0].MatchFields)
	assert.Contains(t, result.Items[0].Snippet, "<mark>lease</mark>")

	_, err = alice.MoveNote(ctx, parent.ID, &child.ID)
	assert.Error(t, err)

	moved, err := alice.MoveNote(ctx, child.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)

	require.NoError(t, alice.DeleteNote(ctx, parent.ID))
	_, err = alice.GetNote(ctx, parent.ID)
	assert.True(t, IsNotFound(err))

	require.NoError(t, alice.Logout(ctx))
	assert.Empty(t, alice.Token())
	_, err = alice.Tree(ctx)
	var unauth *APIError
	require.ErrorAs(t, err, &unauth)
	assert.Equal(t, http.StatusUnauthorized, unauth.Status)
}

func TestEditSessionReportsLostLease(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notes/7/lock", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"lock": Lock{NoteID: 7, UserID: 1, Username: "alice"}})
	})
	mux.HandleFunc("/api/notes/7/lock/refresh", func(w http.ResponseWriter, r *http.Request) {
		if refreshes.Add(1) == 1 {
			json.NewEncoder(w).Encode(map[string]any{"lock": Lock{NoteID: 7, UserID: 1, Username: "alice"}})
			return
		}
		w.WriteHeader(http.StatusLocked)
		json.NewEncoder(w).Encode(map[string]string{"error": "bob is currently editing this note", "holder": "bob"})
	})
	mux.HandleFunc("/api/notes/7/unlock", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "you do not hold the lock on this note"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, WithToken("t"))
	session, err := c.Begin(context.Background(), 7, RefreshInterval(10*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-session.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was not reported")
	}

	var apiErr *APIError
	require.ErrorAs(t, session.Err(), &apiErr)
	assert.Equal(t, "bob", apiErr.Holder)
	assert.GreaterOrEqual(t, refreshes.Load(), int32(2))

	assert.NoError(t, session.Close(context.Background()))
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).Tree(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}
