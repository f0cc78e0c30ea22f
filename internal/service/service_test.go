package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HongyunQiu/QNotes/internal/audit"
	"github.com/HongyunQiu/QNotes/internal/database"
	"github.com/HongyunQiu/QNotes/internal/database/databasetest"
	"github.com/HongyunQiu/QNotes/internal/indexer"
	"github.com/HongyunQiu/QNotes/internal/lock"
	"github.com/HongyunQiu/QNotes/internal/metrics"
	"github.com/HongyunQiu/QNotes/internal/models"
	"github.com/HongyunQiu/QNotes/internal/ratelimit"
	"github.com/HongyunQiu/QNotes/internal/security"
	"github.com/HongyunQiu/QNotes/pkg/errors"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	db    *database.DB
	clock *clock
	audit *audit.Logger
	auth  *AuthService
	notes *NoteService
}

var fastHasher = security.NewPasswordHasherWithParams(security.Params{
	Time: 1, Memory: 1024, Threads: 1, KeyLength: 16, SaltLen: 8,
})

func newEnv(t *testing.T) *env {
	t.Helper()

	db := databasetest.OpenSQLite(t)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewRateLimiter(1000, 1000)

	al, err := audit.NewLogger(db, filepath.Join(t.TempDir(), "audit.log"), false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })

	auth, err := NewAuthService(db, limiter, al, zap.NewNop(), WithHasher(fastHasher), WithAuthClock(c.Now))
	require.NoError(t, err)

	m := metrics.Discard()
	locks := lock.NewManager(db, lock.DefaultLease, zap.NewNop(), lock.WithClock(c.Now), lock.WithMetrics(m))
	notes := NewNoteService(db, locks, limiter, al, zap.NewNop(), WithNoteClock(c.Now), WithNoteMetrics(m))

	return &env{db: db, clock: c, audit: al, auth: auth, notes: notes}
}

func (e *env) register(t *testing.T, username string) *models.User {
	t.Helper()
	resp, err := e.auth.Register(context.Background(), &models.CreateUserRequest{
		Username: username,
		Password: "password1",
	}, ClientInfo{IP: "127.0.0.1"})
	require.NoError(t, err)
	return resp.User
}

func (e *env) create(t *testing.T, owner int64, title string, parent *int64) *models.Note {
	t.Helper()
	note, err := e.notes.Create(context.Background(), owner, &models.CreateNoteRequest{Title: title, ParentID: parent})
	require.NoError(t, err)
	return note
}

func ptr[T any](v T) *T { return &v }

func TestRegisterPromotesFirstUser(t *testing.T) {
	e := newEnv(t)

	first := e.register(t, "Alice")
	assert.Equal(t, "alice", first.Username)
	assert.True(t, first.IsAdmin)

	second := e.register(t, "bob")
	assert.False(t, second.IsAdmin)

	_, err := e.auth.Register(context.Background(), &models.CreateUserRequest{Username: "ALICE", Password: "password1"}, ClientInfo{})
	assert.ErrorIs(t, err, errors.ErrUserAlreadyExists)

	_, err = e.auth.Register(context.Background(), &models.CreateUserRequest{Username: "carol", Password: "short"}, ClientInfo{})
	assert.ErrorIs(t, err, errors.ErrWeakPassword)

	_, err = e.auth.Register(context.Background(), &models.CreateUserRequest{Username: "", Password: "password1"}, ClientInfo{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestEnsureAdminAtStartup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.auth.EnsureAdmin(ctx))

	alice := e.register(t, "alice")
	e.register(t, "bob")
	_, err := e.db.ExecContext(ctx, `UPDATE users SET is_admin = ?`, false)
	require.NoError(t, err)

	require.NoError(t, e.auth.EnsureAdmin(ctx))

	users, err := e.auth.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Equal(t, u.ID == alice.ID, u.IsAdmin, u.Username)
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")

	resp, err := e.auth.Login(ctx, &models.LoginRequest{Username: " Alice ", Password: "password1"}, ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.Equal(e.clock.Now().Add(defaultSessionTTL)))

	got, err := e.auth.Authenticate(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = e.auth.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	e.clock.Advance(defaultSessionTTL)
	_, err = e.auth.Authenticate(ctx, resp.Token)
	assert.ErrorIs(t, err, errors.ErrSessionExpired)

	n, err := e.auth.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestLogoutEndsSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "alice")

	resp, err := e.auth.Login(ctx, &models.LoginRequest{Username: "alice", Password: "password1"}, ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, e.auth.Logout(ctx, resp.Token, resp.User.ID, ClientInfo{}))
	_, err = e.auth.Authenticate(ctx, resp.Token)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestLoginLockout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "alice")

	bad := &models.LoginRequest{Username: "alice", Password: "wrong-pass1"}
	for i := 0; i < maxFailedLoginAttempts; i++ {
		_, err := e.auth.Login(ctx, bad, ClientInfo{IP: "10.0.0.2"})
		assert.ErrorIs(t, err, errors.ErrInvalidCredentials)
	}

	good := &models.LoginRequest{Username: "alice", Password: "password1"}
	_, err := e.auth.Login(ctx, good, ClientInfo{})
	assert.ErrorIs(t, err, errors.ErrAccountLocked)

	e.clock.Advance(accountLockDuration + time.Second)
	_, err = e.auth.Login(ctx, good, ClientInfo{})
	assert.NoError(t, err)

	_, err = e.auth.Login(ctx, &models.LoginRequest{Username: "nobody", Password: "password1"}, ClientInfo{})
	assert.ErrorIs(t, err, errors.ErrInvalidCredentials)
}

func TestSaveRoundTripAndIndex(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")
	note := e.create(t, user.ID, "Draft", nil)

	content := json.RawMessage(`{"blocks":[{"type":"header","data":{"text":"Hello <b>World</b>"}},{"type":"paragraph","data":{"text":"foo   bar"}}]}`)
	e.clock.Advance(time.Minute)
	saved, err := e.notes.Save(ctx, note.ID, user.ID, &models.SaveNoteRequest{
		Title:    ptr("Final"),
		Content:  content,
		Keywords: []string{" tag1 ", ""},
	})
	require.NoError(t, err)

	assert.Equal(t, "Final", saved.Title)
	assert.JSONEq(t, string(content), string(saved.Content))
	assert.Equal(t, []string{"tag1"}, saved.Keywords)
	assert.Equal(t, "Hello World foo bar tag1", saved.ContentText)
	assert.Equal(t, indexer.ContentText(saved.Content, saved.Keywords), saved.ContentText)
	assert.True(t, saved.UpdatedAt.Equal(e.clock.Now()))

	// Fields left out of the request keep their stored values
	saved, err = e.notes.Save(ctx, note.ID, user.ID, &models.SaveNoteRequest{Keywords: []string{"tag2"}})
	require.NoError(t, err)
	assert.Equal(t, "Final", saved.Title)
	assert.Equal(t, "Hello World foo bar tag2", saved.ContentText)

	_, err = e.notes.Save(ctx, note.ID, user.ID, &models.SaveNoteRequest{Title: ptr("   ")})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = e.notes.Save(ctx, note.ID+99, user.ID, &models.SaveNoteRequest{Title: ptr("x")})
	assert.ErrorIs(t, err, errors.ErrNoteNotFound)
}

func TestSaveRespectsForeignLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user1 := e.register(t, "user1")
	user2 := e.register(t, "user2")
	note := e.create(t, user1.ID, "Shared", nil)

	_, err := e.notes.AcquireLock(ctx, note.ID, user1.ID)
	require.NoError(t, err)

	_, err = e.notes.Save(ctx, note.ID, user2.ID, &models.SaveNoteRequest{Title: ptr("Hijack")})
	var held *errors.LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "user1", held.Holder)

	_, err = e.notes.AcquireLock(ctx, note.ID, user2.ID)
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "user1", held.Holder)

	// The holder can save
	_, err = e.notes.Save(ctx, note.ID, user1.ID, &models.SaveNoteRequest{Title: ptr("Mine")})
	require.NoError(t, err)

	e.clock.Advance(301 * time.Second)

	got, err := e.notes.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockUserID)
	assert.Nil(t, got.LockExpiresAt)

	_, err = e.notes.AcquireLock(ctx, note.ID, user2.ID)
	require.NoError(t, err)

	saved, err := e.notes.Save(ctx, note.ID, user2.ID, &models.SaveNoteRequest{Title: ptr("Theirs now")})
	require.NoError(t, err)
	assert.Equal(t, "Theirs now", saved.Title)
	require.NotNil(t, saved.LockUserID)
	assert.Equal(t, user2.ID, *saved.LockUserID)
	assert.Equal(t, "user2", saved.LockUsername)

	err = e.notes.ReleaseLock(ctx, note.ID, user1.ID)
	assert.ErrorIs(t, err, errors.ErrNotLockHolder)
	require.NoError(t, e.notes.ReleaseLock(ctx, note.ID, user2.ID))
}

func TestMoveScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")

	a := e.create(t, user.ID, "A", nil)
	b := e.create(t, user.ID, "B", nil)
	c := e.create(t, user.ID, "C", &b.ID)

	require.NoError(t, e.notes.Move(ctx, b.ID, user.ID, &a.ID))

	forest, err := e.notes.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	assert.Equal(t, a.ID, forest[0].ID)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, b.ID, forest[0].Children[0].ID)

	err = e.notes.Move(ctx, a.ID, user.ID, &b.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidMove)
	err = e.notes.Move(ctx, a.ID, user.ID, &c.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidMove, "grandchild is a descendant too")
	err = e.notes.Move(ctx, a.ID, user.ID, &a.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidMove)
	err = e.notes.Move(ctx, a.ID, user.ID, ptr(c.ID+100))
	assert.ErrorIs(t, err, errors.ErrInvalidMove)
	err = e.notes.Move(ctx, c.ID+100, user.ID, nil)
	assert.ErrorIs(t, err, errors.ErrNoteNotFound)

	require.NoError(t, e.notes.Move(ctx, c.ID, user.ID, nil), "moving to the root always succeeds")

	require.NoError(t, e.notes.Delete(ctx, a.ID, user.ID))
	_, err = e.notes.Get(ctx, b.ID)
	assert.ErrorIs(t, err, errors.ErrNoteNotFound)
	_, err = e.notes.Get(ctx, c.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, e.notes.Delete(ctx, a.ID, user.ID), errors.ErrNoteNotFound)
}

func TestMoveAuditTrail(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")
	a := e.create(t, user.ID, "A", nil)

	assert.Error(t, e.notes.Move(ctx, a.ID, user.ID, &a.ID))

	events, err := e.audit.QueryLogs(ctx, audit.QueryFilters{Action: audit.ActionNoteMove})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Contains(t, events[0].ErrorMsg, "own parent")
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")

	_, err := e.notes.Create(ctx, user.ID, &models.CreateNoteRequest{Title: "  "})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = e.notes.Create(ctx, user.ID, &models.CreateNoteRequest{Title: "Orphan", ParentID: ptr(int64(999))})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = e.notes.Create(ctx, user.ID, &models.CreateNoteRequest{Title: "Bad", Content: json.RawMessage(`{"blocks":`)})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	note := e.create(t, user.ID, "  Fresh  ", nil)
	assert.Equal(t, "Fresh", note.Title)
	assert.JSONEq(t, `{}`, string(note.Content))
	assert.Equal(t, []string{}, note.Keywords)
	assert.Nil(t, note.LockUserID)
	assert.Equal(t, "alice", note.OwnerUsername)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")

	report := e.create(t, user.ID, "Quarterly report", nil)
	e.clock.Advance(time.Minute)
	tagged := e.create(t, user.ID, "Groceries", nil)
	_, err := e.notes.Save(ctx, tagged.ID, user.ID, &models.SaveNoteRequest{
		Content:  json.RawMessage(`{"blocks":[{"type":"paragraph","data":{"text":"milk and eggs"}}]}`),
		Keywords: []string{"Reporting"},
	})
	require.NoError(t, err)

	res, err := e.notes.Search(ctx, models.SearchQuery{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = e.notes.Search(ctx, models.SearchQuery{Query: "REPORT"})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, tagged.ID, res.Items[0].ID, "most recently updated first")
	assert.Equal(t, []string{"keywords"}, res.Items[0].MatchFields)
	assert.Equal(t, report.ID, res.Items[1].ID)
	assert.Equal(t, []string{"title"}, res.Items[1].MatchFields)
	assert.Contains(t, res.Items[1].Snippet, "<mark>report</mark>")

	res, err = e.notes.Search(ctx, models.SearchQuery{Query: "eggs", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 50, res.Limit)
	require.Len(t, res.Items, 1)
	assert.Equal(t, []string{"content"}, res.Items[0].MatchFields)

	res, err = e.notes.Search(ctx, models.SearchQuery{Query: "100%"})
	require.NoError(t, err)
	assert.Empty(t, res.Items, "wildcards are matched literally")

	_, err = e.notes.Search(ctx, models.SearchQuery{Query: "x", Offset: -1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSearchNonASCIIAndPunctuation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")

	ecole := e.create(t, user.ID, "École Straße", nil)
	e.clock.Advance(time.Minute)
	privet := e.create(t, user.ID, "Привет мир", nil)
	e.clock.Advance(time.Minute)
	plain := e.create(t, user.ID, "plain", nil)
	for _, id := range []int64{ecole.ID, privet.ID, plain.ID} {
		_, err := e.notes.Save(ctx, id, user.ID, &models.SaveNoteRequest{Keywords: []string{"misc", "Ärger"}})
		require.NoError(t, err)
	}

	for q, want := range map[string]int64{
		"École":  ecole.ID,
		"école":  ecole.ID,
		"ÉCOLE":  ecole.ID,
		"Привет": privet.ID,
		"привет": privet.ID,
		"ПРИВЕТ": privet.ID,
	} {
		res, err := e.notes.Search(ctx, models.SearchQuery{Query: q})
		require.NoError(t, err)
		require.Len(t, res.Items, 1, q)
		assert.Equal(t, want, res.Items[0].ID, q)
		assert.Equal(t, []string{"title"}, res.Items[0].MatchFields, q)
	}

	res, err := e.notes.Search(ctx, models.SearchQuery{Query: "ärger"})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	for _, item := range res.Items {
		assert.Equal(t, []string{"keywords"}, item.MatchFields)
	}

	for _, q := range []string{`"`, `[`, `]`, `,`} {
		res, err := e.notes.Search(ctx, models.SearchQuery{Query: q})
		require.NoError(t, err)
		assert.Empty(t, res.Items, q)
	}
}

func TestBackfillFillsSearchText(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")
	note := e.create(t, user.ID, "Ülkü", nil)

	_, err := e.db.ExecContext(ctx, `UPDATE notes SET search_text = NULL WHERE id = ?`, note.ID)
	require.NoError(t, err)

	res, err := e.notes.Search(ctx, models.SearchQuery{Query: "ülkü"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	n, err := e.notes.Backfill(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = e.notes.Search(ctx, models.SearchQuery{Query: "ülkü"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, note.ID, res.Items[0].ID)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")
	note := e.create(t, user.ID, "Legacy", nil)

	_, err := e.db.ExecContext(ctx,
		`UPDATE notes SET content = ?, keywords = ?, content_text = NULL WHERE id = ?`,
		`{"blocks":[{"type":"paragraph","data":{"text":"old <i>stuff</i>"}}]}`, `["k"]`, note.ID)
	require.NoError(t, err)

	n, err := e.notes.Backfill(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.notes.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "old stuff k", got.ContentText)

	n, err = e.notes.Backfill(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n, "already indexed")

	n, err = e.notes.Backfill(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, n, "recomputed text is unchanged")
}

func TestAdminSummary(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	user := e.register(t, "alice")
	parent := e.create(t, user.ID, "Parent", nil)
	e.create(t, user.ID, "Child", &parent.ID)
	_, err := e.notes.AcquireLock(ctx, parent.ID, user.ID)
	require.NoError(t, err)

	admin := NewAdminService(e.db, nil, e.audit, nil)
	admin.now = e.clock.Now

	summary, err := admin.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Users)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Roots)
	assert.Equal(t, 1, summary.Locked)
	assert.Positive(t, summary.DatabaseBytes)

	users, err := admin.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 2, users[0].NoteCount)

	_, err = admin.Backup(ctx, user.ID)
	assert.ErrorIs(t, err, errors.ErrBackupUnsupported)

	events, err := admin.AuditLog(ctx, audit.QueryFilters{Action: audit.ActionNoteCreate})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
