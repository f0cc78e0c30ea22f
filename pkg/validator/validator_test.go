package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HongyunQiu/QNotes/pkg/errors"
)

type createRequest struct {
	Title    string `json:"title" validate:"required,max=255"`
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}

func TestStructReportsJSONFieldName(t *testing.T) {
	v := New()

	err := v.Struct(&createRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	assert.Contains(t, err.Error(), "title is required")

	zero := int64(0)
	err = v.Struct(&createRequest{Title: "ok", ParentID: &zero})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent_id")

	assert.NoError(t, v.Struct(&createRequest{Title: "ok"}))
}

func TestUsernameRules(t *testing.T) {
	v := New()

	assert.Equal(t, "alice", v.NormalizeUsername("  Alice "))
	assert.NoError(t, v.ValidateUsername("alice_01"))
	assert.Error(t, v.ValidateUsername("al"))
	assert.Error(t, v.ValidateUsername("bad name"))
}

func TestPasswordRules(t *testing.T) {
	v := New()

	assert.NoError(t, v.ValidatePassword("password1"))
	assert.ErrorIs(t, v.ValidatePassword("short1"), errors.ErrWeakPassword)
	assert.ErrorIs(t, v.ValidatePassword("lettersonly"), errors.ErrWeakPassword)
	assert.ErrorIs(t, v.ValidatePassword(strings.Repeat("a1", 70)), errors.ErrWeakPassword)
}

func TestNoteFieldRules(t *testing.T) {
	v := New()

	assert.Error(t, v.ValidateNoteTitle("   "))
	assert.NoError(t, v.ValidateNoteTitle("Meeting notes"))
	assert.Error(t, v.ValidateNoteTitle(strings.Repeat("x", MaxTitleLength+1)))

	assert.NoError(t, v.ValidateKeywords([]string{"go", "notes"}))
	assert.Error(t, v.ValidateKeywords([]string{strings.Repeat("k", MaxKeywordLength+1)}))
}
