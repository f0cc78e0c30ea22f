package search

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/HongyunQiu/QNotes/internal/models"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(500))
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, `%100\%\_done%`, LikePattern("100%_Done"))
	assert.Equal(t, `%a\\b%`, LikePattern(`a\b`))
}

func TestMatchFields(t *testing.T) {
	assert.Equal(t, []string{"title", "content"},
		MatchFields("go", "Go tips", []string{"misc"}, "learning golang"))
	assert.Equal(t, []string{"keywords"},
		MatchFields("urgent", "Plan", []string{"Urgent", "work"}, "nothing here"))
	assert.Empty(t, MatchFields("zzz", "Plan", nil, "body"))
}

func TestSnippetMarksFirstMatch(t *testing.T) {
	got := Snippet("Hello World foo bar", "world", 60)
	assert.Equal(t, "Hello <mark>World</mark> foo bar", got)
}

func TestSnippetTruncatesAroundMatch(t *testing.T) {
	text := strings.Repeat("a", 100) + "needle" + strings.Repeat("b", 100)
	got := Snippet(text, "NEEDLE", 10)

	assert.Equal(t, "…"+strings.Repeat("a", 10)+"<mark>needle</mark>"+strings.Repeat("b", 10)+"…", got)
}

func TestSnippetEscapesHTML(t *testing.T) {
	got := Snippet(`if a<b && c`, "a<b", 60)
	assert.Equal(t, "if <mark>a&lt;b</mark> &amp;&amp; c", got)
}

func TestSnippetWithoutMatch(t *testing.T) {
	assert.Equal(t, "short &amp; sweet", Snippet("short & sweet", "zzz", 60))

	long := strings.Repeat("x", 200)
	assert.Equal(t, strings.Repeat("x", 20)+"…", Snippet(long, "", 10))
}

func TestSnippetIsRuneSafe(t *testing.T) {
	got := Snippet("会议记录：项目进度讨论", "项目", 2)
	assert.Equal(t, "…录：<mark>项目</mark>进度…", got)
}

func TestItemKeywordOnlyMatch(t *testing.T) {
	hit := models.SearchHit{
		ID:          1,
		Title:       "Groceries",
		ContentText: "milk eggs tag1",
		Keywords:    []string{"tag1"},
		UpdatedAt:   time.Unix(0, 0),
	}

	item := Item("tag1", hit)

	assert.Contains(t, item.MatchFields, FieldKeywords)
	assert.NotContains(t, item.MatchFields, FieldContent)
	assert.Equal(t, "milk eggs <mark>tag1</mark>", item.Snippet)
}

func TestItemFallsBackToTitle(t *testing.T) {
	item := Item("plan", models.SearchHit{ID: 2, Title: "Release plan"})

	assert.Equal(t, []string{FieldTitle}, item.MatchFields)
	assert.Equal(t, "Release <mark>plan</mark>", item.Snippet)
	assert.NotNil(t, item.Keywords)
}
