// Package search holds the query-independent pieces of note search:
// pagination bounds, LIKE pattern escaping, match reporting and snippets.
package search

import (
	"html"
	"strings"
	"unicode"

	"github.com/HongyunQiu/QNotes/internal/indexer"
	"github.com/HongyunQiu/QNotes/internal/models"
)

const (
	DefaultLimit  = 20
	MaxLimit      = 50
	SnippetRadius = 60

	FieldTitle    = "title"
	FieldKeywords = "keywords"
	FieldContent  = "content"

	markOpen  = "<mark>"
	markClose = "</mark>"
	ellipsis  = "…"
)

// ClampLimit applies the default page size and the upper bound
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LikePattern lower-cases q and escapes LIKE wildcards for use with ESCAPE '\'
func LikePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

// MatchFields reports which fields contain q, in title/keywords/content order.
// body is the note's content text without the keyword suffix.
func MatchFields(q, title string, keywords []string, body string) []string {
	fields := make([]string, 0, 3)
	if containsFold(title, q) {
		fields = append(fields, FieldTitle)
	}
	for _, k := range keywords {
		if containsFold(k, q) {
			fields = append(fields, FieldKeywords)
			break
		}
	}
	if containsFold(body, q) {
		fields = append(fields, FieldContent)
	}
	return fields
}

func containsFold(s, substr string) bool {
	return indexFold([]rune(s), []rune(substr)) >= 0
}

// indexFold finds the first case-insensitive occurrence of sub in s, in runes
func indexFold(s, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j, r := range sub {
			if unicode.ToLower(s[i+j]) != unicode.ToLower(r) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Snippet returns an HTML-escaped window of text around the first occurrence
// of q with the match wrapped in <mark>. Without a match it returns an escaped
// truncation of the text.
func Snippet(text, q string, radius int) string {
	runes := []rune(text)
	idx := indexFold(runes, []rune(q))
	if idx < 0 {
		if len(runes) <= 2*radius {
			return html.EscapeString(text)
		}
		return html.EscapeString(string(runes[:2*radius])) + ellipsis
	}

	end := idx + len([]rune(q))
	start := idx - radius
	if start < 0 {
		start = 0
	}
	stop := end + radius
	if stop > len(runes) {
		stop = len(runes)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	b.WriteString(html.EscapeString(string(runes[start:idx])))
	b.WriteString(markOpen)
	b.WriteString(html.EscapeString(string(runes[idx:end])))
	b.WriteString(markClose)
	b.WriteString(html.EscapeString(string(runes[end:stop])))
	if stop < len(runes) {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// Item converts a stored hit into a result row with match fields and snippet
func Item(q string, hit models.SearchHit) models.SearchItem {
	source := hit.ContentText
	if strings.TrimSpace(source) == "" {
		source = hit.Title
	}

	keywords := hit.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	return models.SearchItem{
		ID:          hit.ID,
		ParentID:    hit.ParentID,
		Title:       hit.Title,
		Keywords:    keywords,
		UpdatedAt:   hit.UpdatedAt,
		MatchFields: MatchFields(q, hit.Title, keywords, indexer.BodyText(hit.ContentText, keywords)),
		Snippet:     Snippet(source, q, SnippetRadius),
	}
}
