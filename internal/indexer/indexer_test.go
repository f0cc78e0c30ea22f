package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTextHeaderParagraphAndKeywords(t *testing.T) {
	content := []byte(`{"blocks":[
		{"type":"header","data":{"text":"Hello <b>World</b>","level":2}},
		{"type":"paragraph","data":{"text":"foo   bar"}}
	]}`)

	got := ContentText(content, []string{"tag1"})

	assert.Equal(t, "Hello World foo bar tag1", got)
}

func TestFlattenBlockTypes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "quote with caption",
			content: `{"blocks":[{"type":"quote","data":{"text":"To be","caption":"<i>Hamlet</i>"}}]}`,
			want:    "To be Hamlet",
		},
		{
			name:    "flat list",
			content: `{"blocks":[{"type":"list","data":{"style":"unordered","items":["one","<b>two</b>"]}}]}`,
			want:    "one two",
		},
		{
			name: "nested list",
			content: `{"blocks":[{"type":"list","data":{"items":[
				{"content":"parent","items":[{"content":"child","items":[]}]}
			]}}]}`,
			want: "parent child",
		},
		{
			name:    "checklist",
			content: `{"blocks":[{"type":"checklist","data":{"items":[{"text":"milk","checked":true},{"text":"eggs"}]}}]}`,
			want:    "milk eggs",
		},
		{
			name:    "image caption and filename",
			content: `{"blocks":[{"type":"image","data":{"caption":"Team photo","file":{"url":"/uploads/2024/team%20day.png?v=2"}}}]}`,
			want:    "Team photo team day.png",
		},
		{
			name:    "code is literal",
			content: `{"blocks":[{"type":"code","data":{"code":"if a < b {\n  return\n}"}}]}`,
			want:    "if a < b { return }",
		},
		{
			name:    "attachment",
			content: `{"blocks":[{"type":"attaches","data":{"title":"Spec","file":{"url":"https://files.example.com/a/spec-v2.pdf","name":"spec.pdf"}}}]}`,
			want:    "Spec spec-v2.pdf",
		},
		{
			name:    "attachment without title uses file name",
			content: `{"blocks":[{"type":"attaches","data":{"file":{"url":"/f/x.zip","name":"archive.zip"}}}]}`,
			want:    "archive.zip x.zip",
		},
		{
			name:    "link tool meta",
			content: `{"blocks":[{"type":"linkTool","data":{"link":"https://go.dev","meta":{"title":"Go","description":"The Go language"}}}]}`,
			want:    "https://go.dev Go The Go language",
		},
		{
			name:    "table cells",
			content: `{"blocks":[{"type":"table","data":{"content":[["a","b"],["c","<i>d</i>"]]}}]}`,
			want:    "a b c d",
		},
		{
			name:    "entities decoded",
			content: `{"blocks":[{"type":"paragraph","data":{"text":"Tom &amp; Jerry&nbsp;show"}}]}`,
			want:    "Tom & Jerry show",
		},
		{
			name:    "line breaks separate words",
			content: `{"blocks":[{"type":"paragraph","data":{"text":"first<br>second"}}]}`,
			want:    "first second",
		},
		{
			name:    "unknown type contributes nothing",
			content: `{"blocks":[{"type":"delimiter","data":{}},{"type":"paragraph","data":{"text":"kept"}}]}`,
			want:    "kept",
		},
		{
			name:    "malformed document",
			content: `{"blocks":`,
			want:    "",
		},
		{
			name:    "empty document",
			content: `{}`,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten([]byte(tt.content)))
		})
	}
}

func TestStripHTMLSkipsScripts(t *testing.T) {
	assert.Equal(t, "safe text", StripHTML(`safe<script>alert(1)</script> text`))
	assert.Equal(t, "plain", StripHTML("  plain "))
}

func TestFilenameFromURL(t *testing.T) {
	assert.Equal(t, "report.pdf", FilenameFromURL("https://example.com/files/report.pdf#page=2"))
	assert.Equal(t, "a b.txt", FilenameFromURL("/uploads/a%20b.txt"))
	assert.Equal(t, "", FilenameFromURL(""))
	assert.Equal(t, "", FilenameFromURL("https://example.com/"))
}

func TestSanitizeKeywords(t *testing.T) {
	assert.Equal(t, []string{"go", "notes"}, SanitizeKeywords([]string{" go ", "", "   ", "notes"}))
	assert.Equal(t, []string{"go", "notes"}, SanitizeKeywords([]string{"go", " go ", "notes", "go"}))
	assert.Equal(t, []string{"notes", "Go", "go"}, SanitizeKeywords([]string{" notes", "Go", "notes ", "go"}))
	assert.Empty(t, SanitizeKeywords(nil))

	keywords := SanitizeKeywords([]string{"go", " go ", "notes"})
	assert.Equal(t, "go notes", ContentText(nil, keywords))
}

func TestSearchText(t *testing.T) {
	assert.Equal(t, "école straße\nпривет мир\ngo", SearchText("École Straße", "ПРИВЕТ мир", []string{"Go"}))
	assert.Equal(t, "plain\n", SearchText("Plain", "", nil))
	assert.NotContains(t, SearchText("t", "body", []string{"a", "b"}), `"`)
}

func TestBodyTextRemovesKeywordSuffix(t *testing.T) {
	keywords := []string{"tag1", "tag2"}
	text := ContentText([]byte(`{"blocks":[{"type":"paragraph","data":{"text":"body"}}]}`), keywords)

	assert.Equal(t, "body tag1 tag2", text)
	assert.Equal(t, "body", BodyText(text, keywords))
	assert.Equal(t, "", BodyText("tag1 tag2", keywords))
	assert.Equal(t, "body", BodyText("body", nil))
}
