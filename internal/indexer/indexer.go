// Package indexer flattens block documents into the plain-text projection
// stored in notes.content_text and used by search.
package indexer

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"
)

type document struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Flatten extracts the human-readable text of every known block, in order.
// Unknown block types and malformed documents contribute nothing.
func Flatten(content []byte) string {
	if len(content) == 0 {
		return ""
	}

	var doc document
	if err := json.Unmarshal(content, &doc); err != nil {
		return ""
	}

	var parts []string
	for _, b := range doc.Blocks {
		if len(b.Data) == 0 {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(b.Data, &data); err != nil {
			continue
		}
		parts = append(parts, blockText(b.Type, data)...)
	}

	return Normalize(strings.Join(parts, " "))
}

func blockText(kind string, data map[string]any) []string {
	switch kind {
	case "header", "paragraph":
		return texts(data, "text")
	case "quote":
		return texts(data, "text", "caption")
	case "list", "nestedList", "nestedlist":
		return listItems(data["items"])
	case "checklist":
		var out []string
		for _, item := range asSlice(data["items"]) {
			if m, ok := item.(map[string]any); ok {
				out = append(out, texts(m, "text")...)
			}
		}
		return out
	case "image", "simpleImage":
		out := texts(data, "caption")
		return appendFilename(out, fileURL(data))
	case "code":
		if s, ok := data["code"].(string); ok {
			return []string{s}
		}
		return nil
	case "attaches":
		out := texts(data, "title")
		if len(out) == 0 {
			if file, ok := data["file"].(map[string]any); ok {
				out = texts(file, "name")
			}
		}
		return appendFilename(out, fileURL(data))
	case "linkTool":
		out := texts(data, "link")
		if meta, ok := data["meta"].(map[string]any); ok {
			out = append(out, texts(meta, "title", "description")...)
		}
		return out
	case "embed":
		return texts(data, "caption")
	case "warning":
		return texts(data, "title", "message")
	case "table":
		var out []string
		for _, row := range asSlice(data["content"]) {
			for _, cell := range asSlice(row) {
				if s, ok := cell.(string); ok {
					out = append(out, StripHTML(s))
				}
			}
		}
		return out
	case "raw":
		return texts(data, "html")
	default:
		return texts(data, "title", "description")
	}
}

// texts returns the HTML-stripped string values of the named keys
func texts(data map[string]any, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			out = append(out, StripHTML(s))
		}
	}
	return out
}

// listItems walks flat string items and nested {content, items} items
func listItems(v any) []string {
	var out []string
	for _, item := range asSlice(v) {
		switch it := item.(type) {
		case string:
			out = append(out, StripHTML(it))
		case map[string]any:
			if s, ok := it["content"].(string); ok {
				out = append(out, StripHTML(s))
			} else if s, ok := it["text"].(string); ok {
				out = append(out, StripHTML(s))
			}
			out = append(out, listItems(it["items"])...)
		}
	}
	return out
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func fileURL(data map[string]any) string {
	if file, ok := data["file"].(map[string]any); ok {
		if u, ok := file["url"].(string); ok {
			return u
		}
	}
	if u, ok := data["url"].(string); ok {
		return u
	}
	return ""
}

func appendFilename(out []string, rawURL string) []string {
	if name := FilenameFromURL(rawURL); name != "" {
		out = append(out, name)
	}
	return out
}

// FilenameFromURL returns the decoded last path segment of a URL, without query or fragment
func FilenameFromURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.EscapedPath()
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// Normalize collapses every whitespace run to a single space and trims the ends
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeKeywords trims keywords, drops empty ones and keeps only the first
// occurrence of each, preserving order
func SanitizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// ContentText computes the stored search projection of a note
func ContentText(content []byte, keywords []string) string {
	return Normalize(Flatten(content) + " " + strings.Join(keywords, " "))
}

// SearchText is the lower-cased text that search patterns are matched
// against. Title, content text and each keyword sit on their own line so a
// match never spans two fields.
func SearchText(title, contentText string, keywords []string) string {
	parts := make([]string, 0, len(keywords)+2)
	parts = append(parts, title, contentText)
	parts = append(parts, keywords...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

// BodyText strips the keyword suffix from a stored projection, leaving only the block text
func BodyText(contentText string, keywords []string) string {
	suffix := Normalize(strings.Join(keywords, " "))
	if suffix == "" {
		return contentText
	}
	if contentText == suffix {
		return ""
	}
	return strings.TrimSuffix(contentText, " "+suffix)
}
