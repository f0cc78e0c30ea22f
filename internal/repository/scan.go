package repository

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Timestamps are stored as UTC unix milliseconds in both dialects

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func idArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func encodeKeywords(keywords []string) string {
	if len(keywords) == 0 {
		return "[]"
	}
	b, err := json.Marshal(keywords)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeKeywords tolerates legacy or hand-edited rows by treating bad data as no keywords
func decodeKeywords(s string) []string {
	var keywords []string
	if err := json.Unmarshal([]byte(s), &keywords); err != nil || keywords == nil {
		return []string{}
	}
	return keywords
}

func encodeContent(content json.RawMessage) string {
	if len(content) == 0 || string(content) == "null" {
		return "{}"
	}
	return string(content)
}

func decodeContent(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
