package db

import (
	"database/sql"
	"time"
)

// ─── Time Helpers ────────────────────────────────────────────────────────────

const TimeFormat = "2006-01-02 15:04:05"

// ParseNullTime parses a nullable time string from SQLite.
func ParseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(TimeFormat, ns.String)
	return t
}

// NullTimeString converts a time to a nullable string for SQLite storage.
func NullTimeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(TimeFormat)
}

// NowString returns the current UTC time as a formatted string.
func NowString() string {
	return time.Now().UTC().Format(TimeFormat)
}

// ─── Type Conversion Helpers ─────────────────────────────────────────────────

// BoolToInt converts a bool to int for SQLite storage.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NullString converts an empty string to SQL NULL.
func NullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
