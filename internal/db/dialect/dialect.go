// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import "time"

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage. SQLite has no
// native boolean type.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// TimeFormat is the canonical timestamp representation: ISO-8601 UTC with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders a timestamp in the canonical storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp, accepting both the canonical format
// and plain RFC3339 for rows written by older versions.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Now returns the SQL expression for the current timestamp.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}
