package db

import (
	"strings"

	"github.com/recollect/recollect/errors"
)

// IsConflict checks if an error indicates a unique constraint violation.
// Recurring import IDs are deterministic, so a duplicate key on insert means
// the same configuration was submitted twice.
//
// The string matching fallback is necessary because the sqlite driver returns
// its own error types that we cannot wrap at the source.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint violation")
}

// IsDatabaseClosed checks if an error indicates the database connection is
// closed. This typically occurs during graceful shutdown when the database is
// closed before all loops have finished their current iteration.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
