package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recollect/recollect/errors"
)

// ErrLockNotAvailable is returned when the advisory lock key is already held.
var ErrLockNotAvailable = errors.New("advisory lock not available")

// LockKey derives a signed 64-bit advisory lock key from arbitrary
// identifiers, so callers can lock on e.g. ("import", userID).
func LockKey(ids ...any) int64 {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "-")))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// AcquireAdvisoryLock takes a short-lived mutual-exclusion lease keyed by the
// given identifiers. Returns a release func on success, or ErrLockNotAvailable
// if another holder owns an unexpired lease for the same key.
//
// The lease expires on its own after ttl, so a crashed holder cannot wedge the
// key forever. Not needed by the scheduler itself (the claim statement is its
// own mutual exclusion); this exists for operations that need broader
// exclusion than a single-row claim.
func AcquireAdvisoryLock(ctx context.Context, db *sql.DB, ttl time.Duration, ids ...any) (release func() error, err error) {
	key := LockKey(ids...)
	owner := uuid.NewString()
	now := time.Now().UTC()

	res, err := db.ExecContext(ctx, `
		INSERT INTO advisory_locks (key, owner, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE
				SET owner = excluded.owner, expires_at = excluded.expires_at
				WHERE advisory_locks.expires_at <= ?
	`,
		key,
		owner,
		now.Add(ttl).Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, errors.Wrap(err, "acquire advisory lock")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "acquire advisory lock: rows affected")
	}
	if affected == 0 {
		return nil, errors.Wrapf(ErrLockNotAvailable, "key %d", key)
	}

	release = func() error {
		_, err := db.Exec("DELETE FROM advisory_locks WHERE key = ? AND owner = ?", key, owner)
		return errors.Wrap(err, "release advisory lock")
	}
	return release, nil
}
