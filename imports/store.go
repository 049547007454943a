package imports

import (
	"context"
	"database/sql"
	"time"

	"github.com/recollect/recollect/db"
	"github.com/recollect/recollect/errors"
)

const columns = `id, created_at, user_id, source, settings, context, enabled,
	       interval_seconds, next_run_at, last_run_finished_at,
	       last_run_status, last_run_detail`

// Store handles persistence of recurring imports.
type Store struct {
	db *sql.DB
}

// NewStore creates a new recurring import store.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new recurring import. The record ID is deterministic over
// (source, user, integration key), so re-submitting identical configuration
// returns errors.ErrConflict rather than creating a second record.
//
// Settings are validated against the source's concrete type before anything
// touches the database.
func (s *Store) Create(ctx context.Context, record *RecurringImport) error {
	if _, err := DecodeSettings(record); err != nil {
		return errors.Wrap(err, "invalid settings")
	}
	if _, err := DecodeContext(record); err != nil {
		return errors.Wrap(err, "invalid context")
	}

	query := `
		INSERT INTO recurring_imports (
			id, created_at, user_id, source, settings, context, enabled,
			interval_seconds, next_run_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var rawContext any
	if len(record.Context) > 0 {
		rawContext = string(record.Context)
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.CreatedAt.UTC().Format(time.RFC3339),
		record.UserID,
		string(record.Source),
		string(record.Settings),
		rawContext,
		record.Enabled,
		int64(record.Interval/time.Second),
		record.NextRunAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if db.IsConflict(err) {
			return errors.Wrapf(errors.ErrConflict, "recurring import %s already exists", record.ID)
		}
		return errors.Wrap(err, "failed to create recurring import")
	}
	return nil
}

// Get retrieves a recurring import by ID.
func (s *Store) Get(ctx context.Context, id string) (*RecurringImport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM recurring_imports WHERE id = ?`, id)

	record, err := scanImport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "recurring import %s", id)
		}
		return nil, errors.Wrap(err, "failed to get recurring import")
	}
	return record, nil
}

// ListByUserAndSource retrieves all recurring imports matching source for the
// given user, for UI display.
func (s *Store) ListByUserAndSource(ctx context.Context, userID string, source Source) ([]*RecurringImport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM recurring_imports
		 WHERE user_id = ? AND source = ?
		 ORDER BY created_at`, userID, string(source))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recurring imports")
	}
	defer rows.Close()

	var records []*RecurringImport
	for rows.Next() {
		record, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ClaimDue atomically claims up to limit enabled records that are due at or
// before the given instant, advancing each claimed record's next_run_at to
// the database clock plus its interval, and returns the post-update rows.
//
// The select-and-update happens in a single statement so that no two
// concurrent callers can claim the same record for the same due period: the
// advanced next_run_at is the lease. The enabled predicate is re-checked
// inside the UPDATE itself, so a record disabled between selection and commit
// is not claimed. The new next_run_at comes from the database's own clock, so
// clock skew between dispatcher replicas does not accumulate into the
// schedule.
//
// Selection is oldest-due first to bound worst-case staleness under load.
// Callers loop until a call returns fewer than limit rows.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*RecurringImport, error) {
	query := `
		UPDATE recurring_imports
			SET next_run_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now', '+' || interval_seconds || ' seconds')
			WHERE enabled = 1
				AND id IN (
					SELECT id FROM recurring_imports
						WHERE next_run_at <= ? AND enabled = 1
						ORDER BY next_run_at
						LIMIT ?
				)
			RETURNING ` + columns

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due imports")
	}
	defer rows.Close()

	var claimed []*RecurringImport
	for rows.Next() {
		record, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, record)
	}
	return claimed, rows.Err()
}

// SetEnabled enables or disables the recurring import matching the given ID.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, id,
		`UPDATE recurring_imports SET enabled = ? WHERE id = ?`, enabled, id)
}

// UpdateSettings replaces the settings for the recurring import matching the
// given ID.
func (s *Store) UpdateSettings(ctx context.Context, id string, settings Settings) error {
	raw, err := EncodeSettings(settings)
	if err != nil {
		return err
	}
	return s.execOne(ctx, id,
		`UPDATE recurring_imports SET settings = ? WHERE id = ?`, string(raw), id)
}

// UpdateContext replaces the context for the recurring import matching the
// given ID.
func (s *Store) UpdateContext(ctx context.Context, id string, importContext Context) error {
	raw, err := EncodeContext(importContext)
	if err != nil {
		return err
	}
	return s.execOne(ctx, id,
		`UPDATE recurring_imports SET context = ? WHERE id = ?`, string(raw), id)
}

// MergeContext merges a partial context into the existing context for the
// recurring import matching the given ID. Fields absent from the partial
// context are left untouched, so credential rotation can commit without
// clobbering sync markers written by a previous run.
func (s *Store) MergeContext(ctx context.Context, id string, partial Context) error {
	raw, err := EncodeContext(partial)
	if err != nil {
		return err
	}
	return s.execOne(ctx, id,
		`UPDATE recurring_imports
			SET context = json_patch(COALESCE(context, '{}'), ?)
			WHERE id = ?`, string(raw), id)
}

// SetNextRunAt overrides the next run timestamp for the recurring import
// matching the given ID. Used for user-triggered "run now" and for transient
// failures that carry an explicit retry delay; the claim algorithm itself
// never calls this.
func (s *Store) SetNextRunAt(ctx context.Context, id string, instant time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE recurring_imports SET next_run_at = ? WHERE id = ?`,
		instant.UTC().Format(time.RFC3339), id)
}

// UpdateLastRun records the outcome of the most recent execution. The detail
// is user-facing text; callers must keep it short and free of technical
// internals.
func (s *Store) UpdateLastRun(ctx context.Context, id string, finishedAt time.Time, status Status, detail string) error {
	var nullableDetail any
	if detail != "" {
		nullableDetail = detail
	}
	return s.execOne(ctx, id,
		`UPDATE recurring_imports
			SET last_run_finished_at = ?, last_run_status = ?, last_run_detail = ?
			WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339), string(status), nullableDetail, id)
}

func (s *Store) execOne(ctx context.Context, id string, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update recurring import")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "recurring import %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(row rowScanner) (*RecurringImport, error) {
	var record RecurringImport
	var createdAt, nextRunAt, source string
	var intervalSeconds int64
	var rawContext, lastRunFinishedAt, lastRunStatus, lastRunDetail sql.NullString

	err := row.Scan(
		&record.ID,
		&createdAt,
		&record.UserID,
		&source,
		&record.Settings,
		&rawContext,
		&record.Enabled,
		&intervalSeconds,
		&nextRunAt,
		&lastRunFinishedAt,
		&lastRunStatus,
		&lastRunDetail,
	)
	if err != nil {
		return nil, err
	}

	record.Source = Source(source)
	record.Interval = time.Duration(intervalSeconds) * time.Second

	// Timestamp parse failures indicate data corruption or a schema mismatch.
	record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for import %s", record.ID)
	}
	record.NextRunAt, err = time.Parse(time.RFC3339, nextRunAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for import %s", record.ID)
	}

	if rawContext.Valid {
		record.Context = []byte(rawContext.String)
	}
	if lastRunFinishedAt.Valid {
		t, err := time.Parse(time.RFC3339, lastRunFinishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_run_finished_at for import %s", record.ID)
		}
		record.LastRunFinishedAt = &t
	}
	if lastRunStatus.Valid {
		record.LastRunStatus = Status(lastRunStatus.String)
	}
	if lastRunDetail.Valid {
		record.LastRunDetail = lastRunDetail.String
	}

	return &record, nil
}
