// Package content persists the artifacts importers produce.
package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
)

// Artifact is one piece of imported content, normalized across sources.
type Artifact struct {
	URL         string
	Body        string
	RetrievedAt time.Time
}

// namespace for deterministic artifact IDs (uuid v5)
var artifactIDNamespace = uuid.MustParse("31a0f3de-68cf-47d2-9a33-5bb1c07f40a1")

// ArtifactID derives the content row ID from the owning import and the
// artifact URL. Redelivered task messages re-derive the same IDs, so a
// repeated import cycle overwrites rather than duplicates.
func ArtifactID(recurringImportID, url string) string {
	return uuid.NewSHA1(artifactIDNamespace, []byte(recurringImportID+"|"+url)).String()
}

// Store handles persistence of imported content.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// UpsertArtifacts writes artifacts for one import cycle and returns how many
// rows were written. Safe to call again with the same artifacts: rows are
// keyed by ArtifactID, so at-least-once message delivery cannot duplicate
// content.
func (s *Store) UpsertArtifacts(ctx context.Context, record *imports.RecurringImport, artifacts []Artifact) (int, error) {
	if len(artifacts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin upsert")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, artifact := range artifacts {
		retrievedAt := artifact.RetrievedAt
		if retrievedAt.IsZero() {
			retrievedAt = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO imported_content (id, user_id, recurring_import_id, url, content, source, retrieved_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			     content = excluded.content,
			     retrieved_at = excluded.retrieved_at,
			     updated_at = excluded.updated_at`,
			ArtifactID(record.ID, artifact.URL),
			record.UserID,
			record.ID,
			artifact.URL,
			artifact.Body,
			string(record.Source),
			retrievedAt.UTC().Format(time.RFC3339),
			now,
		)
		if err != nil {
			return 0, errors.Wrapf(err, "upsert artifact %s", artifact.URL)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit upsert")
	}
	return len(artifacts), nil
}

// CountByImport returns how many content rows an import has produced.
func (s *Store) CountByImport(ctx context.Context, recurringImportID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM imported_content WHERE recurring_import_id = ?`,
		recurringImportID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count imported content")
	}
	return count, nil
}
