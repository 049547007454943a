// Package imports holds the recurring import record and its persistence,
// including the due-job claim algorithm that turns the recurring_imports
// table into a leased work queue for dispatcher replicas.
package imports

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source identifies the integration kind behind a recurring import.
type Source string

const (
	SourceAppleNotes  Source = "apple-notes"
	SourceRSS         Source = "rss"
	SourceReadwiseV2  Source = "readwise-v2"
	SourceReadwiseV3  Source = "readwise-v3"
	SourceTwitter     Source = "twitter"
	SourceGoogleDrive Source = "google-drive"
)

// IsValidSource returns true if the string names a supported source.
func IsValidSource(s string) bool {
	switch Source(s) {
	case SourceAppleNotes, SourceRSS, SourceReadwiseV2, SourceReadwiseV3,
		SourceTwitter, SourceGoogleDrive:
		return true
	default:
		return false
	}
}

// Status is the outcome of a recurring import's most recent run.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusNoNewData        Status = "no_new_data"
	StatusPermanentFailure Status = "permanent_failure"
	StatusTransientFailure Status = "transient_failure"
)

// RecurringImport is a persisted job definition.
//
// Settings holds integration-specific configuration written by user requests;
// its identity fields never change across updates. Context holds
// integration-specific state written by the execution pipeline (OAuth tokens,
// last-seen cursors) and is never touched by user requests.
type RecurringImport struct {
	ID        string
	CreatedAt time.Time
	UserID    string
	Source    Source
	Settings  json.RawMessage
	Context   json.RawMessage // nil when the integration has no context yet
	Enabled   bool
	Interval  time.Duration
	NextRunAt time.Time

	LastRunFinishedAt *time.Time
	LastRunStatus     Status // empty until the first run completes
	LastRunDetail     string
}

// namespace for deterministic recurring import IDs (uuid v5)
var importIDNamespace = uuid.MustParse("9f2c1af6-42dd-4b62-9f67-2c3ff1f12a5e")

// DeterministicID derives the record ID from (source, user, integration key),
// e.g. the feed URL for RSS or the account ID for Twitter. Re-submitting
// identical configuration produces the same ID, so duplicates surface as a
// key conflict instead of a second record.
func DeterministicID(source Source, userID string, integrationKey string) string {
	name := string(source) + "|" + userID + "|" + integrationKey
	return uuid.NewSHA1(importIDNamespace, []byte(name)).String()
}

// Due reports whether the import should run at the given instant.
func (r *RecurringImport) Due(now time.Time) bool {
	return r.Enabled && !r.NextRunAt.After(now)
}

func (r *RecurringImport) String() string {
	return string(r.Source) + " import " + r.ID
}
