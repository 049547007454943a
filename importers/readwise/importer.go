package readwise

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/imports"
)

// Readwise rate-limits at 20 requests per minute per token.
const rateLimitDelay = time.Minute

// Importer pulls highlights through the incremental export API. The cursor
// in context makes each cycle fetch only what changed since the last one.
type Importer struct {
	api    API
	source imports.Source
	log    *zap.SugaredLogger
}

var _ importer.Importer = (*Importer)(nil)

// New creates a Readwise importer. The same implementation serves both
// generations of the integration; source selects which records it claims.
func New(api API, source imports.Source, log *zap.SugaredLogger) *Importer {
	return &Importer{api: api, source: source, log: log.Named("readwise")}
}

func (i *Importer) Source() imports.Source { return i.source }

func (i *Importer) ShouldSkip(*imports.RecurringImport) bool { return false }

func (i *Importer) FetchAndConvert(
	ctx context.Context,
	record *imports.RecurringImport,
	settings imports.Settings,
	importContext imports.Context,
) (importer.Result, error) {
	readwiseSettings := settings.(*imports.ReadwiseSettings)

	var updatedAfter string
	if readwiseContext, ok := importContext.(*imports.ReadwiseContext); ok {
		updatedAfter = readwiseContext.UpdatedAfter
	}

	highlights, nextCursor, err := i.api.Export(ctx, readwiseSettings.AccessToken, updatedAfter)
	if err != nil {
		return i.classify(record, err)
	}
	if len(highlights) == 0 {
		return importer.NoNewContent{}, nil
	}

	now := time.Now()
	artifacts := make([]content.Artifact, 0, len(highlights))
	for _, highlight := range highlights {
		body, err := json.Marshal(highlight)
		if err != nil {
			return nil, errors.Wrap(err, "encode highlight")
		}
		artifacts = append(artifacts, content.Artifact{
			URL:         highlightURL(highlight),
			Body:        string(body),
			RetrievedAt: now,
		})
	}

	return importer.Success{
		Artifacts:      artifacts,
		UpdatedContext: imports.ReadwiseContext{UpdatedAfter: nextCursor},
	}, nil
}

func (i *Importer) classify(record *imports.RecurringImport, err error) (importer.Result, error) {
	i.log.Warnw("Readwise export failed",
		"record_id", record.ID,
		"error", err,
	)
	switch {
	case errors.IsCredential(err):
		return importer.PermanentFailure{Detail: "The Readwise access token is invalid. Please reconnect."}, nil
	case errors.Is(err, errors.ErrRateLimited):
		return importer.TransientFailure{
			Detail: "Readwise is rate limiting requests. Will retry.",
			Delay:  rateLimitDelay,
		}, nil
	default:
		return nil, err
	}
}
