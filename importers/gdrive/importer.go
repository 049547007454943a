package gdrive

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/oauth2"
)

// Importer watches one Drive folder. The first cycle imports the folder's
// current files and records a change cursor; later cycles only fetch what
// the changes feed reports for that folder.
type Importer struct {
	api      API
	extender oauth2.Extender
	creds    importer.CredentialPersister
	log      *zap.SugaredLogger
}

var _ importer.Importer = (*Importer)(nil)

func New(api API, extender oauth2.Extender, creds importer.CredentialPersister, log *zap.SugaredLogger) *Importer {
	return &Importer{
		api:      api,
		extender: extender,
		creds:    creds,
		log:      log.Named("gdrive"),
	}
}

func (i *Importer) Source() imports.Source { return imports.SourceGoogleDrive }

func (i *Importer) ShouldSkip(*imports.RecurringImport) bool { return false }

func (i *Importer) FetchAndConvert(
	ctx context.Context,
	record *imports.RecurringImport,
	settings imports.Settings,
	importContext imports.Context,
) (importer.Result, error) {
	driveSettings := settings.(*imports.GoogleDriveSettings)

	driveContext, ok := importContext.(*imports.GoogleDriveContext)
	if !ok {
		return importer.PermanentFailure{Detail: "The Google Drive connection is missing its authorization."}, nil
	}

	creds, err := i.creds.ExtendAndPersist(ctx, record.ID, driveContext.Credentials, i.extender,
		func(c oauth2.Credentials) imports.Context {
			return imports.GoogleDriveContext{Credentials: c}
		})
	if err != nil {
		return i.classify(record, err)
	}

	var files []File
	var nextCursor string
	if driveContext.PageToken == "" {
		files, nextCursor, err = i.api.ListFolder(ctx, creds.AccessToken, driveSettings.FolderID)
	} else {
		files, nextCursor, err = i.api.ChangedFiles(ctx, creds.AccessToken, driveSettings.FolderID, driveContext.PageToken)
	}
	if err != nil {
		return i.classify(record, err)
	}

	updatedContext := imports.GoogleDriveContext{
		Credentials: creds,
		PageToken:   nextCursor,
	}

	if len(files) == 0 {
		// Still persist the advanced cursor so the changes feed does not
		// replay the same empty window forever.
		if driveContext.PageToken != nextCursor {
			return importer.Success{UpdatedContext: updatedContext}, nil
		}
		return importer.NoNewContent{}, nil
	}

	now := time.Now()
	artifacts := make([]content.Artifact, 0, len(files))
	for _, file := range files {
		body, err := json.Marshal(file)
		if err != nil {
			return nil, errors.Wrap(err, "encode file metadata")
		}
		artifacts = append(artifacts, content.Artifact{
			URL:         file.WebViewLink,
			Body:        string(body),
			RetrievedAt: now,
		})
	}

	return importer.Success{
		Artifacts:      artifacts,
		UpdatedContext: updatedContext,
	}, nil
}

func (i *Importer) classify(record *imports.RecurringImport, err error) (importer.Result, error) {
	i.log.Warnw("Drive API call failed",
		"record_id", record.ID,
		"error", err,
	)
	switch {
	case errors.IsCredential(err):
		return importer.PermanentFailure{Detail: "Google Drive authorization expired or was revoked. Please reconnect."}, nil
	case errors.Is(err, errors.ErrRateLimited):
		return importer.TransientFailure{Detail: "Google Drive is rate limiting requests. Will retry."}, nil
	default:
		return nil, err
	}
}
