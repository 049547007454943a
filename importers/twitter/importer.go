package twitter

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

// Twitter rate-limits in 15 minute windows; wait a little past one window
// before trying again.
const rateLimitDelay = 20 * time.Minute

const (
	firstSyncCount     = 100
	recurringSyncCount = 10
)

// Importer pulls a user's bookmarks. Access tokens expire every two hours,
// so nearly every cycle starts with a credential extension; the extension is
// persisted through the CredentialPersister before any bookmark fetch runs.
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
		log:      log.Named("twitter"),
	}
}

func (i *Importer) Source() imports.Source { return imports.SourceTwitter }

func (i *Importer) ShouldSkip(*imports.RecurringImport) bool { return false }

func (i *Importer) FetchAndConvert(
	ctx context.Context,
	record *imports.RecurringImport,
	settings imports.Settings,
	importContext imports.Context,
) (importer.Result, error) {
	twitterSettings := settings.(*imports.TwitterSettings)

	// Twitter imports are created with credentials in context; a record
	// without them cannot ever fetch anything.
	twitterContext, ok := importContext.(*imports.TwitterContext)
	if !ok {
		return importer.PermanentFailure{Detail: "The Twitter connection is missing its authorization."}, nil
	}

	creds, err := i.creds.ExtendAndPersist(ctx, record.ID, twitterContext.Credentials, i.extender,
		func(c oauth2.Credentials) imports.Context {
			return imports.TwitterContext{Credentials: c}
		})
	if err != nil {
		return i.classify(record, err, "extend access")
	}

	// Full sync on the first run, then just the newest few: bookmarks carry
	// no bookmarked-at metadata, so recent IDs in context are the only
	// dedup signal.
	count := firstSyncCount
	if record.LastRunFinishedAt != nil {
		count = recurringSyncCount
	}

	bookmarks, err := i.api.GetBookmarks(ctx, creds.AccessToken, twitterSettings.AccountID, count)
	if err != nil {
		return i.classify(record, err, "fetch bookmarks")
	}

	fresh := excludeSynced(bookmarks, twitterContext.LatestTweetIDs)
	if len(fresh) == 0 {
		return importer.NoNewContent{}, nil
	}

	artifacts := make([]content.Artifact, 0, len(fresh))
	now := time.Now()
	for _, tweet := range fresh {
		body, err := json.Marshal(tweet)
		if err != nil {
			return nil, errors.Wrap(err, "encode tweet")
		}
		artifacts = append(artifacts, content.Artifact{
			URL:         tweet.URL,
			Body:        string(body),
			RetrievedAt: now,
		})
	}

	latest := make([]string, 0, recurringSyncCount)
	for _, tweet := range bookmarks {
		if len(latest) == recurringSyncCount {
			break
		}
		latest = append(latest, tweet.ID)
	}

	return importer.Success{
		Artifacts: artifacts,
		UpdatedContext: imports.TwitterContext{
			Credentials:    creds,
			LatestTweetIDs: latest,
		},
	}, nil
}

// classify translates API errors this importer understands; anything else
// escapes to the driver as a plain transient failure.
func (i *Importer) classify(record *imports.RecurringImport, err error, operation string) (importer.Result, error) {
	i.log.Warnw("Twitter API call failed",
		"record_id", record.ID,
		"operation", operation,
		"error", err,
	)
	switch {
	case errors.IsCredential(err):
		return importer.PermanentFailure{Detail: "Twitter authorization expired or was revoked. Please reconnect."}, nil
	case errors.Is(err, errors.ErrRateLimited):
		return importer.TransientFailure{
			Detail: "Twitter is rate limiting requests. Will retry.",
			Delay:  rateLimitDelay,
		}, nil
	default:
		return nil, err
	}
}

func excludeSynced(tweets []Tweet, syncedIDs []string) []Tweet {
	if len(syncedIDs) == 0 {
		return tweets
	}
	synced := make(map[string]struct{}, len(syncedIDs))
	for _, id := range syncedIDs {
		synced[id] = struct{}{}
	}

	var fresh []Tweet
	for _, tweet := range tweets {
		if _, ok := synced[tweet.ID]; !ok {
			fresh = append(fresh, tweet)
		}
	}
	return fresh
}
