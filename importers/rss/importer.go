// Package rss imports new items from RSS and Atom feeds.
package rss

import (
	"context"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/imports"
)

// Importer polls a feed URL and imports items newer than the last one seen.
// Feeds carry no reliable per-item timestamps, so the GUID of the newest
// item at each sync is the cursor.
type Importer struct {
	parser *gofeed.Parser
	log    *zap.SugaredLogger
}

var _ importer.Importer = (*Importer)(nil)

func New(log *zap.SugaredLogger) *Importer {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 30 * time.Second}
	parser.UserAgent = "recollect-importer/1.0"
	return &Importer{parser: parser, log: log.Named("rss")}
}

func (i *Importer) Source() imports.Source { return imports.SourceRSS }

func (i *Importer) ShouldSkip(*imports.RecurringImport) bool { return false }

func (i *Importer) FetchAndConvert(
	ctx context.Context,
	record *imports.RecurringImport,
	settings imports.Settings,
	importContext imports.Context,
) (importer.Result, error) {
	rssSettings := settings.(*imports.RSSSettings)

	var cursor string
	if rssContext, ok := importContext.(*imports.RSSContext); ok {
		cursor = rssContext.LastItemGUID
	}

	feed, err := i.parser.ParseURLWithContext(rssSettings.FeedURL, ctx)
	if err != nil {
		return i.classify(record, err)
	}
	if len(feed.Items) == 0 {
		return importer.NoNewContent{}, nil
	}

	fresh := itemsSince(feed.Items, cursor)
	if len(fresh) == 0 {
		return importer.NoNewContent{}, nil
	}

	now := time.Now()
	artifacts := make([]content.Artifact, 0, len(fresh))
	for _, item := range fresh {
		body := item.Content
		if body == "" {
			body = item.Description
		}
		artifacts = append(artifacts, content.Artifact{
			URL:         item.Link,
			Body:        body,
			RetrievedAt: now,
		})
	}

	return importer.Success{
		Artifacts: artifacts,
		UpdatedContext: imports.RSSContext{
			LastItemGUID: itemGUID(feed.Items[0]),
			LastModified: feed.Updated,
		},
	}, nil
}

func (i *Importer) classify(record *imports.RecurringImport, err error) (importer.Result, error) {
	i.log.Warnw("Feed fetch failed",
		"record_id", record.ID,
		"error", err,
	)

	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusGone:
			return importer.PermanentFailure{Detail: "The feed could not be found or is no longer accessible."}, nil
		}
		return importer.TransientFailure{Detail: "The feed is temporarily unavailable. Will retry."}, nil
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return importer.PermanentFailure{Detail: "The URL does not point to a valid RSS or Atom feed."}, nil
	}

	// Network-level failures escape to the driver as transient.
	return nil, err
}

// itemsSince returns the items ahead of the cursor, preserving feed order
// (newest first for virtually all feeds). An unknown cursor means the feed
// was rewritten; import everything rather than miss items.
func itemsSince(items []*gofeed.Item, cursor string) []*gofeed.Item {
	if cursor == "" {
		return items
	}
	for index, item := range items {
		if itemGUID(item) == cursor {
			return items[:index]
		}
	}
	return items
}

// itemGUID falls back to the link for feeds that omit GUIDs.
func itemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}
