package imports

import (
	"encoding/json"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/oauth2"
)

// Settings is the closed set of per-source import configuration. One struct
// per source; identity fields (feed URL, account ID) must never change across
// updates. Validated at the storage boundary rather than threaded through
// generic code as loose JSON.
type Settings interface {
	SettingsSource() Source
}

// Context is the closed set of per-source execution state: OAuth credentials,
// cursors, last-seen markers. Written only by the execution pipeline.
type Context interface {
	ContextSource() Source
}

// RSSSettings configures an RSS/Atom feed import.
type RSSSettings struct {
	FeedURL string `json:"feed_url"`
}

func (RSSSettings) SettingsSource() Source { return SourceRSS }

// RSSContext tracks the newest item seen so unchanged feeds short-circuit.
type RSSContext struct {
	LastItemGUID string `json:"last_item_guid,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (RSSContext) ContextSource() Source { return SourceRSS }

// TwitterSettings configures a Twitter bookmarks import.
type TwitterSettings struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
}

func (TwitterSettings) SettingsSource() Source { return SourceTwitter }

// TwitterContext holds the OAuth2 credentials and sync markers for a Twitter
// import. Unlike other integrations, the context must be populated when the
// import is created (credentials come from the user's authorization flow).
type TwitterContext struct {
	Credentials    oauth2.Credentials `json:"oauth2_credentials"`
	LatestTweetIDs []string           `json:"latest_tweet_ids_syncd,omitempty"`
}

func (TwitterContext) ContextSource() Source { return SourceTwitter }

// ReadwiseSettings configures a Readwise highlights import.
type ReadwiseSettings struct {
	AccessToken string `json:"access_token"`
}

func (ReadwiseSettings) SettingsSource() Source { return SourceReadwiseV3 }

// ReadwiseContext tracks the incremental export cursor.
type ReadwiseContext struct {
	UpdatedAfter string `json:"updated_after,omitempty"`
}

func (ReadwiseContext) ContextSource() Source { return SourceReadwiseV3 }

// GoogleDriveSettings configures a Google Drive folder import.
type GoogleDriveSettings struct {
	FolderID string `json:"folder_id"`
}

func (GoogleDriveSettings) SettingsSource() Source { return SourceGoogleDrive }

// GoogleDriveContext holds OAuth2 credentials and the change-feed page token.
type GoogleDriveContext struct {
	Credentials oauth2.Credentials `json:"oauth2_credentials"`
	PageToken   string             `json:"page_token,omitempty"`
}

func (GoogleDriveContext) ContextSource() Source { return SourceGoogleDrive }

// EncodeSettings serializes typed settings for storage.
func EncodeSettings(s Settings) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s settings", s.SettingsSource())
	}
	return data, nil
}

// EncodeContext serializes typed context for storage. A nil context encodes
// to nil (stored as SQL NULL).
func EncodeContext(c Context) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s context", c.ContextSource())
	}
	return data, nil
}

// DecodeSettings validates and decodes the raw settings of a record into the
// concrete type for its source.
func DecodeSettings(r *RecurringImport) (Settings, error) {
	decode := func(into Settings) (Settings, error) {
		if err := json.Unmarshal(r.Settings, into); err != nil {
			return nil, errors.Wrapf(err, "decode %s settings for %s", r.Source, r.ID)
		}
		return into, nil
	}

	switch r.Source {
	case SourceRSS:
		return decode(&RSSSettings{})
	case SourceTwitter:
		return decode(&TwitterSettings{})
	case SourceReadwiseV2, SourceReadwiseV3:
		return decode(&ReadwiseSettings{})
	case SourceGoogleDrive:
		return decode(&GoogleDriveSettings{})
	default:
		return nil, errors.Newf("no settings type for source %q", r.Source)
	}
}

// DecodeContext validates and decodes the raw context of a record into the
// concrete type for its source. Returns (nil, nil) when the record has no
// context yet.
func DecodeContext(r *RecurringImport) (Context, error) {
	if len(r.Context) == 0 {
		return nil, nil
	}

	decode := func(into Context) (Context, error) {
		if err := json.Unmarshal(r.Context, into); err != nil {
			return nil, errors.Wrapf(err, "decode %s context for %s", r.Source, r.ID)
		}
		return into, nil
	}

	switch r.Source {
	case SourceRSS:
		return decode(&RSSContext{})
	case SourceTwitter:
		return decode(&TwitterContext{})
	case SourceReadwiseV2, SourceReadwiseV3:
		return decode(&ReadwiseContext{})
	case SourceGoogleDrive:
		return decode(&GoogleDriveContext{})
	default:
		return nil, errors.Newf("no context type for source %q", r.Source)
	}
}
