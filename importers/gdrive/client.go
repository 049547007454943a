// Package gdrive imports documents from a Google Drive folder.
package gdrive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/oauth2"
)

// File is the slice of Drive file metadata the importer needs.
type File struct {
	ID           string
	Name         string
	MimeType     string
	WebViewLink  string
	ModifiedTime time.Time
}

// API is the port to the Drive v3 API.
type API interface {
	// ListFolder returns the files currently in the folder plus a change
	// cursor for incremental syncs.
	ListFolder(ctx context.Context, accessToken, folderID string) ([]File, string, error)

	// ChangedFiles returns files in the folder changed since the cursor,
	// plus the next cursor.
	ChangedFiles(ctx context.Context, accessToken, folderID, pageToken string) ([]File, string, error)
}

const (
	defaultAPIBaseURL   = "https://www.googleapis.com"
	defaultTokenBaseURL = "https://oauth2.googleapis.com"
)

// Client calls the Drive v3 API and the Google token endpoint. It
// implements oauth2.Extender; unlike Twitter, Google keeps the refresh
// token stable across exchanges, so the presented token is carried over
// into the returned credentials.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	apiBaseURL   string
	tokenBaseURL string
}

var _ oauth2.Extender = (*Client)(nil)

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		clientID:     clientID,
		clientSecret: clientSecret,
		apiBaseURL:   defaultAPIBaseURL,
		tokenBaseURL: defaultTokenBaseURL,
	}
}

func (c *Client) ListFolder(ctx context.Context, accessToken, folderID string) ([]File, string, error) {
	query := url.Values{
		"q":      {"'" + folderID + "' in parents and trashed = false"},
		"fields": {"nextPageToken, files(id, name, mimeType, webViewLink, modifiedTime)"},
	}

	var files []File
	for {
		var page struct {
			NextPageToken string     `json:"nextPageToken"`
			Files         []fileJSON `json:"files"`
		}
		if err := c.get(ctx, accessToken, "/drive/v3/files?"+query.Encode(), &page); err != nil {
			return nil, "", err
		}
		for _, f := range page.Files {
			files = append(files, f.toFile())
		}
		if page.NextPageToken == "" {
			break
		}
		query.Set("pageToken", page.NextPageToken)
	}

	var start struct {
		StartPageToken string `json:"startPageToken"`
	}
	if err := c.get(ctx, accessToken, "/drive/v3/changes/startPageToken", &start); err != nil {
		return nil, "", err
	}
	return files, start.StartPageToken, nil
}

func (c *Client) ChangedFiles(ctx context.Context, accessToken, folderID, pageToken string) ([]File, string, error) {
	query := url.Values{
		"pageToken": {pageToken},
		"fields":    {"nextPageToken, newStartPageToken, changes(removed, file(id, name, mimeType, webViewLink, modifiedTime, parents, trashed))"},
	}

	var files []File
	nextCursor := pageToken
	for {
		var page struct {
			NextPageToken     string `json:"nextPageToken"`
			NewStartPageToken string `json:"newStartPageToken"`
			Changes           []struct {
				Removed bool `json:"removed"`
				File    *struct {
					fileJSON
					Parents []string `json:"parents"`
					Trashed bool     `json:"trashed"`
				} `json:"file"`
			} `json:"changes"`
		}
		if err := c.get(ctx, accessToken, "/drive/v3/changes?"+query.Encode(), &page); err != nil {
			return nil, "", err
		}

		for _, change := range page.Changes {
			if change.Removed || change.File == nil || change.File.Trashed {
				continue
			}
			if !contains(change.File.Parents, folderID) {
				continue
			}
			files = append(files, change.File.toFile())
		}

		if page.NewStartPageToken != "" {
			nextCursor = page.NewStartPageToken
		}
		if page.NextPageToken == "" {
			break
		}
		query.Set("pageToken", page.NextPageToken)
	}
	return files, nextCursor, nil
}

// Extend exchanges the refresh token for a fresh access token.
func (c *Client) Extend(ctx context.Context, refreshToken string) (oauth2.Credentials, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.tokenBaseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return oauth2.Credentials{}, errors.Wrap(err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oauth2.Credentials{}, errors.Wrap(err, "exchange refresh token")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return oauth2.Credentials{}, errors.Wrapf(err, "token exchange returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return oauth2.Credentials{}, errors.Wrap(err, "decode token response")
	}

	return oauth2.Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

func (c *Client) get(ctx context.Context, accessToken, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build drive request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "call drive api")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return errors.Wrapf(err, "drive api returned %d", resp.StatusCode)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(into), "decode drive response")
}

type fileJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	WebViewLink  string `json:"webViewLink"`
	ModifiedTime string `json:"modifiedTime"`
}

func (f fileJSON) toFile() File {
	modifiedTime, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return File{
		ID:           f.ID,
		Name:         f.Name,
		MimeType:     f.MimeType,
		WebViewLink:  f.WebViewLink,
		ModifiedTime: modifiedTime,
	}
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusBadRequest:
		return errors.ErrCredential
	case status == http.StatusTooManyRequests:
		return errors.ErrRateLimited
	default:
		return errors.ErrServiceUnavailable
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
