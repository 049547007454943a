// Package twitter imports a user's Twitter bookmarks.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/oauth2"
)

// Tweet is the slice of the v2 API response the importer needs.
type Tweet struct {
	ID        string
	URL       string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}

// API is the port to the Twitter v2 API.
type API interface {
	// GetBookmarks returns the newest bookmarks for the account, newest
	// first, up to maxResults.
	GetBookmarks(ctx context.Context, accessToken, accountID string, maxResults int) ([]Tweet, error)
}

const defaultBaseURL = "https://api.twitter.com"

// Client calls the Twitter v2 API with user-auth (OAuth2 PKCE) tokens. It
// also implements oauth2.Extender for the single-use refresh token exchange.
//
// Requests are locally rate-limited well under the v2 basic-plan budget, so
// a burst of due imports does not eat the 15-minute window that interactive
// features share.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	clientID   string
	baseURL    string
}

var _ oauth2.Extender = (*Client)(nil)

// NewClient creates a client. clientID is the OAuth2 application client ID
// used for token exchange.
func NewClient(clientID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 5),
		clientID:   clientID,
		baseURL:    defaultBaseURL,
	}
}

func (c *Client) GetBookmarks(ctx context.Context, accessToken, accountID string, maxResults int) ([]Tweet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/2/users/%s/bookmarks?max_results=%d&tweet.fields=created_at,author_id",
		c.baseURL, url.PathEscape(accountID), maxResults)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build bookmarks request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch bookmarks")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, errors.Wrapf(err, "bookmarks request returned %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			ID        string `json:"id"`
			AuthorID  string `json:"author_id"`
			Text      string `json:"text"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode bookmarks response")
	}

	tweets := make([]Tweet, 0, len(payload.Data))
	for _, item := range payload.Data {
		createdAt, _ := time.Parse(time.RFC3339, item.CreatedAt)
		tweets = append(tweets, Tweet{
			ID:        item.ID,
			URL:       "https://twitter.com/i/web/status/" + item.ID,
			AuthorID:  item.AuthorID,
			Text:      item.Text,
			CreatedAt: createdAt,
		})
	}
	return tweets, nil
}

// Extend exchanges the refresh token for a new credential triple. The
// presented token is dead afterwards regardless of what we do with the
// response.
func (c *Client) Extend(ctx context.Context, refreshToken string) (oauth2.Credentials, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return oauth2.Credentials{}, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
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
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oauth2.Credentials{}, errors.Wrapf(err, "token exchange returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return oauth2.Credentials{}, errors.Wrap(err, "decode token response")
	}

	return oauth2.Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// classifyStatus maps HTTP statuses onto the error classes the pipeline
// understands. 400 on the token endpoint means the refresh token itself was
// rejected.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusBadRequest:
		return errors.ErrCredential
	case status == http.StatusTooManyRequests:
		return errors.ErrRateLimited
	default:
		return errors.Wrap(errors.ErrServiceUnavailable, strconv.Itoa(status))
	}
}
