// Package oauth2 implements the credential lifecycle shared by integrations
// that authenticate with OAuth2 access/refresh token pairs.
//
// Refresh tokens are single-use: exchanging one invalidates it upstream the
// moment the exchange succeeds, whether or not the caller manages to hold on
// to the replacement. Everything in this package is shaped around not losing
// that replacement.
package oauth2

import (
	"time"
)

// Credentials is one live access/refresh token pair for an integration.
// There is exactly one live set per recurring import at any time, stored in
// the import's context.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires at or before
// now + leniency. The leniency accounts for clock drift and the delay in
// firing the request that will use the token.
func (c Credentials) ExpiresWithin(now time.Time, leniency time.Duration) bool {
	return !now.Add(leniency).Before(c.ExpiresAt)
}
