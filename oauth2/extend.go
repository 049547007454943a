package oauth2

import (
	"context"
	"time"

	"github.com/recollect/recollect/errors"
)

// DefaultLeniency is how close to expiry an access token may be before we
// refresh it anyway, to avoid handing out a token that expires mid-request.
const DefaultLeniency = 5 * time.Second

// Extender exchanges the current refresh token for a new credential triple at
// the upstream provider. Implementations must return an error wrapping
// errors.ErrCredential when the provider rejects the token itself
// (invalid/revoked), so callers can distinguish permanent from transient
// failures.
//
// The exchange invalidates the presented refresh token as a side effect,
// unconditionally. Callers must persist the returned credentials before any
// further use.
type Extender interface {
	Extend(ctx context.Context, refreshToken string) (Credentials, error)
}

// GetOrExtend returns valid credentials for one execution.
//
// If the current access token is still valid past the leniency window, it is
// returned unchanged with extended=false. Otherwise the refresh token is
// exchanged upstream and the new credentials are returned with extended=true.
//
// Whenever extended is true the caller MUST persist the new credentials to
// durable storage before using them for anything else: the old refresh token
// is already dead, and losing the new one strands the integration until the
// user re-authenticates.
func GetOrExtend(
	ctx context.Context,
	current Credentials,
	extender Extender,
	now time.Time,
	leniency time.Duration,
) (creds Credentials, extended bool, err error) {
	if !current.ExpiresWithin(now, leniency) {
		return current, false, nil
	}

	creds, err = extender.Extend(ctx, current.RefreshToken)
	if err != nil {
		return Credentials{}, false, errors.Wrap(err, "extend oauth2 access")
	}
	return creds, true, nil
}
