package oauth2

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/errors"
)

type fakeExtender struct {
	next     Credentials
	err      error
	calls    int
	presented string
}

func (f *fakeExtender) Extend(_ context.Context, refreshToken string) (Credentials, error) {
	f.calls++
	f.presented = refreshToken
	if f.err != nil {
		return Credentials{}, f.err
	}
	return f.next, nil
}

func TestGetOrExtendStillValid(t *testing.T) {
	now := time.Now()
	current := Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(time.Hour),
	}
	ext := &fakeExtender{}

	creds, extended, err := GetOrExtend(context.Background(), current, ext, now, DefaultLeniency)
	require.NoError(t, err)
	assert.False(t, extended)
	assert.Equal(t, current, creds)
	assert.Zero(t, ext.calls, "valid credentials should not hit the provider")
}

func TestGetOrExtendWithinLeniency(t *testing.T) {
	// Token technically unexpired, but expires inside the leniency window.
	now := time.Now()
	current := Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(2 * time.Second),
	}
	ext := &fakeExtender{next: Credentials{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    now.Add(2 * time.Hour),
	}}

	creds, extended, err := GetOrExtend(context.Background(), current, ext, now, DefaultLeniency)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "refresh-1", ext.presented, "must exchange the current refresh token")
}

func TestGetOrExtendCredentialError(t *testing.T) {
	now := time.Now()
	current := Credentials{RefreshToken: "refresh-1", ExpiresAt: now.Add(-time.Minute)}
	ext := &fakeExtender{err: errors.Wrap(errors.ErrCredential, "token revoked")}

	_, _, err := GetOrExtend(context.Background(), current, ext, now, DefaultLeniency)
	require.Error(t, err)
	assert.True(t, errors.IsCredential(err))
}
