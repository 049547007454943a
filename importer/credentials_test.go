package importer

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
	recollecttest "github.com/recollect/recollect/internal/testing"
	"github.com/recollect/recollect/oauth2"
)

type fakeExtender struct {
	next  oauth2.Credentials
	err   error
	calls int
}

func (f *fakeExtender) Extend(context.Context, string) (oauth2.Credentials, error) {
	f.calls++
	if f.err != nil {
		return oauth2.Credentials{}, f.err
	}
	return f.next, nil
}

func createTwitterImport(t *testing.T, store *imports.Store, creds oauth2.Credentials) *imports.RecurringImport {
	t.Helper()

	settings, err := imports.EncodeSettings(imports.TwitterSettings{AccountID: "12345", Username: "someone"})
	require.NoError(t, err)
	importContext, err := imports.EncodeContext(imports.TwitterContext{
		Credentials:    creds,
		LatestTweetIDs: []string{"111", "222"},
	})
	require.NoError(t, err)

	record := &imports.RecurringImport{
		ID:        imports.DeterministicID(imports.SourceTwitter, "user-1", "12345"),
		CreatedAt: time.Now(),
		UserID:    "user-1",
		Source:    imports.SourceTwitter,
		Settings:  settings,
		Context:   importContext,
		Enabled:   true,
		Interval:  time.Hour,
		NextRunAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), record))
	return record
}

func twitterPartial(creds oauth2.Credentials) imports.Context {
	return imports.TwitterContext{Credentials: creds}
}

func TestExtendAndPersistCommitsBeforeReturning(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := imports.NewStore(db)
	manager := NewCredentialManager(store, zap.NewNop().Sugar())
	ctx := context.Background()

	expired := oauth2.Credentials{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	record := createTwitterImport(t, store, expired)

	extender := &fakeExtender{next: oauth2.Credentials{
		AccessToken:  "access-new",
		RefreshToken: "refresh-new",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}}

	creds, err := manager.ExtendAndPersist(ctx, record.ID, expired, extender, twitterPartial)
	require.NoError(t, err)
	assert.Equal(t, "access-new", creds.AccessToken)

	// The rotated pair is already on the record.
	updated, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	decoded, err := imports.DecodeContext(updated)
	require.NoError(t, err)
	twitterContext := decoded.(*imports.TwitterContext)
	assert.Equal(t, "refresh-new", twitterContext.Credentials.RefreshToken)
	assert.Equal(t, []string{"111", "222"}, twitterContext.LatestTweetIDs,
		"rotation must not clobber sync markers")
}

func TestExtendAndPersistSkipsValidCredentials(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := imports.NewStore(db)
	manager := NewCredentialManager(store, zap.NewNop().Sugar())

	valid := oauth2.Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	record := createTwitterImport(t, store, valid)

	extender := &fakeExtender{}
	creds, err := manager.ExtendAndPersist(context.Background(), record.ID, valid, extender, twitterPartial)
	require.NoError(t, err)
	assert.Equal(t, valid, creds)
	assert.Zero(t, extender.calls)
}

func TestExtendAndPersistFailedCommitFailsCycle(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := imports.NewStore(db)
	manager := NewCredentialManager(store, zap.NewNop().Sugar())

	expired := oauth2.Credentials{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	extender := &fakeExtender{next: oauth2.Credentials{
		AccessToken:  "access-new",
		RefreshToken: "refresh-new",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}}

	// No such record: the merge cannot commit, so the cycle must fail even
	// though the exchange itself succeeded.
	_, err := manager.ExtendAndPersist(context.Background(), "missing-record", expired, extender, twitterPartial)
	require.Error(t, err)
	assert.Equal(t, 1, extender.calls)
}

func TestExtendAndPersistPropagatesCredentialErrors(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := imports.NewStore(db)
	manager := NewCredentialManager(store, zap.NewNop().Sugar())

	expired := oauth2.Credentials{RefreshToken: "refresh-old", ExpiresAt: time.Now().Add(-time.Minute)}
	record := createTwitterImport(t, store, expired)

	extender := &fakeExtender{err: errors.Wrap(errors.ErrCredential, "token revoked")}
	_, err := manager.ExtendAndPersist(context.Background(), record.ID, expired, extender, twitterPartial)
	require.Error(t, err)
	assert.True(t, errors.IsCredential(err))
}
