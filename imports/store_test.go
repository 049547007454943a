package imports

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/errors"
	recollecttest "github.com/recollect/recollect/internal/testing"
)

func newRSSImport(t *testing.T, userID, feedURL string, nextRunAt time.Time) *RecurringImport {
	t.Helper()

	settings, err := EncodeSettings(RSSSettings{FeedURL: feedURL})
	require.NoError(t, err)

	return &RecurringImport{
		ID:        DeterministicID(SourceRSS, userID, feedURL),
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
		Source:    SourceRSS,
		Settings:  settings,
		Enabled:   true,
		Interval:  time.Hour,
		NextRunAt: nextRunAt,
	}
}

func TestCreateAndGet(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, record))

	retrieved, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, retrieved.ID)
	assert.Equal(t, SourceRSS, retrieved.Source)
	assert.Equal(t, "user-1", retrieved.UserID)
	assert.Equal(t, time.Hour, retrieved.Interval)
	assert.True(t, retrieved.Enabled)
	assert.Nil(t, retrieved.Context)
	assert.Empty(t, retrieved.LastRunStatus)

	decoded, err := DecodeSettings(retrieved)
	require.NoError(t, err)
	assert.Equal(t, &RSSSettings{FeedURL: "https://example.com/feed.xml"}, decoded)
}

func TestGetNotFound(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateDuplicateConflicts(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	require.NoError(t, store.Create(ctx, record))

	// Same user, same feed URL: deterministic ID collides.
	dup := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	err := store.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// Same feed for a different user is a different record.
	other := newRSSImport(t, "user-2", "https://example.com/feed.xml", time.Now())
	require.NoError(t, store.Create(ctx, other))
}

func TestCreateRejectsMalformedSettings(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	record.Settings = []byte(`{"feed_url": 42`)

	err := store.Create(context.Background(), record)
	require.Error(t, err)
}

func TestClaimDueAdvancesSchedule(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// Overdue by five minutes, hourly interval.
	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", now.Add(-5*time.Minute))
	require.NoError(t, store.Create(ctx, record))

	claimed, err := store.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, record.ID, claimed[0].ID)

	// The returned row reflects the advanced schedule: roughly now + interval,
	// measured from the claim instant rather than the old due time.
	assert.WithinDuration(t, now.Add(time.Hour), claimed[0].NextRunAt, 10*time.Second)

	// The lease holds: an immediate second pass finds nothing due.
	again, err := store.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueSkipsDisabled(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", now.Add(-time.Hour))
	record.Enabled = false
	require.NoError(t, store.Create(ctx, record))

	claimed, err := store.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, claimed, "disabled imports must never be claimed, however overdue")
}

func TestClaimDueSkipsNotYetDue(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", now.Add(time.Minute))
	require.NoError(t, store.Create(ctx, record))

	claimed, err := store.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimDueOldestFirstWithLimit(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	oldest := newRSSImport(t, "user-1", "https://example.com/a.xml", now.Add(-3*time.Hour))
	middle := newRSSImport(t, "user-1", "https://example.com/b.xml", now.Add(-2*time.Hour))
	newest := newRSSImport(t, "user-1", "https://example.com/c.xml", now.Add(-1*time.Hour))
	for _, r := range []*RecurringImport{newest, oldest, middle} {
		require.NoError(t, store.Create(ctx, r))
	}

	claimed, err := store.ClaimDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	ids := []string{claimed[0].ID, claimed[1].ID}
	assert.Contains(t, ids, oldest.ID)
	assert.Contains(t, ids, middle.ID)
	assert.NotContains(t, ids, newest.ID)

	rest, err := store.ClaimDue(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, newest.ID, rest[0].ID)
}

func TestClaimDueConcurrentExclusivity(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	const total = 20
	for i := 0; i < total; i++ {
		record := newRSSImport(t, "user-1",
			"https://example.com/feed-"+string(rune('a'+i))+".xml",
			now.Add(-time.Duration(i+1)*time.Minute))
		require.NoError(t, store.Create(ctx, record))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var claimErr error

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimDue(ctx, now, 3)
				if err != nil {
					mu.Lock()
					claimErr = err
					mu.Unlock()
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, r := range claimed {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, claimErr)

	assert.Len(t, seen, total, "every due import claimed exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "import %s claimed more than once", id)
	}
}

func TestSetEnabled(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	require.NoError(t, store.Create(ctx, record))

	require.NoError(t, store.SetEnabled(ctx, record.ID, false))
	retrieved, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.False(t, retrieved.Enabled)

	err = store.SetEnabled(ctx, "missing", true)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMergeContextPreservesOtherFields(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	require.NoError(t, store.Create(ctx, record))

	require.NoError(t, store.UpdateContext(ctx, record.ID, RSSContext{
		LastItemGUID: "guid-1",
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	}))

	// Partial write touches only the GUID.
	require.NoError(t, store.MergeContext(ctx, record.ID, RSSContext{LastItemGUID: "guid-2"}))

	retrieved, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	decoded, err := DecodeContext(retrieved)
	require.NoError(t, err)

	rssContext := decoded.(*RSSContext)
	assert.Equal(t, "guid-2", rssContext.LastItemGUID)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", rssContext.LastModified,
		"merge must not clobber fields absent from the partial context")
}

func TestSetNextRunAtMakesRunnable(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", now.Add(6*time.Hour))
	require.NoError(t, store.Create(ctx, record))

	require.NoError(t, store.SetNextRunAt(ctx, record.ID, now))

	claimed, err := store.ClaimDue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, record.ID, claimed[0].ID)
}

func TestUpdateLastRun(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	record := newRSSImport(t, "user-1", "https://example.com/feed.xml", time.Now())
	require.NoError(t, store.Create(ctx, record))

	finishedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateLastRun(ctx, record.ID, finishedAt, StatusTransientFailure, "feed temporarily unavailable"))

	retrieved, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved.LastRunFinishedAt)
	assert.True(t, finishedAt.Equal(*retrieved.LastRunFinishedAt))
	assert.Equal(t, StatusTransientFailure, retrieved.LastRunStatus)
	assert.Equal(t, "feed temporarily unavailable", retrieved.LastRunDetail)
}

func TestListByUserAndSource(t *testing.T) {
	db := recollecttest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := newRSSImport(t, "user-1", "https://example.com/a.xml", time.Now())
	b := newRSSImport(t, "user-1", "https://example.com/b.xml", time.Now())
	other := newRSSImport(t, "user-2", "https://example.com/a.xml", time.Now())
	for _, r := range []*RecurringImport{a, b, other} {
		require.NoError(t, store.Create(ctx, r))
	}

	records, err := store.ListByUserAndSource(ctx, "user-1", SourceRSS)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListByUserAndSource(ctx, "user-1", SourceTwitter)
	require.NoError(t, err)
	assert.Empty(t, records)
}
