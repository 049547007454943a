package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/imports"
	recollecttest "github.com/recollect/recollect/internal/testing"
	"github.com/recollect/recollect/killswitch"
	"github.com/recollect/recollect/queue"
)

type fakeImporter struct {
	result importer.Result
	err    error
	calls  int
}

func (f *fakeImporter) Source() imports.Source { return imports.SourceRSS }

func (f *fakeImporter) ShouldSkip(*imports.RecurringImport) bool { return false }

func (f *fakeImporter) FetchAndConvert(context.Context, *imports.RecurringImport, imports.Settings, imports.Context) (importer.Result, error) {
	f.calls++
	return f.result, f.err
}

type fixture struct {
	db        *sql.DB
	store     *imports.Store
	queue     *queue.SQLiteQueue
	imp       *fakeImporter
	dispatch  *Dispatcher
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := recollecttest.CreateTestDB(t)
	store := imports.NewStore(db)
	log := zap.NewNop().Sugar()

	q := queue.NewSQLiteQueue(db, "import-tasks", queue.SQLiteConfig{Lease: time.Hour}, log)

	imp := &fakeImporter{result: importer.NoNewContent{}}
	registry := importer.NewRegistry()
	registry.Register(imp)
	driver := importer.NewDriver(store, content.NewStore(db), registry, killswitch.Static{}, log)

	processor := NewProcessor(store, q, driver, log)
	processor.wait = 0

	return &fixture{
		db:        db,
		store:     store,
		queue:     q,
		imp:       imp,
		dispatch:  NewDispatcher(store, q, 0, log),
		processor: processor,
	}
}

func (f *fixture) createImport(t *testing.T, feedURL string, nextRunAt time.Time) *imports.RecurringImport {
	t.Helper()
	settings, err := imports.EncodeSettings(imports.RSSSettings{FeedURL: feedURL})
	require.NoError(t, err)

	record := &imports.RecurringImport{
		ID:        imports.DeterministicID(imports.SourceRSS, "user-1", feedURL),
		CreatedAt: time.Now(),
		UserID:    "user-1",
		Source:    imports.SourceRSS,
		Settings:  settings,
		Enabled:   true,
		Interval:  time.Hour,
		NextRunAt: nextRunAt,
	}
	require.NoError(t, f.store.Create(context.Background(), record))
	return record
}

func TestDispatchDueEnqueuesTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	due1 := f.createImport(t, "https://example.com/a.xml", now.Add(-time.Hour))
	due2 := f.createImport(t, "https://example.com/b.xml", now.Add(-time.Minute))
	f.createImport(t, "https://example.com/future.xml", now.Add(time.Hour))

	didWork, err := f.dispatch.DispatchDue(ctx)
	require.NoError(t, err)
	assert.True(t, didWork)

	messages, err := f.queue.Retrieve(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	dispatched := map[string]bool{}
	for _, msg := range messages {
		var task ImportTask
		require.NoError(t, json.Unmarshal(msg.Body, &task))
		assert.Equal(t, imports.SourceRSS, task.Source)
		dispatched[task.RecurringImportID] = true
	}
	assert.True(t, dispatched[due1.ID])
	assert.True(t, dispatched[due2.ID])
}

func TestDispatchDueIdle(t *testing.T) {
	f := newFixture(t)

	didWork, err := f.dispatch.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)
}

func TestDispatchedRecordsAreRescheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createImport(t, "https://example.com/a.xml", time.Now().Add(-time.Minute))

	_, err := f.dispatch.DispatchDue(ctx)
	require.NoError(t, err)

	// The claim already advanced the schedule; a second dispatch pass finds
	// nothing even though no processor has run yet.
	didWork, err := f.dispatch.DispatchDue(ctx)
	require.NoError(t, err)
	assert.False(t, didWork)
}

func TestProcessorRunsDispatchedImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record := f.createImport(t, "https://example.com/a.xml", time.Now().Add(-time.Minute))

	_, err := f.dispatch.DispatchDue(ctx)
	require.NoError(t, err)

	didWork, err := f.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.True(t, didWork)
	assert.Equal(t, 1, f.imp.calls)

	updated, err := f.store.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, imports.StatusNoNewData, updated.LastRunStatus)

	// Task acknowledged: nothing left on the queue.
	messages, err := f.queue.Retrieve(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestProcessorIdle(t *testing.T) {
	f := newFixture(t)

	didWork, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, didWork)
}

func TestProcessorDropsTaskForDeletedImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body, err := json.Marshal(ImportTask{RecurringImportID: "gone", Source: imports.SourceRSS})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, body))

	_, err = f.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.imp.calls)

	messages, err := f.queue.Retrieve(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, messages, "task for a deleted import is dropped, not retried")
}

func TestProcessorDropsTaskForDisabledImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record := f.createImport(t, "https://example.com/a.xml", time.Now().Add(-time.Minute))
	_, err := f.dispatch.DispatchDue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.SetEnabled(ctx, record.ID, false))

	_, err = f.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.imp.calls)
}

func TestProcessorDropsMalformedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, []byte("{not json")))

	didWork, err := f.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.True(t, didWork)

	messages, err := f.queue.Retrieve(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestFailedTaskIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A source with no registered importer makes the driver error, which is
	// an infrastructure failure: the task must be redelivered.
	record := f.createImport(t, "https://example.com/a.xml", time.Now().Add(-time.Minute))
	_, err := f.db.Exec(`UPDATE recurring_imports SET source = 'apple-notes' WHERE id = ?`, record.ID)
	require.NoError(t, err)

	body, err := json.Marshal(ImportTask{RecurringImportID: record.ID, Source: imports.SourceAppleNotes})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, body))

	_, err = f.processor.ProcessBatch(ctx)
	require.NoError(t, err)

	messages, err := f.queue.Retrieve(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1, "errored task becomes visible again for retry")
	assert.Equal(t, 1, messages[0].Failures)
}
