// Package dispatch connects the schedule to the execution pipeline: the
// Dispatcher turns due recurring imports into queue tasks, and the Processor
// consumes those tasks and runs them through the import driver.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/queue"
)

// ImportTask is the queue message payload: just enough to re-fetch the
// record. The processor always works from fresh state, so a task enqueued
// before a settings change still runs with the new settings.
type ImportTask struct {
	RecurringImportID string         `json:"recurring_import_id"`
	Source            imports.Source `json:"source"`
}

// DefaultClaimBatchSize bounds one claim round trip.
const DefaultClaimBatchSize = 100

// Dispatcher claims due imports and enqueues a task per record. Multiple
// replicas can run concurrently; claim atomicity guarantees each due period
// of a record is dispatched once.
type Dispatcher struct {
	store     *imports.Store
	queue     queue.UnorderedQueue
	batchSize int
	log       *zap.SugaredLogger
}

func NewDispatcher(store *imports.Store, q queue.UnorderedQueue, batchSize int, log *zap.SugaredLogger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultClaimBatchSize
	}
	return &Dispatcher{
		store:     store,
		queue:     q,
		batchSize: batchSize,
		log:       log.Named("dispatcher"),
	}
}

// DispatchDue is the work function for a backoff loop: one call claims one
// batch, oldest due first. It reports work done whenever anything was
// claimed, so the loop immediately polls again until the backlog is drained.
//
// If enqueueing fails after the claim, the claimed records are not retried
// here; their advanced next_run_at already schedules the next attempt.
func (d *Dispatcher) DispatchDue(ctx context.Context) (bool, error) {
	claimed, err := d.store.ClaimDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}

	items := make([]queue.Item, 0, len(claimed))
	for _, record := range claimed {
		body, err := json.Marshal(ImportTask{
			RecurringImportID: record.ID,
			Source:            record.Source,
		})
		if err != nil {
			return false, errors.Wrap(err, "encode import task")
		}
		items = append(items, queue.Item{Body: body})
	}

	if err := d.queue.EnqueueMany(ctx, items); err != nil {
		return false, errors.Wrap(err, "enqueue import tasks")
	}

	d.log.Infow("Dispatched due imports", "count", len(claimed))
	return true, nil
}
