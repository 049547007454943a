package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/queue"
)

const (
	// DefaultPollWait is how long one processor cycle long-polls the queue.
	DefaultPollWait = 20 * time.Second

	// DefaultBatchLimit is how many tasks one cycle retrieves.
	DefaultBatchLimit = 10
)

// Processor consumes import tasks and runs them through the driver. Tasks
// in one batch run serially; scale comes from running more replicas.
type Processor struct {
	store  *imports.Store
	queue  queue.UnorderedQueue
	driver *importer.Driver
	wait   time.Duration
	limit  int
	log    *zap.SugaredLogger
}

func NewProcessor(store *imports.Store, q queue.UnorderedQueue, driver *importer.Driver, log *zap.SugaredLogger) *Processor {
	return &Processor{
		store:  store,
		queue:  q,
		driver: driver,
		wait:   DefaultPollWait,
		limit:  DefaultBatchLimit,
		log:    log.Named("processor"),
	}
}

// ProcessBatch is the work function for a backoff loop: one call retrieves
// and handles one batch of tasks.
func (p *Processor) ProcessBatch(ctx context.Context) (bool, error) {
	handled, err := queue.PollAndHandleSerially(ctx, p.queue, p.wait, p.limit, p.handle, p.log)
	return handled > 0, err
}

func (p *Processor) handle(ctx context.Context, msg queue.Message) (queue.HandleResult, error) {
	var task ImportTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		// Redelivery cannot fix a malformed payload; drop it.
		p.log.Errorw("Dropping malformed import task",
			"message_id", msg.ID,
			"error", err,
		)
		return queue.OK(), nil
	}

	record, err := p.store.Get(ctx, task.RecurringImportID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Deleted between dispatch and processing.
			p.log.Infow("Dropping task for deleted import", "record_id", task.RecurringImportID)
			return queue.OK(), nil
		}
		return queue.HandleResult{}, err
	}

	if !record.Enabled {
		// Disabled between dispatch and processing, or auto-disabled by an
		// earlier delivery of this task.
		p.log.Infow("Dropping task for disabled import", "record_id", record.ID)
		return queue.OK(), nil
	}

	if err := p.driver.Execute(ctx, record); err != nil {
		return queue.HandleResult{}, err
	}
	return queue.OK(), nil
}
