package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
)

// SQLiteConfig tunes the SQLite transport. Zero values get defaults.
type SQLiteConfig struct {
	// Lease is how long a retrieved message stays invisible before it is
	// considered abandoned and redelivered.
	Lease time.Duration

	// MaxDeliveries dead-letters a message once it has been delivered this
	// many times without success.
	MaxDeliveries int

	// PollInterval is how often Retrieve re-checks for visible messages
	// while long-polling.
	PollInterval time.Duration
}

const (
	defaultLease         = 30 * time.Second
	defaultMaxDeliveries = 5
	defaultPollInterval  = 250 * time.Millisecond
)

// SQLiteQueue backs the queue contract with the queue_messages table.
// Multiple queues share the table, partitioned by name. Leasing works the
// same way the recurring-import claim does: a single UPDATE statement both
// selects visible rows and pushes their visible_at into the future, so two
// pollers on the same database never lease the same delivery.
type SQLiteQueue struct {
	db   *sql.DB
	name string
	cfg  SQLiteConfig
	log  *zap.SugaredLogger
}

var _ UnorderedQueue = (*SQLiteQueue)(nil)

// NewSQLiteQueue creates a queue over an open database. The schema comes
// from the shared migrations.
func NewSQLiteQueue(database *sql.DB, name string, cfg SQLiteConfig, log *zap.SugaredLogger) *SQLiteQueue {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &SQLiteQueue{db: database, name: name, cfg: cfg, log: log.Named("queue")}
}

func (s *SQLiteQueue) Name() string { return s.name }

func (s *SQLiteQueue) Enqueue(ctx context.Context, body []byte) error {
	return s.EnqueueMany(ctx, []Item{{Body: body}})
}

func (s *SQLiteQueue) EnqueueMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin enqueue")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		visibleAt := now.Add(item.Delay)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO queue_messages (id, queue, body, visible_at, deliveries, enqueued_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			uuid.NewString(),
			s.name,
			string(item.Body),
			visibleAt.Format(time.RFC3339),
			now.Format(time.RFC3339),
		)
		if err != nil {
			return errors.Wrapf(err, "enqueue on %s", s.name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit enqueue")
	}

	s.log.Debugw("Enqueued messages", "queue", s.name, "count", len(items))
	return nil
}

func (s *SQLiteQueue) Retrieve(ctx context.Context, wait time.Duration, limit int) ([]Message, error) {
	deadline := time.Now().Add(wait)

	for {
		messages, err := s.claim(ctx, limit)
		if err != nil || len(messages) > 0 {
			return messages, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		interval := s.cfg.PollInterval
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// claim runs one poll pass: dead-letter exhausted messages whose lease has
// expired, then lease up to limit visible ones.
func (s *SQLiteQueue) claim(ctx context.Context, limit int) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin retrieve")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	// A message back in view with its delivery budget already spent moves to
	// the dead-letter table instead of being delivered again.
	result, err := tx.ExecContext(ctx,
		`INSERT INTO queue_dead_letters (id, queue, body, deliveries, dead_lettered_at)
		 SELECT id, queue, body, deliveries, ?
		   FROM queue_messages
		  WHERE queue = ? AND visible_at <= ? AND deliveries >= ?`,
		now, s.name, now, s.cfg.MaxDeliveries)
	if err != nil {
		return nil, errors.Wrapf(err, "dead-letter sweep on %s", s.name)
	}
	if swept, _ := result.RowsAffected(); swept > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages
			  WHERE queue = ? AND visible_at <= ? AND deliveries >= ?`,
			s.name, now, s.cfg.MaxDeliveries); err != nil {
			return nil, errors.Wrapf(err, "dead-letter sweep on %s", s.name)
		}
		s.log.Warnw("Dead-lettered messages", "queue", s.name, "count", swept)
	}

	leaseUntil := time.Now().UTC().Add(s.cfg.Lease).Format(time.RFC3339)
	rows, err := tx.QueryContext(ctx,
		`UPDATE queue_messages
		    SET receipt = lower(hex(randomblob(16))),
		        deliveries = deliveries + 1,
		        visible_at = ?
		  WHERE id IN (
		        SELECT id FROM queue_messages
		         WHERE queue = ? AND visible_at <= ?
		         ORDER BY visible_at
		         LIMIT ?
		  )
		  RETURNING id, body, receipt, deliveries`,
		leaseUntil, s.name, now, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve from %s", s.name)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var body string
		var deliveries int
		if err := rows.Scan(&msg.ID, &body, &msg.Receipt, &deliveries); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Body = []byte(body)
		msg.Failures = deliveries - 1
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "scan messages")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit retrieve")
	}
	return messages, nil
}

func (s *SQLiteQueue) Acknowledge(ctx context.Context, successful []Message, retryNow []Message, retryLater []Delayed) error {
	if len(successful) == 0 && len(retryNow) == 0 && len(retryLater) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin acknowledge")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Every statement matches on (id, receipt) so an acknowledgment arriving
	// after the lease expired and the message was redelivered is a no-op.
	for _, msg := range successful {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE id = ? AND receipt = ?`,
			msg.ID, msg.Receipt); err != nil {
			return errors.Wrapf(err, "acknowledge %s", msg.ID)
		}
	}
	for _, msg := range retryNow {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ?, receipt = NULL
			  WHERE id = ? AND receipt = ?`,
			now.Format(time.RFC3339), msg.ID, msg.Receipt); err != nil {
			return errors.Wrapf(err, "retry %s", msg.ID)
		}
	}
	for _, delayed := range retryLater {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ?, receipt = NULL
			  WHERE id = ? AND receipt = ?`,
			now.Add(delayed.Delay).Format(time.RFC3339),
			delayed.Message.ID, delayed.Message.Receipt); err != nil {
			return errors.Wrapf(err, "retry later %s", delayed.Message.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit acknowledge")
	}
	return nil
}

// DeadLetters returns the bodies currently on the dead-letter queue, oldest
// first. Operational tooling only; there is no automated redrive.
func (s *SQLiteQueue) DeadLetters(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM queue_dead_letters WHERE queue = ? ORDER BY dead_lettered_at`,
		s.name)
	if err != nil {
		return nil, errors.Wrapf(err, "list dead letters for %s", s.name)
	}
	defer rows.Close()

	var bodies [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan dead letter")
		}
		bodies = append(bodies, []byte(body))
	}
	return bodies, rows.Err()
}
