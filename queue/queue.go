// Package queue provides an at-least-once message queue with
// visibility-timeout leasing, polymorphic over the backing transport.
//
// Delivery is unordered. Consumers must be idempotent: a message whose lease
// expires before acknowledgment is redelivered, and a transport may
// dead-letter it after too many deliveries.
package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued payload.
type Message struct {
	ID   string
	Body []byte

	// Receipt identifies this particular delivery. Acknowledgments present
	// it back to the transport; a stale receipt (lease already expired and
	// the message redelivered elsewhere) makes the acknowledgment a no-op.
	Receipt string

	// Failures counts prior deliveries that did not end in success.
	Failures int
}

// Item is a payload to enqueue, optionally delayed before first delivery.
type Item struct {
	Body  []byte
	Delay time.Duration
}

// Delayed pairs a retrieved message with how long to keep it invisible.
type Delayed struct {
	Message Message
	Delay   time.Duration
}

// UnorderedQueue is the transport contract.
//
// Guarantees: at-least-once delivery, no ordering, no dedup. A retrieved
// message is leased (invisible to other consumers) until acknowledged or the
// lease expires; an expired lease is an implicit retry-now.
type UnorderedQueue interface {
	// Name identifies the queue, for logging and metrics.
	Name() string

	// Enqueue submits a single message for immediate delivery.
	Enqueue(ctx context.Context, body []byte) error

	// EnqueueMany submits messages, each optionally delayed before first
	// delivery.
	EnqueueMany(ctx context.Context, items []Item) error

	// Retrieve long-polls for up to limit messages, blocking up to wait.
	// With wait zero it returns immediately, empty if nothing is visible.
	Retrieve(ctx context.Context, wait time.Duration, limit int) ([]Message, error)

	// Acknowledge partitions a previously retrieved batch into three
	// outcomes: successful messages are deleted, retryNow messages become
	// visible again immediately, and retryLater messages stay invisible
	// for their given delay.
	Acknowledge(ctx context.Context, successful []Message, retryNow []Message, retryLater []Delayed) error
}
