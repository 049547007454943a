package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type disposition int

const (
	dispositionOK disposition = iota
	dispositionRetryNow
	dispositionRetryLater
)

// HandleResult is a handler's verdict on one message.
type HandleResult struct {
	disposition disposition
	delay       time.Duration
}

// OK marks the message handled; it will be deleted.
func OK() HandleResult { return HandleResult{disposition: dispositionOK} }

// RetryNow makes the message immediately visible for redelivery.
func RetryNow() HandleResult { return HandleResult{disposition: dispositionRetryNow} }

// RetryLater keeps the message invisible for the given delay before
// redelivery.
func RetryLater(delay time.Duration) HandleResult {
	return HandleResult{disposition: dispositionRetryLater, delay: delay}
}

// Handler processes one message. A returned error is equivalent to RetryNow
// with the error logged; handlers that want a quieter retry should return
// RetryNow or RetryLater themselves.
type Handler func(ctx context.Context, msg Message) (HandleResult, error)

// PollAndHandleSerially retrieves up to limit messages (blocking up to wait)
// and runs the handler over them one at a time, then acknowledges the whole
// batch according to each message's verdict. Returns the number of messages
// retrieved, so callers driving a backoff loop can treat zero as idle.
//
// A handler error never aborts the batch: the failed message is marked
// retry-now and the remaining messages still get handled and acknowledged.
func PollAndHandleSerially(
	ctx context.Context,
	q UnorderedQueue,
	wait time.Duration,
	limit int,
	handle Handler,
	log *zap.SugaredLogger,
) (int, error) {
	messages, err := q.Retrieve(ctx, wait, limit)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	var successful, retryNow []Message
	var retryLater []Delayed

	for _, msg := range messages {
		result, err := handle(ctx, msg)
		if err != nil {
			log.Errorw("Message handler failed",
				"queue", q.Name(),
				"message_id", msg.ID,
				"failures", msg.Failures,
				"error", err,
			)
			retryNow = append(retryNow, msg)
			continue
		}

		switch result.disposition {
		case dispositionOK:
			successful = append(successful, msg)
		case dispositionRetryNow:
			retryNow = append(retryNow, msg)
		case dispositionRetryLater:
			retryLater = append(retryLater, Delayed{Message: msg, Delay: result.delay})
		}
	}

	if err := q.Acknowledge(ctx, successful, retryNow, retryLater); err != nil {
		// Unacknowledged leases expire on their own; the messages will be
		// redelivered.
		return len(messages), err
	}
	return len(messages), nil
}
