package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
)

// RedisConfig tunes the Redis transport. Zero values get defaults.
type RedisConfig struct {
	Lease         time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
}

// RedisQueue backs the queue contract with a sorted set of message IDs
// scored by visible-at time (unix milliseconds), one hash per message body,
// and a dead-letter list. All visibility transitions go through Lua scripts
// so concurrent pollers never lease the same delivery.
type RedisQueue struct {
	client *redis.Client
	name   string
	cfg    RedisConfig
	log    *zap.SugaredLogger
}

var _ UnorderedQueue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue over an existing client.
func NewRedisQueue(client *redis.Client, name string, cfg RedisConfig, log *zap.SugaredLogger) *RedisQueue {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &RedisQueue{client: client, name: name, cfg: cfg, log: log.Named("queue")}
}

func (r *RedisQueue) Name() string { return r.name }

func (r *RedisQueue) scheduledKey() string { return "recollect:queue:" + r.name + ":scheduled" }
func (r *RedisQueue) deadKey() string      { return "recollect:queue:" + r.name + ":dead" }
func (r *RedisQueue) messageKey(id string) string {
	return "recollect:queue:" + r.name + ":msg:" + id
}

func (r *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	return r.EnqueueMany(ctx, []Item{{Body: body}})
}

func (r *RedisQueue) EnqueueMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	now := time.Now()
	pipe := r.client.TxPipeline()
	for _, item := range items {
		id := uuid.NewString()
		pipe.HSet(ctx, r.messageKey(id), "body", string(item.Body), "deliveries", 0)
		pipe.ZAdd(ctx, r.scheduledKey(), redis.Z{
			Score:  float64(now.Add(item.Delay).UnixMilli()),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "enqueue on %s", r.name)
	}

	r.log.Debugw("Enqueued messages", "queue", r.name, "count", len(items))
	return nil
}

// claimScript leases up to limit visible messages. Messages that come back
// into view with their delivery budget already spent are moved to the
// dead-letter list instead. Returns flattened (id, receipt, body,
// deliveries) tuples.
//
// KEYS: scheduled zset, dead list. ARGV: now ms, lease-until ms, limit,
// max deliveries, receipt seed, message key prefix.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i, id in ipairs(due) do
  local key = ARGV[6] .. id
  local deliveries = tonumber(redis.call('HGET', key, 'deliveries') or '0')
  if deliveries >= tonumber(ARGV[4]) then
    redis.call('RPUSH', KEYS[2], redis.call('HGET', key, 'body'))
    redis.call('DEL', key)
    redis.call('ZREM', KEYS[1], id)
  else
    deliveries = deliveries + 1
    local receipt = ARGV[5] .. '-' .. i
    redis.call('HSET', key, 'deliveries', deliveries, 'receipt', receipt)
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, receipt)
    table.insert(out, redis.call('HGET', key, 'body'))
    table.insert(out, tostring(deliveries))
  end
end
return out
`)

// acknowledgeScript applies one verdict if the presented receipt still
// matches. Stale receipts are ignored.
//
// KEYS: scheduled zset. ARGV: message key, id, receipt, verdict
// ('delete' or a visible-at score in ms).
var acknowledgeScript = redis.NewScript(`
if redis.call('HGET', ARGV[1], 'receipt') ~= ARGV[3] then
  return 0
end
if ARGV[4] == 'delete' then
  redis.call('DEL', ARGV[1])
  redis.call('ZREM', KEYS[1], ARGV[2])
else
  redis.call('HDEL', ARGV[1], 'receipt')
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
end
return 1
`)

func (r *RedisQueue) Retrieve(ctx context.Context, wait time.Duration, limit int) ([]Message, error) {
	deadline := time.Now().Add(wait)

	for {
		messages, err := r.claim(ctx, limit)
		if err != nil || len(messages) > 0 {
			return messages, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		interval := r.cfg.PollInterval
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

func (r *RedisQueue) claim(ctx context.Context, limit int) ([]Message, error) {
	now := time.Now()
	raw, err := claimScript.Run(ctx, r.client,
		[]string{r.scheduledKey(), r.deadKey()},
		now.UnixMilli(),
		now.Add(r.cfg.Lease).UnixMilli(),
		limit,
		r.cfg.MaxDeliveries,
		uuid.NewString(),
		"recollect:queue:"+r.name+":msg:",
	).Slice()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve from %s", r.name)
	}

	var messages []Message
	for i := 0; i+3 < len(raw); i += 4 {
		deliveries, err := strconv.Atoi(raw[i+3].(string))
		if err != nil {
			return nil, errors.Wrap(err, "parse delivery count")
		}
		messages = append(messages, Message{
			ID:       raw[i].(string),
			Receipt:  raw[i+1].(string),
			Body:     []byte(raw[i+2].(string)),
			Failures: deliveries - 1,
		})
	}
	return messages, nil
}

func (r *RedisQueue) Acknowledge(ctx context.Context, successful []Message, retryNow []Message, retryLater []Delayed) error {
	now := time.Now()

	apply := func(msg Message, verdict string) error {
		err := acknowledgeScript.Run(ctx, r.client,
			[]string{r.scheduledKey()},
			r.messageKey(msg.ID), msg.ID, msg.Receipt, verdict,
		).Err()
		if err != nil {
			return errors.Wrapf(err, "acknowledge %s", msg.ID)
		}
		return nil
	}

	for _, msg := range successful {
		if err := apply(msg, "delete"); err != nil {
			return err
		}
	}
	for _, msg := range retryNow {
		if err := apply(msg, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			return err
		}
	}
	for _, delayed := range retryLater {
		score := now.Add(delayed.Delay).UnixMilli()
		if err := apply(delayed.Message, strconv.FormatInt(score, 10)); err != nil {
			return err
		}
	}
	return nil
}

// DeadLetters returns the bodies currently on the dead-letter list, oldest
// first.
func (r *RedisQueue) DeadLetters(ctx context.Context) ([][]byte, error) {
	values, err := r.client.LRange(ctx, r.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list dead letters for %s", r.name)
	}
	bodies := make([][]byte, len(values))
	for i, v := range values {
		bodies[i] = []byte(v)
	}
	return bodies, nil
}
