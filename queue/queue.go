// Package queue is a Redis-backed durable work queue with retries, delayed
// redelivery, a dead-letter list and an in-flight table for timeout recovery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultName is the queue used for memory ingestion.
const DefaultName = "memory_tasks"

// priorityStride separates priority bands in the sorted-set score. It is
// larger than any millisecond timestamp this century.
const priorityStride = 1e13

// ErrEmpty is returned by Dequeue when nothing is ready.
var ErrEmpty = errors.New("queue: empty")

// Config controls retry and visibility behavior.
type Config struct {
	Name              string        `mapstructure:"name"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	EnablePriority    bool          `mapstructure:"enable_priority"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Name:              DefaultName,
		MaxRetries:        3,
		RetryDelay:        time.Minute,
		ProcessingTimeout: 5 * time.Minute,
	}
}

// Message is one unit of work. ID is encoded first and Payload last so the
// Lua scripts can locate id and priority without a JSON parser.
type Message struct {
	ID         string          `json:"id"`
	Priority   int             `json:"priority"`
	Retries    int             `json:"retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// EnqueueOptions are per-message settings.
type EnqueueOptions struct {
	// Priority orders messages when priority mode is enabled. Smaller values
	// are dequeued first; ties keep enqueue order.
	Priority int
	// Delay hides the message until it elapses.
	Delay time.Duration
}

// Stats are the queue's current sizes.
type Stats struct {
	Pending    int64 `json:"pending"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Queue is a named queue in Redis.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
	log logrus.FieldLogger
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue. Zero config fields take their defaults.
func New(rdb redis.UniversalClient, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	q := &Queue{rdb: rdb, cfg: cfg, log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) mainKey() string       { return "queue:" + q.cfg.Name }
func (q *Queue) processingKey() string { return q.mainKey() + ":processing" }
func (q *Queue) failedKey() string     { return q.mainKey() + ":failed" }
func (q *Queue) delayedKey() string    { return q.mainKey() + ":delayed" }

func (q *Queue) mode() string {
	if q.cfg.EnablePriority {
		return "zset"
	}
	return "list"
}

func score(priority int, at time.Time) float64 {
	return float64(priority)*priorityStride + float64(at.UnixMilli())
}

// Enqueue adds payload (any JSON-encodable value) and returns the message id.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}
	now := q.now()
	msg := Message{
		ID:         uuid.NewString(),
		Priority:   opts.Priority,
		EnqueuedAt: now,
		Payload:    raw,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: encode message: %w", err)
	}
	switch {
	case opts.Delay > 0:
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: data,
		}).Err()
	case q.cfg.EnablePriority:
		err = q.rdb.ZAdd(ctx, q.mainKey(), redis.Z{Score: score(msg.Priority, now), Member: data}).Err()
	default:
		err = q.rdb.RPush(ctx, q.mainKey(), data).Err()
	}
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return msg.ID, nil
}

// popScript pops up to ARGV[2] messages and records each in the in-flight
// hash as {"started_at":ms,"message":...}.
var popScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[2]) do
  local item
  if ARGV[3] == 'zset' then
    local head = redis.call('ZRANGE', KEYS[1], 0, 0)
    if #head == 0 then break end
    item = head[1]
    redis.call('ZREM', KEYS[1], item)
  else
    item = redis.call('LPOP', KEYS[1])
    if not item then break end
  end
  local id = string.match(item, '"id":"([^"]+)"')
  if id then
    redis.call('HSET', KEYS[2], id, '{"started_at":' .. ARGV[1] .. ',"message":' .. item .. '}')
  end
  table.insert(out, item)
end
return out
`)

// Dequeue pops one ready message, or returns ErrEmpty.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	msgs, err := q.DequeueBatch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrEmpty
	}
	return msgs[0], nil
}

// DequeueBatch pops up to n ready messages atomically.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]*Message, error) {
	if n <= 0 {
		n = 1
	}
	raw, err := popScript.Run(ctx, q.rdb,
		[]string{q.mainKey(), q.processingKey()},
		q.now().UnixMilli(), n, q.mode(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	out := make([]*Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			q.log.WithError(err).Error("queue: dropping undecodable message")
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// Ack marks a message done. It reports whether the message was in flight.
func (q *Queue) Ack(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.HDel(ctx, q.processingKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("queue: ack: %w", err)
	}
	return n == 1, nil
}

// Nack returns a failed message for a delayed retry, or dead-letters it once
// MaxRetries is exceeded.
func (q *Queue) Nack(ctx context.Context, msg *Message, reason string) error {
	n, err := q.rdb.HDel(ctx, q.processingKey(), msg.ID).Result()
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	if n == 0 {
		// Already reclaimed by the timeout sweep.
		return nil
	}
	return q.retry(ctx, msg, reason)
}

func (q *Queue) retry(ctx context.Context, msg *Message, reason string) error {
	m := *msg
	m.Retries++
	m.LastError = reason
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	log := q.log.WithFields(logrus.Fields{"message_id": m.ID, "retries": m.Retries, "error": reason})
	if m.Retries > q.cfg.MaxRetries {
		log.Warn("queue: message exhausted retries, moving to failed")
		return q.rdb.RPush(ctx, q.failedKey(), data).Err()
	}
	log.Debug("queue: message scheduled for retry")
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(q.now().Add(q.cfg.RetryDelay).UnixMilli()),
		Member: data,
	}).Err()
}

// promoteScript moves due delayed messages back to the main queue.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, item in ipairs(due) do
  redis.call('ZREM', KEYS[1], item)
  if ARGV[2] == 'zset' then
    local p = tonumber(string.match(item, '"priority":(%-?%d+)')) or 0
    redis.call('ZADD', KEYS[2], p * tonumber(ARGV[3]) + tonumber(ARGV[1]), item)
  else
    redis.call('RPUSH', KEYS[2], item)
  end
end
return #due
`)

// PromoteDelayed moves every delayed message whose time has come to the
// ready queue and returns how many moved.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.mainKey()},
		q.now().UnixMilli(), q.mode(), strconv.FormatFloat(priorityStride, 'f', 0, 64),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote delayed: %w", err)
	}
	return n, nil
}

type inflight struct {
	StartedAt int64           `json:"started_at"`
	Message   json.RawMessage `json:"message"`
}

// SweepTimeouts retries messages in flight for longer than ProcessingTimeout.
func (q *Queue) SweepTimeouts(ctx context.Context) (int, error) {
	entries, err := q.rdb.HGetAll(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: sweep: %w", err)
	}
	cutoff := q.now().Add(-q.cfg.ProcessingTimeout).UnixMilli()
	swept := 0
	for id, raw := range entries {
		var entry inflight
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.log.WithError(err).WithField("message_id", id).Error("queue: corrupt in-flight entry")
			q.rdb.HDel(ctx, q.processingKey(), id)
			continue
		}
		if entry.StartedAt > cutoff {
			continue
		}
		n, err := q.rdb.HDel(ctx, q.processingKey(), id).Result()
		if err != nil {
			return swept, fmt.Errorf("queue: sweep: %w", err)
		}
		if n == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(entry.Message, &m); err != nil {
			continue
		}
		if err := q.retry(ctx, &m, "processing timeout"); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// Stats returns the size of every part of the queue.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	var pending *redis.IntCmd
	if q.cfg.EnablePriority {
		pending = pipe.ZCard(ctx, q.mainKey())
	} else {
		pending = pipe.LLen(ctx, q.mainKey())
	}
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.HLen(ctx, q.processingKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Failed returns up to limit dead-lettered messages, oldest first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]*Message, error) {
	raw, err := q.rdb.LRange(ctx, q.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: failed: %w", err)
	}
	out := make([]*Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err == nil {
			out = append(out, &m)
		}
	}
	return out, nil
}

// RequeueFailed moves dead-lettered messages back to the ready queue with
// their retry count reset.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	moved := 0
	for {
		item, err := q.rdb.LPop(ctx, q.failedKey()).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: requeue: %w", err)
		}
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		m.Retries = 0
		m.LastError = ""
		data, _ := json.Marshal(m)
		if q.cfg.EnablePriority {
			err = q.rdb.ZAdd(ctx, q.mainKey(), redis.Z{Score: score(m.Priority, q.now()), Member: data}).Err()
		} else {
			err = q.rdb.RPush(ctx, q.mainKey(), data).Err()
		}
		if err != nil {
			return moved, fmt.Errorf("queue: requeue: %w", err)
		}
		moved++
	}
}

// Purge deletes every key of the queue.
func (q *Queue) Purge(ctx context.Context) error {
	keys := []string{q.mainKey(), q.processingKey(), q.failedKey(), q.delayedKey()}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("queue: purge: %w", err)
	}
	return nil
}

// String names the queue for logs.
func (q *Queue) String() string {
	return strings.TrimPrefix(q.mainKey(), "queue:")
}
