package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	mq:seq                       counter for tie-breaking scores
//	mq:ready:<queue>:<prio>      ZSET work ids scored by eligibility
//	mq:leases                    ZSET leased ids scored by deadline ms
//	mq:work:<id>                 HASH data, queue, prio, attempt,
//	                             not_before, last_error, token, deadline
//	mq:paused:<queue>            backpressure latch
//
// Scores encode (not_before ms, insertion seq): score = ms*1000 + seq%1000,
// so earlier-eligible work wins and ties fall back to insertion order.
const keyPrefix = "mq:"

// RedisQueue is the Redis-backed Queue implementation.
type RedisQueue struct {
	client    *redis.Client
	highWater int64
	lowWater  int64
}

// NewRedisQueue creates a durable queue over the given Redis client.
func NewRedisQueue(client *redis.Client, highWater, lowWater int64) *RedisQueue {
	return &RedisQueue{client: client, highWater: highWater, lowWater: lowWater}
}

func readyKey(queue string, p types.Priority) string {
	return fmt.Sprintf("%sready:%s:%d", keyPrefix, queue, int(p))
}

func workKey(id string) string {
	return keyPrefix + "work:" + id
}

func score(notBefore time.Time, seq int64) float64 {
	return float64(notBefore.UnixMilli())*1000 + float64(seq%1000)
}

// workData is the immutable part of a work item, stored as JSON in the
// work hash.
type workData struct {
	TaskName   string          `json:"task_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Queue      string          `json:"queue"`
	Priority   types.Priority  `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Enqueue adds a work item. A paused queue rejects new work with
// ErrBackpressure so producers stop fanning out.
func (q *RedisQueue) Enqueue(ctx context.Context, taskName string, args interface{}, opts EnqueueOptions) (string, error) {
	if opts.Queue == "" {
		opts.Queue = types.QueueDefault
	}
	if !opts.Priority.Valid() {
		opts.Priority = types.PriorityNormal
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().UTC()
	}

	paused, err := q.Paused(ctx, opts.Queue)
	if err != nil {
		return "", err
	}
	if paused {
		return "", ErrBackpressure.WithDetail("queue", opts.Queue)
	}

	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("failed to encode args: %w", err)
		}
		rawArgs = encoded
	}

	id := uuid.NewString()
	data, err := json.Marshal(workData{
		TaskName:   taskName,
		Args:       rawArgs,
		Queue:      opts.Queue,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode work: %w", err)
	}

	seq, err := q.client.Incr(ctx, keyPrefix+"seq").Result()
	if err != nil {
		return "", apperrors.ErrQueueUnavailable.WithCause(err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, workKey(id),
		"data", data,
		"queue", opts.Queue,
		"prio", int(opts.Priority),
		"attempt", 0,
		"not_before", opts.NotBefore.UnixMilli(),
	)
	pipe.ZAdd(ctx, readyKey(opts.Queue, opts.Priority), redis.Z{
		Score:  score(opts.NotBefore, seq),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apperrors.ErrQueueUnavailable.WithCause(err)
	}
	return id, nil
}

// claimScript pops the earliest eligible member and records the lease.
var claimScript = redis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
	if #ids == 0 then return false end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	redis.call("HSET", "mq:work:" .. id, "token", ARGV[3], "deadline", ARGV[2])
	redis.call("ZADD", KEYS[2], ARGV[2], id)
	return id
`)

// Lease claims one eligible item. Queues are scanned in the order
// given; within a queue, strictly higher priority wins.
func (q *RedisQueue) Lease(ctx context.Context, queues []string, workerID string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	// Everything eligible now, regardless of insertion seq
	maxScore := strconv.FormatFloat(float64(now.UnixMilli()+1)*1000, 'f', 0, 64)
	deadline := now.Add(ttl)
	token := workerID + ":" + uuid.NewString()

	for _, queue := range queues {
		for _, prio := range priorities {
			res, err := claimScript.Run(ctx, q.client,
				[]string{readyKey(queue, prio), keyPrefix + "leases"},
				maxScore, deadline.UnixMilli(), token,
			).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, apperrors.ErrQueueUnavailable.WithCause(err)
			}
			id, ok := res.(string)
			if !ok || id == "" {
				continue
			}
			return q.loadLease(ctx, id, token, deadline)
		}
	}
	return nil, nil
}

func (q *RedisQueue) loadLease(ctx context.Context, id, token string, deadline time.Time) (*Lease, error) {
	fields, err := q.client.HGetAll(ctx, workKey(id)).Result()
	if err != nil {
		return nil, apperrors.ErrQueueUnavailable.WithCause(err)
	}
	var data workData
	if err := json.Unmarshal([]byte(fields["data"]), &data); err != nil {
		return nil, fmt.Errorf("failed to decode work %s: %w", id, err)
	}
	attempt, _ := strconv.Atoi(fields["attempt"])
	return &Lease{
		WorkID:   id,
		Token:    token,
		Deadline: deadline,
		TaskName: data.TaskName,
		Args:     data.Args,
		Queue:    data.Queue,
		Priority: data.Priority,
		Attempt:  attempt,
	}, nil
}

// extendScript moves the deadline only for the token holder.
var extendScript = redis.NewScript(`
	local key = "mq:work:" .. ARGV[1]
	if redis.call("HGET", key, "token") ~= ARGV[2] then return 0 end
	redis.call("HSET", key, "deadline", ARGV[3])
	redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
	return 1
`)

// Extend pushes the lease deadline out.
func (q *RedisQueue) Extend(ctx context.Context, workID, token string, ttl time.Duration) error {
	deadline := time.Now().UTC().Add(ttl).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{keyPrefix + "leases"}, workID, token, deadline).Int64()
	if err != nil {
		return apperrors.ErrQueueUnavailable.WithCause(err)
	}
	if n == 0 {
		return apperrors.ErrStaleLease.WithDetail("work_id", workID)
	}
	return nil
}

// ackScript deletes the work only for the token holder.
var ackScript = redis.NewScript(`
	local key = "mq:work:" .. ARGV[1]
	if redis.call("HGET", key, "token") ~= ARGV[2] then return 0 end
	redis.call("ZREM", KEYS[1], ARGV[1])
	redis.call("DEL", key)
	return 1
`)

// Ack removes completed work.
func (q *RedisQueue) Ack(ctx context.Context, workID, token string) error {
	n, err := ackScript.Run(ctx, q.client, []string{keyPrefix + "leases"}, workID, token).Int64()
	if err != nil {
		return apperrors.ErrQueueUnavailable.WithCause(err)
	}
	if n == 0 {
		return apperrors.ErrStaleLease.WithDetail("work_id", workID)
	}
	return nil
}

// nackScript re-queues the work with an incremented attempt counter.
var nackScript = redis.NewScript(`
	local key = "mq:work:" .. ARGV[1]
	if redis.call("HGET", key, "token") ~= ARGV[2] then return 0 end
	redis.call("ZREM", KEYS[1], ARGV[1])
	redis.call("HDEL", key, "token", "deadline")
	redis.call("HINCRBY", key, "attempt", 1)
	redis.call("HSET", key, "not_before", ARGV[4], "last_error", ARGV[5])
	redis.call("ZADD", ARGV[6], ARGV[3], ARGV[1])
	return 1
`)

// Nack re-queues work for a later attempt.
func (q *RedisQueue) Nack(ctx context.Context, workID, token, reason string, delay time.Duration) error {
	fields, err := q.client.HMGet(ctx, workKey(workID), "queue", "prio").Result()
	if err != nil {
		return apperrors.ErrQueueUnavailable.WithCause(err)
	}
	queue, _ := fields[0].(string)
	prioStr, _ := fields[1].(string)
	if queue == "" {
		return apperrors.ErrStaleLease.WithDetail("work_id", workID)
	}
	prio, _ := strconv.Atoi(prioStr)

	notBefore := time.Now().UTC().Add(delay)
	seq, err := q.client.Incr(ctx, keyPrefix+"seq").Result()
	if err != nil {
		return apperrors.ErrQueueUnavailable.WithCause(err)
	}

	n, err := nackScript.Run(ctx, q.client, []string{keyPrefix + "leases"},
		workID, token,
		strconv.FormatFloat(score(notBefore, seq), 'f', 0, 64),
		notBefore.UnixMilli(), reason,
		readyKey(queue, types.Priority(prio)),
	).Int64()
	if err != nil {
		return apperrors.ErrQueueUnavailable.WithCause(err)
	}
	if n == 0 {
		return apperrors.ErrStaleLease.WithDetail("work_id", workID)
	}
	return nil
}

// requeueScript returns one expired lease to its ready partition.
var requeueScript = redis.NewScript(`
	local key = "mq:work:" .. ARGV[1]
	redis.call("ZREM", KEYS[1], ARGV[1])
	if redis.call("EXISTS", key) == 0 then return 0 end
	redis.call("HDEL", key, "token", "deadline")
	redis.call("HINCRBY", key, "attempt", 1)
	redis.call("ZADD", ARGV[3], ARGV[2], ARGV[1])
	return 1
`)

// RequeueExpired returns expired leases to their partitions so another
// worker can claim them. The original holder's token is now stale.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := q.client.ZRangeByScore(ctx, keyPrefix+"leases", &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, apperrors.ErrQueueUnavailable.WithCause(err)
	}

	requeued := 0
	for _, id := range expired {
		fields, err := q.client.HMGet(ctx, workKey(id), "queue", "prio").Result()
		if err != nil {
			return requeued, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		queue, _ := fields[0].(string)
		prioStr, _ := fields[1].(string)
		if queue == "" {
			// Work hash vanished; drop the dangling lease entry
			q.client.ZRem(ctx, keyPrefix+"leases", id)
			continue
		}
		prio, _ := strconv.Atoi(prioStr)

		seq, err := q.client.Incr(ctx, keyPrefix+"seq").Result()
		if err != nil {
			return requeued, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		n, err := requeueScript.Run(ctx, q.client, []string{keyPrefix + "leases"},
			id,
			strconv.FormatFloat(score(now, seq), 'f', 0, 64),
			readyKey(queue, types.Priority(prio)),
		).Int64()
		if err != nil {
			return requeued, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		requeued += int(n)
	}
	return requeued, nil
}

// Depths reports ready counts per (queue, priority).
func (q *RedisQueue) Depths(ctx context.Context) ([]Depth, error) {
	var out []Depth
	for _, queue := range types.AllQueues() {
		for _, prio := range priorities {
			n, err := q.client.ZCard(ctx, readyKey(queue, prio)).Result()
			if err != nil {
				return nil, apperrors.ErrQueueUnavailable.WithCause(err)
			}
			out = append(out, Depth{Queue: queue, Priority: prio, Ready: n})
		}
	}
	return out, nil
}

// queueDepth sums ready counts across priorities for one queue.
func (q *RedisQueue) queueDepth(ctx context.Context, queue string) (int64, error) {
	var total int64
	for _, prio := range priorities {
		n, err := q.client.ZCard(ctx, readyKey(queue, prio)).Result()
		if err != nil {
			return 0, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		total += n
	}
	return total, nil
}

// Paused latches at the high-water mark and releases at the low-water
// mark, so producers do not flap around one threshold.
func (q *RedisQueue) Paused(ctx context.Context, queue string) (bool, error) {
	if q.highWater <= 0 {
		return false, nil
	}
	depth, err := q.queueDepth(ctx, queue)
	if err != nil {
		return false, err
	}
	pausedKey := keyPrefix + "paused:" + queue

	if depth >= q.highWater {
		if err := q.client.Set(ctx, pausedKey, "1", 0).Err(); err != nil {
			return false, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		return true, nil
	}

	latched, err := q.client.Exists(ctx, pausedKey).Result()
	if err != nil {
		return false, apperrors.ErrQueueUnavailable.WithCause(err)
	}
	if latched == 0 {
		return false, nil
	}
	if depth <= q.lowWater {
		if err := q.client.Del(ctx, pausedKey).Err(); err != nil {
			return false, apperrors.ErrQueueUnavailable.WithCause(err)
		}
		return false, nil
	}
	return true, nil
}

// ErrBackpressure is returned to producers while a queue is paused.
var ErrBackpressure = &apperrors.TypedError{
	Code:       "QUEUE_BACKPRESSURE",
	Category:   apperrors.CategorySystemic,
	Retry:      apperrors.RetryTransient,
	StatusCode: 503,
	Message:    "queue is above its high-water mark",
}
