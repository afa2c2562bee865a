package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"constituency-export/internal/config"
)

// RedisQueue is the FIFO admission queue for export jobs. Admitted jobs hold a
// lease in the in-flight set until they are acked or the lease expires.
type RedisQueue struct {
	client      *redis.Client
	pendingKey  string
	inflightKey string
	deadKey     string
	leaseTTL    time.Duration
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue wraps client. A zero leaseTTL falls back to two minutes.
func NewRedisQueue(client *redis.Client, leaseTTL time.Duration) *RedisQueue {
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &RedisQueue{
		client:      client,
		pendingKey:  "export:queue:pending",
		inflightKey: "export:queue:inflight",
		deadKey:     "export:queue:dead",
		leaseTTL:    leaseTTL,
	}
}

// Enqueue appends a job id to the tail of the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.pendingKey, jobID).Err()
}

// Admit pops the oldest pending job and leases it. It returns "" when the
// queue is empty.
func (q *RedisQueue) Admit(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := admitScript.Run(ctx, q.client, []string{q.pendingKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from admit script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward. It reports false when the
// lease no longer exists, e.g. because the reaper already took it.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string) (bool, error) {
	deadline := time.Now().Add(q.leaseTTL).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{q.inflightKey}, jobID, deadline).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ack releases the lease of a finished job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// Remove drops a job from both the pending list and the in-flight set.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.pendingKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReapExpired atomically takes up to limit expired leases and records them
// on the dead list. Only one caller can ever receive a given id.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reapScript.Run(ctx, q.client, []string{q.inflightKey, q.deadKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Restore appends the given ids to the pending list unless they are already
// queued or leased, and returns the ids it appended. It puts back jobs whose
// enqueue was lost after their record was written.
func (q *RedisQueue) Restore(ctx context.Context, jobIDs []string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	res, err := restoreScript.Run(ctx, q.client, []string{q.pendingKey, q.inflightKey}, args...).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeadPeek reads the most recently reaped job ids.
func (q *RedisQueue) DeadPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.deadKey, -count, -1).Result()
}

// Depth returns the number of jobs waiting for admission.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey).Result()
}

// Inflight returns the number of leased jobs.
func (q *RedisQueue) Inflight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var admitScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
redis.call('LTRIM', KEYS[2], -1000, -1)
return ids
`)

var restoreScript = redis.NewScript(`
local queued = {}
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  queued[id] = true
end
local restored = {}
for _, id in ipairs(ARGV) do
  if not queued[id] and not redis.call('ZSCORE', KEYS[2], id) then
    redis.call('RPUSH', KEYS[1], id)
    queued[id] = true
    table.insert(restored, id)
  end
end
return restored
`)
