package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/streambus"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priority levels, lowest value serviced first.
const (
	PriorityReconcileRule   = 0
	PriorityServerInit      = 3
	PriorityCleanup         = 4
	PriorityTrafficFanout   = 6
	PriorityHousekeeping    = 10
)

const (
	keyReady       = "aurora:queue:ready"
	keyDelayed     = "aurora:queue:delayed"
	keyClaimed     = "aurora:queue:claimed"
	keyDelayedKeys = "aurora:queue:delayed:keys" // dedup key -> job id, for Cancel
	jobHashPrefix  = "aurora:jobs:"
)

// priorityScoreScale spaces priority buckets far enough apart that the
// millisecond timestamp component never spills into the next bucket.
const priorityScoreScale = 1e13

// Queue is the Redis-backed priority job broker.
type Queue struct {
	rdb  *redis.Client
	bus  *streambus.Bus
	lease time.Duration
}

// New constructs a Queue. lease is how long a claimed job may run
// before ReclaimStale considers its worker dead.
func New(rdb *redis.Client, bus *streambus.Bus, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Queue{rdb: rdb, bus: bus, lease: lease}
}

func jobKey(id string) string { return jobHashPrefix + id }

func readyScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityScoreScale + float64(at.UnixMilli())
}

// Enqueue arrives a job immediately: it is persisted, added to the
// ready set, and its stream indices are published so a caller that
// subscribes right after Enqueue returns never races the first message.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.StreamID == "" {
		job.StreamID = job.ID
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = time.Now()

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.ZAdd(ctx, keyReady, redis.Z{Score: readyScore(job.Priority, time.Now()), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("queue: add to ready set: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(job.Name).Inc()
	metrics.QueueDepth.WithLabelValues(fmt.Sprintf("%d", job.Priority)).Inc()

	if q.bus != nil {
		_ = q.bus.PublishIndices(ctx, job.StreamID)
	}
	return nil
}

// Schedule arrives a job for delayed execution: it becomes eligible
// once after has elapsed. dedupKey, when non-empty, lets a later
// Cancel(ctx, dedupKey) remove it before it fires — used for expiry
// cleanups keyed by port id.
func (q *Queue) Schedule(ctx context.Context, job *types.Job, after time.Duration, dedupKey string) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.StreamID == "" {
		job.StreamID = job.ID
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = time.Now()
	job.NotBefore = time.Now().Add(after)

	if err := q.save(ctx, job); err != nil {
		return err
	}
	score := float64(job.NotBefore.UnixMilli())
	if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("queue: add to delayed set: %w", err)
	}
	if dedupKey != "" {
		if err := q.rdb.HSet(ctx, keyDelayedKeys, dedupKey, job.ID).Err(); err != nil {
			return fmt.Errorf("queue: record dedup key: %w", err)
		}
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(job.Name).Inc()
	return nil
}

// Cancel removes a delayed job by its dedup key. A no-op if the job
// already fired or was never scheduled with a key.
func (q *Queue) Cancel(ctx context.Context, dedupKey string) error {
	jobID, err := q.rdb.HGet(ctx, keyDelayedKeys, dedupKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: lookup dedup key: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyDelayed, jobID)
	pipe.HDel(ctx, keyDelayedKeys, dedupKey)
	pipe.Del(ctx, jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: cancel job: %w", err)
	}
	return nil
}

// RunDelayedDispatch polls the delayed set and promotes due jobs to
// ready. Call it from a single long-running goroutine; it blocks until
// ctx is cancelled.
func (q *Queue) RunDelayedDispatch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil {
				log.Logger.Error().Err(err).Msg("queue: delayed dispatch failed")
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			log.Logger.Warn().Str("job_id", id).Err(err).Msg("queue: due job missing from hash, dropping")
			q.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.ZAdd(ctx, keyReady, redis.Z{Score: readyScore(job.Priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReclaimStale returns claimed jobs whose lease has expired back to
// the ready set, so a worker crash never strands a job.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, keyClaimed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		priority := PriorityHousekeeping
		if err == nil {
			priority = job.Priority
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyClaimed, id)
		pipe.ZAdd(ctx, keyReady, redis.Z{Score: readyScore(priority, time.Now()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Logger.Error().Err(err).Str("job_id", id).Msg("queue: failed to reclaim stale job")
		}
	}
	return len(ids), nil
}

func (q *Queue) save(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return q.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

// Get fetches a job's current record.
func (q *Queue) Get(ctx context.Context, id string) (*types.Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	return &job, nil
}
