package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/auroraproxy/aurora/pkg/log"
	"github.com/auroraproxy/aurora/pkg/metrics"
	"github.com/auroraproxy/aurora/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Handler processes one job's payload. A returned error triggers the
// job's retry policy; a panic is recovered and treated as an error so
// one bad handler never brings down a worker.
type Handler func(ctx context.Context, job *types.Job) error

// Worker pulls jobs from a Queue's ready set and dispatches them to
// registered Handlers by job name, acking only after the handler
// returns (crash-safe: an un-acked job stays in the claimed set until
// ReclaimStale returns it to ready).
type Worker struct {
	queue    *Queue
	rdb      *redis.Client
	handlers map[string]Handler
	cron     *cron.Cron
}

// NewWorker constructs a Worker bound to queue.
func NewWorker(queue *Queue, rdb *redis.Client) *Worker {
	return &Worker{
		queue:    queue,
		rdb:      rdb,
		handlers: make(map[string]Handler),
		cron:     cron.New(),
	}
}

// RegisterHandler binds a job name to the Handler that processes it.
func (w *Worker) RegisterHandler(name string, h Handler) {
	w.handlers[name] = h
}

// Periodic schedules a recurring job via a standard 5-field cron
// expression (github.com/robfig/cron/v3), enqueuing a fresh job with
// the given name/payload/priority on every tick — the Go-native
// analogue of huey's @periodic_task.
func (w *Worker) Periodic(spec, name string, priority int, payload []byte) error {
	_, err := w.cron.AddFunc(spec, func() {
		job := &types.Job{ID: uuid.New().String(), Name: name, Payload: payload, Priority: priority, MaxRetries: 0}
		if err := w.queue.Enqueue(context.Background(), job); err != nil {
			log.Logger.Error().Err(err).Str("name", name).Msg("queue: failed to enqueue periodic job")
		}
	})
	if err != nil {
		return fmt.Errorf("queue: bad cron spec %q for %s: %w", spec, name, err)
	}
	return nil
}

// StartPeriodic starts the cron scheduler; call StopPeriodic on
// shutdown, since cancelling Run's ctx does not stop it.
func (w *Worker) StartPeriodic() { w.cron.Start() }

// StopPeriodic stops the cron scheduler.
func (w *Worker) StopPeriodic() { <-w.cron.Stop().Done() }

// Run pulls and dispatches jobs until ctx is cancelled. pollTimeout
// bounds each BZPOPMIN call so the loop notices cancellation promptly.
func (w *Worker) Run(ctx context.Context, pollTimeout time.Duration) {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := w.rdb.BZPopMin(ctx, pollTimeout, keyReady).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Logger.Error().Err(err).Msg("queue: BZPOPMIN failed")
			continue
		}

		jobID, _ := res.Member.(string)
		w.claim(ctx, jobID)
		w.dispatch(ctx, jobID)
	}
}

func (w *Worker) claim(ctx context.Context, jobID string) {
	lease := w.queue.lease
	expiry := float64(time.Now().Add(lease).UnixMilli())
	if err := w.rdb.ZAdd(ctx, keyClaimed, redis.Z{Score: expiry, Member: jobID}).Err(); err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("queue: failed to record claim")
	}
}

func (w *Worker) dispatch(ctx context.Context, jobID string) {
	job, err := w.queue.Get(ctx, jobID)
	if err != nil {
		log.Logger.Error().Err(err).Str("job_id", jobID).Msg("queue: claimed job missing from hash")
		w.rdb.ZRem(ctx, keyClaimed, jobID)
		return
	}

	handler, ok := w.handlers[job.Name]
	if !ok {
		log.Logger.Error().Str("job_id", jobID).Str("name", job.Name).Msg("queue: no handler registered")
		w.finalize(ctx, job, fmt.Errorf("no handler registered for job %q", job.Name))
		return
	}

	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	job.Attempt++
	_ = w.queue.save(ctx, job)

	handlerErr := w.runHandler(ctx, handler, job)
	w.finalize(ctx, job, handlerErr)
}

func (w *Worker) runHandler(ctx context.Context, h Handler, job *types.Job) (err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, job.Name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// finalize acks a completed job: every outcome removes it from the
// claimed set, and a retryable failure is then re-scheduled with backoff.
func (w *Worker) finalize(ctx context.Context, job *types.Job, handlerErr error) {
	w.rdb.ZRem(ctx, keyClaimed, job.ID)
	job.FinishedAt = time.Now()

	if handlerErr == nil {
		job.Status = types.JobStatusSuccess
		_ = w.queue.save(ctx, job)
		metrics.JobsCompletedTotal.WithLabelValues(job.Name, "success").Inc()
		return
	}

	job.Error = handlerErr.Error()
	if job.Attempt <= job.MaxRetries {
		backoff := time.Duration(job.Attempt) * time.Second
		job.Status = types.JobStatusPending
		if err := w.queue.Schedule(ctx, job, backoff, ""); err != nil {
			log.Logger.Error().Err(err).Str("job_id", job.ID).Msg("queue: failed to schedule retry")
		}
		metrics.JobsCompletedTotal.WithLabelValues(job.Name, "retry").Inc()
		return
	}

	job.Status = types.JobStatusFailed
	_ = w.queue.save(ctx, job)
	metrics.JobsCompletedTotal.WithLabelValues(job.Name, "failed").Inc()
	log.Logger.Error().Str("job_id", job.ID).Str("name", job.Name).Err(handlerErr).Msg("job failed permanently")
}
