package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/ratelimit"
)

// Start launches the per-queue worker pools and the janitor. The passed
// context bounds the polling loops; handlers run on their own timeout so an
// in-flight job survives shutdown until the Stop deadline.
func (q *Queue) Start(ctx context.Context) {
	q.pollCtx, q.cancel = context.WithCancel(ctx)
	for _, qc := range q.cfg.Queues {
		for i := 0; i < qc.Concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(qc.Name)
		}
	}
	q.wg.Add(1)
	go q.runJanitor()
	q.logger.Info("queue started", "queues", len(q.cfg.Queues))
}

// Stop cancels the polling loops and waits for in-flight jobs until ctx
// expires. Jobs still active at the deadline are recovered later through
// the visibility timeout.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		close(q.stop)
		if q.cancel != nil {
			q.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("queue stopped")
		return nil
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindInternal, "queue stop deadline exceeded", ctx.Err())
	}
}

func (q *Queue) runWorker(queue string) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		id, err := q.client.BLMove(q.pollCtx, pendingKey(queue), activeKey(queue), "RIGHT", "LEFT", q.cfg.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if q.pollCtx.Err() != nil {
				return
			}
			q.logger.Error("claim failed", "queue", queue, "error", err)
			select {
			case <-q.stop:
				return
			case <-time.After(q.cfg.PollTimeout):
			}
			continue
		}
		q.runJob(queue, id)
	}
}

func (q *Queue) runJob(queue, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	defer cancel()

	job, err := q.loadJob(ctx, queue, id)
	if err != nil {
		q.logger.Error("dropping claimed job with missing body", "queue", queue, "job_id", id, "error", err)
		q.client.LRem(ctx, activeKey(queue), 1, id)
		return
	}

	qc := q.configs[queue]
	if qc.RatePerMin > 0 {
		if ok, _, retryAfter := q.limiter.Allow(ratelimit.Tier(queue), "queue"); !ok {
			q.parkJob(ctx, job, q.now().Add(retryAfter))
			return
		}
	}

	job.Attempts++
	if err := q.storeJob(ctx, job, "claimedAt", strconv.FormatInt(q.now().UnixMilli(), 10)); err != nil {
		q.logger.Error("record claim failed", "queue", queue, "job_id", id, "error", err)
	}

	handler := q.handlerFor(queue)
	if handler == nil {
		q.failJob(ctx, job, apperr.Ef(apperr.KindInternal, "no handler registered for queue %q", queue))
		return
	}
	start := time.Now()
	err = q.safeHandle(ctx, handler, job)
	q.metrics.JobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	if err != nil {
		q.failJob(ctx, job, err)
		return
	}
	q.completeJob(ctx, job)
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Ef(apperr.KindInternal, "job handler panic: %v", r)
		}
	}()
	return h(ctx, *job)
}

// parkJob returns a rate-limited claim to the delayed zset without burning
// an attempt.
func (q *Queue) parkJob(ctx context.Context, job *Job, readyAt time.Time) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("park job failed", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	q.logger.Debug("job parked by rate limit", "queue", job.Queue, "job_id", job.ID, "ready_at", readyAt)
}

func (q *Queue) completeJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("marshal completed job", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID), "data", data, "finishedAt", strconv.FormatInt(q.now().UnixMilli(), 10))
	pipe.HDel(ctx, jobKey(job.Queue, job.ID), "claimedAt")
	pipe.ZAdd(ctx, completedKey(job.Queue), redis.Z{Score: float64(q.now().UnixMilli()), Member: job.ID})
	pipe.Expire(ctx, jobKey(job.Queue, job.ID), q.cfg.CompletedRetention+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("complete job failed", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	q.metrics.JobsProcessed.WithLabelValues(job.Queue, "completed").Inc()
	q.logger.Info("job completed", "queue", job.Queue, "job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
}

func (q *Queue) failJob(ctx context.Context, job *Job, jobErr error) {
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("marshal failed job", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
		pipe.HSet(ctx, jobKey(job.Queue, job.ID), "data", data, "error", jobErr.Error())
		pipe.HDel(ctx, jobKey(job.Queue, job.ID), "claimedAt")
		pipe.LPush(ctx, dlqKey(job.Queue), job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("dead-letter job failed", "queue", job.Queue, "job_id", job.ID, "error", err)
			return
		}
		q.metrics.JobsProcessed.WithLabelValues(job.Queue, "exhausted").Inc()
		q.logger.Error("job exhausted", "queue", job.Queue, "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", jobErr)
		if hook := q.exhaustedFor(job.Queue); hook != nil {
			hook(ctx, *job, jobErr)
		}
		return
	}

	delay := backoffDelay(q.configs[job.Queue], job.Attempts)
	readyAt := q.now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID), "data", data, "error", jobErr.Error())
	pipe.HDel(ctx, jobKey(job.Queue, job.ID), "claimedAt")
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("schedule retry failed", "queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	q.metrics.JobsProcessed.WithLabelValues(job.Queue, "retried").Inc()
	q.logger.Warn("job failed, retry scheduled",
		"queue", job.Queue,
		"job_id", job.ID,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", jobErr)
}

// backoffDelay doubles from the base per attempt already spent: 2s, 4s, 8s
// and so on, clamped to the queue's cap.
func backoffDelay(qc QueueConfig, attempts int) time.Duration {
	base := qc.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := base << uint(shift)
	if qc.BackoffCap > 0 && delay > qc.BackoffCap {
		delay = qc.BackoffCap
	}
	return delay
}

func (q *Queue) runJanitor() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			q.sweep(ctx)
			cancel()
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	for _, qc := range q.cfg.Queues {
		q.promoteDelayed(ctx, qc.Name)
		q.recoverStale(ctx, qc)
		q.trimCompleted(ctx, qc.Name)
	}
	q.sampleDepths(ctx)
}

func (q *Queue) sampleDepths(ctx context.Context) {
	stats, err := q.Stats(ctx)
	if err != nil {
		q.logger.Error("sample queue depths failed", "error", err)
		return
	}
	for _, s := range stats {
		q.metrics.QueueDepth.WithLabelValues(s.Queue, "pending").Set(float64(s.Pending))
		q.metrics.QueueDepth.WithLabelValues(s.Queue, "delayed").Set(float64(s.Delayed))
		q.metrics.QueueDepth.WithLabelValues(s.Queue, "active").Set(float64(s.Active))
		q.metrics.QueueDepth.WithLabelValues(s.Queue, "dlq").Set(float64(s.DLQ))
	}
}

// promoteDelayed moves due jobs from the delayed zset back onto pending.
// ZRem guards against another instance promoting the same id.
func (q *Queue) promoteDelayed(ctx context.Context, queue string) {
	due := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: due, Count: 100}).Result()
	if err != nil {
		q.logger.Error("list due jobs failed", "queue", queue, "error", err)
		return
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, pendingKey(queue), id).Err(); err != nil {
			q.logger.Error("promote job failed", "queue", queue, "job_id", id, "error", err)
		}
	}
}

// recoverStale requeues active claims whose worker stopped reporting. A
// claim without a claimedAt field gets one now so the next sweep can age it.
func (q *Queue) recoverStale(ctx context.Context, qc QueueConfig) {
	ids, err := q.client.LRange(ctx, activeKey(qc.Name), 0, -1).Result()
	if err != nil {
		q.logger.Error("list active jobs failed", "queue", qc.Name, "error", err)
		return
	}
	cutoff := q.now().Add(-q.cfg.VisibilityTimeout).UnixMilli()
	nowMillis := strconv.FormatInt(q.now().UnixMilli(), 10)

	for _, id := range ids {
		claimed, err := q.client.HGet(ctx, jobKey(qc.Name, id), "claimedAt").Result()
		if errors.Is(err, redis.Nil) {
			q.client.HSet(ctx, jobKey(qc.Name, id), "claimedAt", nowMillis)
			continue
		}
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(claimed, 10, 64)
		if err != nil || ms > cutoff {
			continue
		}

		removed, err := q.client.LRem(ctx, activeKey(qc.Name), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, qc.Name, id)
		if err != nil {
			q.logger.Error("dropping stale job with missing body", "queue", qc.Name, "job_id", id, "error", err)
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			q.client.LPush(ctx, dlqKey(qc.Name), id)
			staleErr := apperr.E(apperr.KindTransientIO, "visibility timeout exceeded")
			q.logger.Error("stale job exhausted", "queue", qc.Name, "job_id", id, "attempts", job.Attempts)
			if hook := q.exhaustedFor(qc.Name); hook != nil {
				hook(ctx, *job, staleErr)
			}
			continue
		}
		q.client.HDel(ctx, jobKey(qc.Name, id), "claimedAt")
		if err := q.client.LPush(ctx, pendingKey(qc.Name), id).Err(); err != nil {
			q.logger.Error("requeue stale job failed", "queue", qc.Name, "job_id", id, "error", err)
			continue
		}
		q.logger.Warn("requeued stale job", "queue", qc.Name, "job_id", id, "attempts", job.Attempts)
	}
}

// trimCompleted drops finished jobs past the retention window, then enforces
// the size cap, deleting the job hashes alongside the zset members.
func (q *Queue) trimCompleted(ctx context.Context, queue string) {
	cutoff := strconv.FormatInt(q.now().Add(-q.cfg.CompletedRetention).UnixMilli(), 10)
	aged, err := q.client.ZRangeByScore(ctx, completedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		q.logger.Error("list aged completions failed", "queue", queue, "error", err)
		return
	}
	q.dropCompleted(ctx, queue, aged)

	total, err := q.client.ZCard(ctx, completedKey(queue)).Result()
	if err != nil || total <= int64(q.cfg.CompletedCap) {
		return
	}
	over := total - int64(q.cfg.CompletedCap)
	oldest, err := q.client.ZRange(ctx, completedKey(queue), 0, over-1).Result()
	if err != nil {
		q.logger.Error("list oldest completions failed", "queue", queue, "error", err)
		return
	}
	q.dropCompleted(ctx, queue, oldest)
}

func (q *Queue) dropCompleted(ctx context.Context, queue string, ids []string) {
	if len(ids) == 0 {
		return
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = jobKey(queue, id)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, completedKey(queue), members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("trim completions failed", "queue", queue, "error", err)
	}
}
