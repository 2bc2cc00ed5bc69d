// Package queue implements the Redis-backed job queue that carries webhook
// processing, scheduled scans, alert deliveries, and retention sweeps.
//
// Each named queue keeps a pending list, a delayed zset scored by ready
// time, an active list with per-job claim times, a dead-letter list, and a
// completed zset. Job bodies live in a hash per job id; the lists and zsets
// hold ids only. Enqueues are deduplicated on job id so retried upstream
// deliveries collapse into one job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/ratelimit"
)

// Named queues.
const (
	WebhookProcessing = "webhook-processing"
	ScheduledScans    = "scheduled-scans"
	WebhookDelivery   = "webhook-delivery"
	AIInvestigation   = "ai-investigation"
	DataRetention     = "data-retention"
)

// Job types carried on the named queues.
const (
	JobTypeProcessWebhook = "process-webhook"
	JobTypeRunScan        = "run-scan"
	JobTypeDeliverAlert   = "deliver-alert"
	JobTypeInvestigate    = "investigate-issue"
	JobTypeRetentionSweep = "retention-sweep"
)

// Job is the unit of queued work. Payload stays opaque to the queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// ScanPayload is the body of run-scan jobs.
type ScanPayload struct {
	DetectorID string `json:"detectorId"`
	OrgID      string `json:"orgId"`
}

// InvestigationPayload is the body of investigate-issue jobs.
type InvestigationPayload struct {
	IssueID string `json:"issueId"`
	OrgID   string `json:"orgId"`
}

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc runs after a job lands in the dead-letter list.
type ExhaustedFunc func(ctx context.Context, job Job, jobErr error)

// QueueConfig describes one named queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	MaxAttempts int
	// BackoffBase is the delay after the first failure; it doubles per
	// attempt up to BackoffCap (0 means uncapped).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RatePerMin throttles claims across the queue's workers. 0 means
	// unthrottled.
	RatePerMin int
}

// DefaultQueues returns the stock queue set.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: WebhookProcessing, Concurrency: 5, MaxAttempts: 3, BackoffBase: 2 * time.Second},
		{Name: ScheduledScans, Concurrency: 2, MaxAttempts: 1},
		{Name: WebhookDelivery, Concurrency: 10, MaxAttempts: 7, BackoffBase: 2 * time.Second, BackoffCap: 128 * time.Second},
		{Name: AIInvestigation, Concurrency: 2, MaxAttempts: 2, RatePerMin: 10},
		{Name: DataRetention, Concurrency: 1, MaxAttempts: 1},
	}
}

// Config holds queue-wide tunables. Zero values fall back to defaults.
type Config struct {
	// PollTimeout bounds each blocking claim so workers notice shutdown.
	PollTimeout time.Duration
	// JanitorInterval paces delayed promotion, stale recovery, and
	// completed trimming.
	JanitorInterval time.Duration
	// VisibilityTimeout is how long a claim may sit in the active list
	// before the janitor treats the worker as dead.
	VisibilityTimeout time.Duration
	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration
	// CompletedRetention is how long finished jobs stay visible.
	CompletedRetention time.Duration
	// CompletedCap bounds the completed zset per queue. Clamped to
	// [100, 10000].
	CompletedCap int
	// DedupTTL is how long an enqueued job id suppresses duplicates.
	DedupTTL time.Duration
	Queues   []QueueConfig
}

// Queue is the process-wide handle. One value serves enqueues, worker pools,
// and operational queries.
type Queue struct {
	client  *redis.Client
	cfg     Config
	configs map[string]QueueConfig
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]Handler
	exhausted map[string]ExhaustedFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	pollCtx  context.Context
	cancel   context.CancelFunc

	now func() time.Time
}

// New creates a queue on an existing Redis client. The client is shared
// with readiness probes and the scheduler, so the caller owns closing it.
func New(client *redis.Client, cfg Config, m *metrics.Metrics, log *slog.Logger) *Queue {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 15 * time.Second
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.CompletedCap == 0 {
		cfg.CompletedCap = 1000
	}
	if cfg.CompletedCap < 100 {
		cfg.CompletedCap = 100
	}
	if cfg.CompletedCap > 10000 {
		cfg.CompletedCap = 10000
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues()
	}

	configs := make(map[string]QueueConfig, len(cfg.Queues))
	limits := make(map[ratelimit.Tier]ratelimit.Limit)
	for i := range cfg.Queues {
		if cfg.Queues[i].Concurrency <= 0 {
			cfg.Queues[i].Concurrency = 1
		}
		if cfg.Queues[i].MaxAttempts <= 0 {
			cfg.Queues[i].MaxAttempts = 1
		}
		qc := cfg.Queues[i]
		configs[qc.Name] = qc
		if qc.RatePerMin > 0 {
			limits[ratelimit.Tier(qc.Name)] = ratelimit.Limit{Tokens: qc.RatePerMin, Window: time.Minute}
		}
	}

	return &Queue{
		client:    client,
		cfg:       cfg,
		configs:   configs,
		limiter:   ratelimit.NewLimiter(limits),
		metrics:   m,
		logger:    log.With("component", "queue"),
		handlers:  make(map[string]Handler),
		exhausted: make(map[string]ExhaustedFunc),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Ping reports whether Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Register installs the handler for a named queue. Jobs claimed from a
// queue without a handler go straight to retry.
func (q *Queue) Register(queue string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

// RegisterExhausted installs the dead-letter hook for a named queue.
func (q *Queue) RegisterExhausted(queue string, h ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted[queue] = h
}

// Enqueue adds a job to the tail of a queue. An empty jobID gets a fresh
// ulid; a jobID seen within DedupTTL makes the call a no-op.
func (q *Queue) Enqueue(ctx context.Context, queue, jobType, jobID string, payload any) error {
	return q.enqueue(ctx, queue, jobType, jobID, payload, false)
}

// EnqueuePriority adds a job to the head of a queue so it is claimed next.
func (q *Queue) EnqueuePriority(ctx context.Context, queue, jobType, jobID string, payload any) error {
	return q.enqueue(ctx, queue, jobType, jobID, payload, true)
}

func (q *Queue) enqueue(ctx context.Context, queue, jobType, jobID string, payload any, priority bool) error {
	qc, ok := q.configs[queue]
	if !ok {
		return apperr.Ef(apperr.KindValidation, "unknown queue %q", queue)
	}
	if jobID == "" {
		jobID = ulid.Make().String()
	}

	fresh, err := q.client.SetNX(ctx, seenKey(queue, jobID), 1, q.cfg.DedupTTL).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "enqueue dedup check", err)
	}
	if !fresh {
		q.logger.Debug("duplicate job skipped", "queue", queue, "job_id", jobID)
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "marshal job payload", err)
	}
	job := Job{
		ID:          jobID,
		Queue:       queue,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: qc.MaxAttempts,
		EnqueuedAt:  q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal job", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, jobID), "data", data)
	if priority {
		pipe.RPush(ctx, pendingKey(queue), jobID)
	} else {
		pipe.LPush(ctx, pendingKey(queue), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "enqueue job", err)
	}
	return nil
}

// Stats reports per-queue depths for the operational API.
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int64  `json:"pending"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	DLQ       int64  `json:"dlq"`
	Completed int64  `json:"completed"`
}

// Stats returns depths for every configured queue in declaration order.
func (q *Queue) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(q.cfg.Queues))
	for _, qc := range q.cfg.Queues {
		pipe := q.client.Pipeline()
		pending := pipe.LLen(ctx, pendingKey(qc.Name))
		delayed := pipe.ZCard(ctx, delayedKey(qc.Name))
		active := pipe.LLen(ctx, activeKey(qc.Name))
		dlq := pipe.LLen(ctx, dlqKey(qc.Name))
		completed := pipe.ZCard(ctx, completedKey(qc.Name))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientIO, "queue stats", err)
		}
		out = append(out, Stats{
			Queue:     qc.Name,
			Pending:   pending.Val(),
			Delayed:   delayed.Val(),
			Active:    active.Val(),
			DLQ:       dlq.Val(),
			Completed: completed.Val(),
		})
	}
	return out, nil
}

// RequeueDLQ moves every dead-lettered job back to pending with a reset
// attempt budget and returns how many were moved.
func (q *Queue) RequeueDLQ(ctx context.Context, queue string) (int, error) {
	if _, ok := q.configs[queue]; !ok {
		return 0, apperr.Ef(apperr.KindNotFound, "unknown queue %q", queue)
	}
	moved := 0
	for {
		id, err := q.client.RPop(ctx, dlqKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, apperr.Wrap(apperr.KindTransientIO, "pop dlq", err)
		}
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			q.logger.Error("dropping dead-lettered job with missing body", "queue", queue, "job_id", id, "error", err)
			continue
		}
		job.Attempts = 0
		data, err := json.Marshal(job)
		if err != nil {
			return moved, apperr.Wrap(apperr.KindInternal, "marshal job", err)
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, jobKey(queue, id), "data", data)
		pipe.HDel(ctx, jobKey(queue, id), "error")
		pipe.LPush(ctx, pendingKey(queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, apperr.Wrap(apperr.KindTransientIO, "requeue dlq job", err)
		}
		moved++
	}
}

func (q *Queue) loadJob(ctx context.Context, queue, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, jobKey(queue, id), "data").Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) storeJob(ctx context.Context, job *Job, extra ...any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	fields := append([]any{"data", data}, extra...)
	return q.client.HSet(ctx, jobKey(job.Queue, job.ID), fields...).Err()
}

func (q *Queue) handlerFor(queue string) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[queue]
}

func (q *Queue) exhaustedFor(queue string) ExhaustedFunc {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.exhausted[queue]
}

const keyPrefix = "revback:queue:"

func pendingKey(queue string) string   { return keyPrefix + queue + ":pending" }
func delayedKey(queue string) string   { return keyPrefix + queue + ":delayed" }
func activeKey(queue string) string    { return keyPrefix + queue + ":active" }
func dlqKey(queue string) string       { return keyPrefix + queue + ":dlq" }
func completedKey(queue string) string { return keyPrefix + queue + ":completed" }
func jobKey(queue, id string) string   { return keyPrefix + queue + ":job:" + id }
func seenKey(queue, id string) string  { return keyPrefix + queue + ":seen:" + id }
