package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes fire-and-forget tasks on a bounded pool and lets the
// process drain them before exit. Side effects like alert dispatch must
// not ride the request context (it dies with the response) but still need
// to finish before shutdown; the runner tracks them for both.
type Runner struct {
	sem         chan struct{}
	taskTimeout time.Duration
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// RunnerConfig holds runner configuration.
type RunnerConfig struct {
	MaxConcurrent int           // default 16
	TaskTimeout   time.Duration // default 30s
}

// NewRunner creates a tracked background runner.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		taskTimeout: cfg.TaskTimeout,
		logger:      logger.With("component", "runner"),
	}
}

// Go schedules fn on the pool with a fresh context bounded by the task
// timeout. It reports false when the pool is saturated; the task is dropped
// rather than blocking the caller.
func (r *Runner) Go(name string, fn func(ctx context.Context)) bool {
	select {
	case r.sem <- struct{}{}:
	default:
		r.logger.Warn("background runner saturated, dropping task", "task", name)
		return false
	}
	r.wg.Add(1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked", "task", name, "panic", rec)
			}
			<-r.sem
			r.wg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.taskTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Busy reports whether any task is still running.
func (r *Runner) Busy() bool {
	return len(r.sem) > 0
}

// Drain waits for in-flight tasks to finish or the context to expire.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
