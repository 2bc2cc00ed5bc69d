// Package maintenance holds the background housekeeping tasks that keep
// stored payloads and credentials within policy.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/queue"
)

// WebhookLogPruner is the slice of webhook log storage the sweeper needs.
type WebhookLogPruner interface {
	DeleteTerminalOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DeliveryLogPruner is the slice of delivery log storage the sweeper needs.
type DeliveryLogPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RetentionConfig sets the pruning windows in days.
type RetentionConfig struct {
	RawLogDays      int
	DeliveryLogDays int
}

// Sweeper prunes aged rows when a data-retention job fires. Webhook logs
// are only removed once terminal; in-flight deliveries keep their raw
// payload for replay regardless of age.
type Sweeper struct {
	webhookLogs  WebhookLogPruner
	deliveryLogs DeliveryLogPruner
	cfg          RetentionConfig
	logger       *slog.Logger
	now          func() time.Time
}

// NewSweeper wires the sweeper to storage. Windows at or below zero fall
// back to 30 days for raw logs and 90 for delivery logs.
func NewSweeper(webhookLogs WebhookLogPruner, deliveryLogs DeliveryLogPruner, cfg RetentionConfig, log *slog.Logger) *Sweeper {
	if cfg.RawLogDays <= 0 {
		cfg.RawLogDays = 30
	}
	if cfg.DeliveryLogDays <= 0 {
		cfg.DeliveryLogDays = 90
	}
	return &Sweeper{
		webhookLogs:  webhookLogs,
		deliveryLogs: deliveryLogs,
		cfg:          cfg,
		logger:       log.With("component", "retention"),
		now:          time.Now,
	}
}

// HandleJob runs one sweep. Deletes are cutoff-based, so a retried job
// repeats the same prune without harm.
func (s *Sweeper) HandleJob(ctx context.Context, job queue.Job) error {
	now := s.now().UTC()

	rawCutoff := now.AddDate(0, 0, -s.cfg.RawLogDays)
	webhookPruned, err := s.webhookLogs.DeleteTerminalOlderThan(ctx, rawCutoff)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "prune webhook logs", err)
	}

	deliveryCutoff := now.AddDate(0, 0, -s.cfg.DeliveryLogDays)
	deliveryPruned, err := s.deliveryLogs.DeleteOlderThan(ctx, deliveryCutoff)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "prune delivery logs", err)
	}

	s.logger.Info("retention sweep finished",
		"webhook_logs_pruned", webhookPruned,
		"delivery_logs_pruned", deliveryPruned,
		"raw_cutoff", rawCutoff.Format(time.RFC3339),
		"delivery_cutoff", deliveryCutoff.Format(time.RFC3339),
	)
	return nil
}
