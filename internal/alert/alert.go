// Package alert fans issue lifecycle events out to an organization's
// configured channels. Webhook deliveries ride the webhook-delivery queue so
// they survive restarts and get retries; Slack and email go out directly on
// a tracked background runner.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/detector"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/repository"
	"github.com/revbackhq/revback/internal/shutdown"
)

// APIVersion stamps every outbound event payload.
const APIVersion = "2026-02-01"

// Issue lifecycle event types.
const (
	EventIssueCreated      = "issue.created"
	EventIssueResolved     = "issue.resolved"
	EventIssueDismissed    = "issue.dismissed"
	EventIssueAcknowledged = "issue.acknowledged"
)

// Event is the wire payload delivered to every channel.
type Event struct {
	ID         string    `json:"id"`
	EventType  string    `json:"eventType"`
	APIVersion string    `json:"apiVersion"`
	Timestamp  string    `json:"timestamp"`
	Data       EventData `json:"data"`
}

// EventData wraps the issue so the envelope can grow without breaking
// consumers.
type EventData struct {
	Issue IssuePayload `json:"issue"`
}

// IssuePayload is the issue enriched with catalog metadata.
type IssuePayload struct {
	models.Issue
	Category          string `json:"category"`
	RecommendedAction string `json:"recommendedAction"`
}

// Enqueuer is the slice of the queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType, jobID string, payload any) error
}

// ChannelSender delivers one event to one destination synchronously.
type ChannelSender interface {
	Send(ctx context.Context, cfg *models.AlertConfig, event Event) error
}

// Dispatcher routes issue events to the org's active alert configs.
type Dispatcher struct {
	configs  repository.AlertConfigRepository
	delivery repository.DeliveryLogRepository
	queue    Enqueuer
	runner   *shutdown.Runner
	slack    ChannelSender
	email    ChannelSender
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher wires a dispatcher. slack and email may be nil when the
// corresponding credentials are not configured; matching configs then log a
// warning instead of sending.
func NewDispatcher(
	configs repository.AlertConfigRepository,
	delivery repository.DeliveryLogRepository,
	enqueuer Enqueuer,
	runner *shutdown.Runner,
	slack ChannelSender,
	email ChannelSender,
	m *metrics.Metrics,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		configs:  configs,
		delivery: delivery,
		queue:    enqueuer,
		runner:   runner,
		slack:    slack,
		email:    email,
		metrics:  m,
		logger:   log.With("component", "alert"),
		now:      time.Now,
	}
}

// Dispatch builds one event for the issue and hands it to every active
// config whose min severity the issue meets. Failures on one channel do not
// stop the others; the first error is returned for the caller's logs.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID string, issue *models.Issue, eventType string) error {
	configs, err := d.configs.ListActiveByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	event := d.buildEvent(issue, eventType)

	var firstErr error
	for _, cfg := range configs {
		if !issue.Severity.AtLeast(cfg.MinSeverity) {
			continue
		}
		if err := d.dispatchOne(ctx, cfg, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) buildEvent(issue *models.Issue, eventType string) Event {
	meta := detector.MetadataFor(issue.IssueType)
	return Event{
		ID:         "evt_" + ulid.Make().String(),
		EventType:  eventType,
		APIVersion: APIVersion,
		Timestamp:  d.now().UTC().Format(time.RFC3339),
		Data: EventData{Issue: IssuePayload{
			Issue:             *issue,
			Category:          meta.Category,
			RecommendedAction: meta.RecommendedAction,
		}},
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cfg *models.AlertConfig, event Event) error {
	switch cfg.Channel {
	case models.AlertChannelWebhook:
		job := DeliveryJob{AlertConfigID: cfg.ID, Event: event}
		jobID := "alert-" + event.ID + "-" + cfg.ID
		return d.queue.Enqueue(ctx, queue.WebhookDelivery, queue.JobTypeDeliverAlert, jobID, job)
	case models.AlertChannelSlack:
		d.sendAsync(cfg, event, d.slack, "slack")
		return nil
	case models.AlertChannelEmail:
		d.sendAsync(cfg, event, d.email, "email")
		return nil
	default:
		d.logger.Warn("unknown alert channel", "channel", cfg.Channel, "alert_config_id", cfg.ID)
		return nil
	}
}

func (d *Dispatcher) sendAsync(cfg *models.AlertConfig, event Event, sender ChannelSender, channel string) {
	if sender == nil {
		d.logger.Warn("alert channel not configured", "channel", channel, "org_id", cfg.OrgID, "alert_config_id", cfg.ID)
		return
	}
	started := d.runner.Go("alert-"+channel, func(ctx context.Context) {
		err := sender.Send(ctx, cfg, event)
		recordDelivery(ctx, d.delivery, d.metrics, d.logger, cfg, event, 1, 0, err)
		if err != nil {
			d.logger.Warn("alert delivery failed",
				"channel", channel,
				"org_id", cfg.OrgID,
				"issue_id", event.Data.Issue.ID,
				"error", err)
		}
	})
	if !started {
		d.logger.Warn("alert delivery dropped, runner saturated", "channel", channel, "issue_id", event.Data.Issue.ID)
	}
}

// recordDelivery writes one AlertDeliveryLog row. Logging failures must not
// mask the delivery outcome, so errors only reach the logger.
func recordDelivery(
	ctx context.Context,
	repo repository.DeliveryLogRepository,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg *models.AlertConfig,
	event Event,
	attempt, statusCode int,
	sendErr error,
) {
	entry := &models.AlertDeliveryLog{
		OrgID:         cfg.OrgID,
		AlertConfigID: cfg.ID,
		IssueID:       event.Data.Issue.ID,
		EventType:     event.EventType,
		Attempt:       attempt,
		Outcome:       models.DeliveryOutcomeDelivered,
		StatusCode:    statusCode,
	}
	if sendErr != nil {
		entry.Outcome = models.DeliveryOutcomeFailed
		entry.ErrorMessage = sendErr.Error()
	}
	m.AlertDeliveries.WithLabelValues(string(cfg.Channel), string(entry.Outcome)).Inc()
	if err := repo.Insert(ctx, entry); err != nil {
		logger.Error("record alert delivery failed",
			"alert_config_id", cfg.ID,
			"issue_id", event.Data.Issue.ID,
			"error", err)
	}
}
