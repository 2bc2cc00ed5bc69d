package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/breaker"
	"github.com/revbackhq/revback/internal/crypto"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/repository"
)

// DeliveryJob is the webhook-delivery queue payload. The config is reloaded
// at delivery time so secrets never ride through Redis.
type DeliveryJob struct {
	AlertConfigID string `json:"alertConfigId"`
	Event         Event  `json:"event"`
}

// WebhookConfig tunes the delivery worker.
type WebhookConfig struct {
	// Timeout bounds one outbound POST. Defaults to 10s.
	Timeout time.Duration
}

// WebhookDeliverer posts signed alert events to customer endpoints. It runs
// as the webhook-delivery queue handler, so retries and dead-lettering come
// from the queue.
type WebhookDeliverer struct {
	configs  repository.AlertConfigRepository
	delivery repository.DeliveryLogRepository
	crypto   *crypto.Encryptor
	breakers *breaker.Registry
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookDeliverer creates the delivery worker.
func NewWebhookDeliverer(
	configs repository.AlertConfigRepository,
	delivery repository.DeliveryLogRepository,
	enc *crypto.Encryptor,
	breakers *breaker.Registry,
	cfg WebhookConfig,
	m *metrics.Metrics,
	log *slog.Logger,
) *WebhookDeliverer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookDeliverer{
		configs:  configs,
		delivery: delivery,
		crypto:   enc,
		breakers: breakers,
		client:   &http.Client{Timeout: cfg.Timeout},
		metrics:  m,
		logger:   log.With("component", "alert_webhook"),
		now:      time.Now,
	}
}

// HandleJob processes one webhook-delivery job. A non-nil return schedules a
// retry; deliveries to deleted or disabled configs complete without sending.
func (w *WebhookDeliverer) HandleJob(ctx context.Context, job queue.Job) error {
	var dj DeliveryJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode delivery job", err)
	}

	cfg, err := w.configs.GetByID(ctx, dj.AlertConfigID)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.IsActive {
		w.logger.Info("skipping delivery, alert config gone or disabled", "alert_config_id", dj.AlertConfigID)
		return nil
	}

	secret := ""
	if cfg.Secret != "" {
		secret, err = w.crypto.DecryptString(cfg.Secret)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "decrypt webhook secret", err)
		}
	}

	body, err := json.Marshal(dj.Event)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal alert event", err)
	}

	status, deliverErr := w.post(ctx, cfg.Destination, secret, body)
	recordDelivery(ctx, w.delivery, w.metrics, w.logger, cfg, dj.Event, job.Attempts, status, deliverErr)
	if deliverErr != nil {
		w.logger.Warn("alert webhook delivery failed",
			"destination", cfg.Destination,
			"issue_id", dj.Event.Data.Issue.ID,
			"attempt", job.Attempts,
			"status", status,
			"error", deliverErr)
		return deliverErr
	}
	w.logger.Info("alert webhook delivered",
		"destination", cfg.Destination,
		"issue_id", dj.Event.Data.Issue.ID,
		"attempt", job.Attempts,
		"status", status)
	return nil
}

func (w *WebhookDeliverer) post(ctx context.Context, destination, secret string, body []byte) (int, error) {
	var status int
	err := w.breakers.Do(destination, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "build alert request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "RevBack-Webhook/1.0")
		if secret != "" {
			ts := w.now().Unix()
			req.Header.Set("X-RevBack-Signature", fmt.Sprintf("t=%d,v1=%s", ts, Sign(secret, ts, body)))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.KindTransientIO, "post alert webhook", err)
		}
		resp.Body.Close()

		status = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return apperr.Ef(apperr.KindTransientIO, "alert webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	return status, err
}

// Sign computes the v1 signature: hex HMAC-SHA256 over "<t>.<body>".
// Receivers rebuild the same string from the header timestamp and the raw
// request body.
func Sign(secret string, t int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", t)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
