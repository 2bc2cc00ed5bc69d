// Package ingest drives a webhook from raw provider bytes to detections:
// verify against the org's connection, persist the exact payload, then
// process asynchronously through identity resolution, the entitlement
// reducer, and the event detectors. The raw log row is the idempotency
// record; the canonical event unique index makes replays no-ops.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/crypto"
	"github.com/revbackhq/revback/internal/entitlement"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/normalizer"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/repository"
)

// signatureHeaders are the only request headers persisted with a raw log.
// Everything else may carry caller PII and is dropped.
var signatureHeaders = []string{
	"Content-Type",
	"Stripe-Signature",
	"Svix-Id",
	"Svix-Timestamp",
	"Svix-Signature",
	"User-Agent",
	"X-Push-Token",
}

// WebhookJobPayload is the webhook-processing job body. Only the log id
// travels through Redis; the bytes stay in Postgres.
type WebhookJobPayload struct {
	LogID string `json:"logId"`
}

// UserResolver maps a payload's identity hints to an org-scoped user id.
type UserResolver interface {
	Resolve(ctx context.Context, orgID string, hints []models.IdentityHint) (string, error)
}

// EntitlementReducer applies one canonical event to entitlement state.
type EntitlementReducer interface {
	Apply(ctx context.Context, event models.CanonicalEvent) (entitlement.Outcome, error)
}

// IssueChecker runs the event-driven detectors against one ingested event.
type IssueChecker interface {
	CheckForIssues(ctx context.Context, orgID, userID string, event models.CanonicalEvent) int
}

// Enqueuer hands the processing job to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType, jobID string, payload any) error
}

// Pipeline accepts raw provider webhooks and processes them into canonical
// events, entitlement updates, and issues.
type Pipeline struct {
	orgs        repository.OrganizationRepository
	connections repository.ConnectionRepository
	logs        repository.WebhookLogRepository
	events      repository.EventRepository
	normalizers *normalizer.Registry
	crypto      *crypto.Encryptor
	fallbacks   map[models.Source]normalizer.Credentials
	resolver    UserResolver
	reducer     EntitlementReducer
	checker     IssueChecker
	queue       Enqueuer
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewPipeline wires the ingestion pipeline. fallbacks supplies per-provider
// verification secrets for connections whose stored blob lacks the field
// the verifier needs; it may be nil.
func NewPipeline(
	repos *repository.Repositories,
	normalizers *normalizer.Registry,
	enc *crypto.Encryptor,
	fallbacks map[models.Source]normalizer.Credentials,
	resolver UserResolver,
	reducer EntitlementReducer,
	checker IssueChecker,
	enqueuer Enqueuer,
	m *metrics.Metrics,
	log *slog.Logger,
) *Pipeline {
	return &Pipeline{
		orgs:        repos.Organization,
		connections: repos.Connection,
		logs:        repos.WebhookLog,
		events:      repos.Event,
		normalizers: normalizers,
		crypto:      enc,
		fallbacks:   fallbacks,
		resolver:    resolver,
		reducer:     reducer,
		checker:     checker,
		queue:       enqueuer,
		metrics:     m,
		logger:      log.With("component", "ingest"),
		now:         time.Now,
	}
}

// HandleWebhook authenticates and persists one raw provider delivery, then
// enqueues async processing. Nothing is persisted when verification fails.
// Returns the raw log id the provider delivery was recorded under.
func (p *Pipeline) HandleWebhook(ctx context.Context, orgSlug string, source models.Source, headers http.Header, body []byte) (string, error) {
	org, err := p.orgs.GetBySlug(ctx, orgSlug)
	if err != nil {
		return "", err
	}
	if org == nil || !org.IsActive {
		return "", apperr.Ef(apperr.KindNotFound, "unknown organization %q", orgSlug)
	}

	conn, err := p.connections.GetByOrgSource(ctx, org.ID, source)
	if err != nil {
		return "", err
	}
	if conn == nil || !conn.IsActive {
		return "", apperr.Ef(apperr.KindNotFound, "org %s has no active %s connection", orgSlug, source)
	}

	norm, err := p.normalizers.Get(source)
	if err != nil {
		return "", err
	}

	creds, err := p.connectionCredentials(conn)
	if err != nil {
		return "", err
	}
	if err := norm.VerifySignature(headers, body, creds); err != nil {
		p.logger.Warn("webhook signature rejected",
			"org_id", org.ID,
			"source", source,
			"error", err,
		)
		return "", err
	}

	logEntry := &models.RawWebhookLog{
		OrgID:            org.ID,
		Source:           source,
		Headers:          filterHeaders(headers),
		Body:             body,
		ReceivedAt:       p.now().UTC(),
		ProcessingStatus: models.ProcessingStatusReceived,
	}
	if err := p.logs.Create(ctx, logEntry); err != nil {
		return "", err
	}

	jobID := "webhook-" + logEntry.ID
	if err := p.queue.Enqueue(ctx, queue.WebhookProcessing, queue.JobTypeProcessWebhook, jobID, WebhookJobPayload{LogID: logEntry.ID}); err != nil {
		// The raw bytes are safe; the provider will redeliver and land a
		// fresh log row.
		return "", err
	}

	if err := p.connections.TouchLastWebhook(ctx, conn.ID, logEntry.ReceivedAt); err != nil {
		p.logger.Warn("touch last_webhook_at failed", "connection_id", conn.ID, "error", err)
	}

	p.logger.Info("webhook accepted",
		"org_id", org.ID,
		"source", source,
		"log_id", logEntry.ID,
		"bytes", len(body),
	)
	return logEntry.ID, nil
}

// HandleJob is the webhook-processing queue handler.
func (p *Pipeline) HandleJob(ctx context.Context, job queue.Job) error {
	var payload WebhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode webhook job payload", err)
	}
	return p.ProcessWebhookJob(ctx, payload.LogID)
}

// HandleExhausted marks the raw log dlq once the queue gives up on its job.
func (p *Pipeline) HandleExhausted(ctx context.Context, job queue.Job, jobErr error) {
	var payload WebhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Error("decode exhausted webhook job", "job_id", job.ID, "error", err)
		return
	}
	if err := p.logs.MarkDLQ(ctx, payload.LogID); err != nil {
		p.logger.Error("mark webhook log dlq failed", "log_id", payload.LogID, "error", err)
		return
	}
	p.logger.Error("webhook processing exhausted",
		"log_id", payload.LogID,
		"attempts", job.Attempts,
		"error", jobErr,
	)
}

// ProcessWebhookJob normalizes one persisted raw log and runs every event
// through resolve, reduce, and detect. Any error marks the log failed and
// propagates so the queue retries; the event insert's uniqueness makes the
// retry safe to re-run from the top.
func (p *Pipeline) ProcessWebhookJob(ctx context.Context, logID string) error {
	logEntry, err := p.logs.GetByID(ctx, logID)
	if err != nil {
		return err
	}
	if logEntry == nil {
		return apperr.Ef(apperr.KindNotFound, "webhook log %s not found", logID)
	}

	if err := p.logs.MarkProcessing(ctx, logID); err != nil {
		return err
	}

	norm, err := p.normalizers.Get(logEntry.Source)
	if err != nil {
		return p.failLog(ctx, logID, err)
	}

	events, err := norm.Normalize(logEntry.OrgID, logEntry.Body)
	if err != nil {
		return p.failLog(ctx, logID, err)
	}
	if len(events) == 0 {
		if err := p.logs.MarkSucceeded(ctx, logID, 0, 1); err != nil {
			return err
		}
		p.logger.Debug("webhook carried no billable events", "log_id", logID, "source", logEntry.Source)
		return nil
	}

	created, skipped := 0, 0
	for _, ev := range events {
		canonical := ev.Canonical

		if len(ev.Hints) > 0 {
			userID, err := p.resolver.Resolve(ctx, logEntry.OrgID, ev.Hints)
			if err != nil {
				return p.failLog(ctx, logID, err)
			}
			canonical.UserID = userID
		}

		inserted, err := p.events.Insert(ctx, &canonical)
		if err != nil {
			return p.failLog(ctx, logID, err)
		}
		if !inserted {
			skipped++
			p.logger.Debug("replayed event skipped",
				"external_event_id", canonical.ExternalEventID,
				"source", canonical.Source,
			)
			continue
		}
		created++
		p.metrics.EventsNormalized.WithLabelValues(string(canonical.Source), string(canonical.EventType)).Inc()

		outcome, err := p.reducer.Apply(ctx, canonical)
		if err != nil {
			return p.failLog(ctx, logID, err)
		}

		issues := p.checker.CheckForIssues(ctx, logEntry.OrgID, canonical.UserID, canonical)
		p.logger.Info("event processed",
			"log_id", logID,
			"event_type", canonical.EventType,
			"external_event_id", canonical.ExternalEventID,
			"reduce_outcome", outcome,
			"issues_opened", issues,
		)
	}

	if err := p.logs.MarkSucceeded(ctx, logID, created, skipped); err != nil {
		return err
	}
	return nil
}

// connectionCredentials decrypts the stored blob when it carries the enc:
// prefix; plaintext rows predate encryption-at-rest and pass through.
// Fields the row leaves empty take the process-wide provider fallback.
func (p *Pipeline) connectionCredentials(conn *models.BillingConnection) (normalizer.Credentials, error) {
	raw := conn.Credentials
	if crypto.IsEncrypted(raw) {
		plain, err := p.crypto.DecryptString(raw)
		if err != nil {
			return normalizer.Credentials{}, apperr.Wrap(apperr.KindInternal, "decrypt connection credentials", err)
		}
		raw = plain
	}
	creds, err := normalizer.ParseCredentials(raw)
	if err != nil {
		return normalizer.Credentials{}, apperr.Wrap(apperr.KindInternal, "parse connection credentials", err)
	}
	if fb, ok := p.fallbacks[conn.Source]; ok {
		if creds.WebhookSecret == "" {
			creds.WebhookSecret = fb.WebhookSecret
		}
		if creds.RootCAPEM == "" {
			creds.RootCAPEM = fb.RootCAPEM
		}
		if creds.PushToken == "" {
			creds.PushToken = fb.PushToken
		}
	}
	return creds, nil
}

func (p *Pipeline) failLog(ctx context.Context, logID string, cause error) error {
	if err := p.logs.MarkFailed(ctx, logID, cause.Error()); err != nil {
		p.logger.Error("mark webhook log failed errored", "log_id", logID, "error", err)
	}
	return cause
}

func filterHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(signatureHeaders))
	for _, name := range signatureHeaders {
		if v := headers.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
