package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/detector"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/repository"
	"github.com/revbackhq/revback/internal/version"
)

// probeTimeout bounds each dependency check inside readiness probes.
const probeTimeout = 2 * time.Second

// Pinger probes one dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain probe function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// QueueAdmin is the queue surface the operational API drives.
type QueueAdmin interface {
	EnqueuePriority(ctx context.Context, queue, jobType, jobID string, payload any) error
	Stats(ctx context.Context) ([]queue.Stats, error)
	RequeueDLQ(ctx context.Context, queue string) (int, error)
}

// IssueTransitioner applies lifecycle transitions to detected issues.
type IssueTransitioner interface {
	Resolve(ctx context.Context, orgID, issueID, note string) (*models.Issue, error)
	Dismiss(ctx context.Context, orgID, issueID, note string) (*models.Issue, error)
	Acknowledge(ctx context.Context, orgID, issueID, note string) (*models.Issue, error)
}

// Ops serves the operational API: probes, manual scan triggers, queue
// administration, and issue lifecycle transitions.
type Ops struct {
	db        Pinger
	redis     Pinger
	queues    QueueAdmin
	issues    IssueTransitioner
	orgs      repository.OrganizationRepository
	detectors *detector.Registry
	logger    *slog.Logger
}

// NewOps creates the operational API handler.
func NewOps(
	db Pinger,
	redis Pinger,
	queues QueueAdmin,
	issues IssueTransitioner,
	orgs repository.OrganizationRepository,
	detectors *detector.Registry,
	log *slog.Logger,
) *Ops {
	return &Ops{
		db:        db,
		redis:     redis,
		queues:    queues,
		issues:    issues,
		orgs:      orgs,
		detectors: detectors,
		logger:    log.With("component", "ops"),
	}
}

// RegisterProbes mounts the unauthenticated liveness, readiness, and version
// routes.
func (h *Ops) RegisterProbes(api huma.API) {
	huma.Get(api, "/healthz", Livez)
	huma.Get(api, "/readyz", h.Readyz)
	huma.Get(api, "/version", Version)
}

// RegisterOps mounts the guarded operational routes.
func (h *Ops) RegisterOps(api huma.API) {
	huma.Post(api, "/ops/scans/{detectorID}", h.TriggerScan)
	huma.Post(api, "/ops/orgs/{orgSlug}/scans", h.TriggerOrgScan)
	huma.Get(api, "/ops/queues", h.ListQueues)
	huma.Post(api, "/ops/queues/{queue}/dlq/requeue", h.RequeueDLQ)
	huma.Post(api, "/ops/issues/{issueID}/resolve", h.ResolveIssue)
	huma.Post(api, "/ops/issues/{issueID}/dismiss", h.DismissIssue)
	huma.Post(api, "/ops/issues/{issueID}/acknowledge", h.AcknowledgeIssue)
}

// ProbeOutput is the body of liveness and readiness responses.
type ProbeOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Livez reports process liveness.
func Livez(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	out := &ProbeOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// Readyz reports whether the instance can serve traffic. Each dependency
// check gets its own deadline so a hung dependency cannot stall the probe.
func (h *Ops) Readyz(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	if err := h.probe(ctx, h.db); err != nil {
		h.logger.Warn("readiness probe failed", "dependency", "database", "error", err)
		return nil, huma.Error503ServiceUnavailable("database unreachable")
	}
	if err := h.probe(ctx, h.redis); err != nil {
		h.logger.Warn("readiness probe failed", "dependency", "redis", "error", err)
		return nil, huma.Error503ServiceUnavailable("redis unreachable")
	}
	out := &ProbeOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (h *Ops) probe(ctx context.Context, p Pinger) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return p.Ping(ctx)
}

// VersionOutput carries build information.
type VersionOutput struct {
	Body version.Info
}

// Version reports the running build.
func Version(ctx context.Context, _ *struct{}) (*VersionOutput, error) {
	return &VersionOutput{Body: version.Get()}, nil
}

// TriggerScanInput names the detector to run across every active
// organization.
type TriggerScanInput struct {
	DetectorID string `path:"detectorID" doc:"Detector id, or 'all' for the full scheduled set"`
}

// TriggerScanOutput reports how many scan jobs were enqueued.
type TriggerScanOutput struct {
	Body struct {
		Enqueued int `json:"enqueued"`
	}
}

// TriggerScan enqueues a priority scan job per active organization.
func (h *Ops) TriggerScan(ctx context.Context, input *TriggerScanInput) (*TriggerScanOutput, error) {
	detectorID, err := h.scanDetectorID(input.DetectorID)
	if err != nil {
		return nil, err
	}

	orgs, err := h.orgs.ListActive(ctx)
	if err != nil {
		h.logger.Error("failed to list organizations for scan", "error", err)
		return nil, huma.Error500InternalServerError("failed to list organizations")
	}

	enqueued := 0
	for _, org := range orgs {
		if err := h.enqueueScan(ctx, org.ID, detectorID); err != nil {
			h.logger.Error("failed to enqueue scan", "org_id", org.ID, "error", err)
			continue
		}
		enqueued++
	}

	out := &TriggerScanOutput{}
	out.Body.Enqueued = enqueued
	return out, nil
}

// TriggerOrgScanInput scopes a manual scan to one organization.
type TriggerOrgScanInput struct {
	OrgSlug    string `path:"orgSlug"`
	DetectorID string `query:"detector" doc:"Detector id; empty or 'all' runs every scheduled detector"`
}

// TriggerOrgScanOutput reports the enqueued job.
type TriggerOrgScanOutput struct {
	Body struct {
		Enqueued int    `json:"enqueued"`
		JobID    string `json:"job_id"`
	}
}

// TriggerOrgScan enqueues one priority scan job for the named organization.
func (h *Ops) TriggerOrgScan(ctx context.Context, input *TriggerOrgScanInput) (*TriggerOrgScanOutput, error) {
	detectorID, err := h.scanDetectorID(input.DetectorID)
	if err != nil {
		return nil, err
	}

	org, err := h.orgs.GetBySlug(ctx, input.OrgSlug)
	if err != nil {
		h.logger.Error("failed to load organization for scan", "org_slug", input.OrgSlug, "error", err)
		return nil, huma.Error500InternalServerError("failed to load organization")
	}
	if org == nil || !org.IsActive {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown organization %q", input.OrgSlug))
	}

	jobID := scanJobID()
	if err := h.queues.EnqueuePriority(ctx, queue.ScheduledScans, queue.JobTypeRunScan, jobID, queue.ScanPayload{
		DetectorID: detectorID,
		OrgID:      org.ID,
	}); err != nil {
		h.logger.Error("failed to enqueue scan", "org_id", org.ID, "error", err)
		return nil, huma.Error500InternalServerError("failed to enqueue scan")
	}

	out := &TriggerOrgScanOutput{}
	out.Body.Enqueued = 1
	out.Body.JobID = jobID
	return out, nil
}

// scanDetectorID validates a detector selector. Empty and "all" both mean
// the full scheduled set, which the scan job encodes as an empty id.
func (h *Ops) scanDetectorID(raw string) (string, error) {
	if raw == "" || raw == "all" {
		return "", nil
	}
	d, err := h.detectors.Get(raw)
	if err != nil {
		return "", huma.Error404NotFound(fmt.Sprintf("unknown detector %q", raw))
	}
	if d.ScheduledScan == nil {
		return "", huma.Error400BadRequest(fmt.Sprintf("detector %q only runs on events", raw))
	}
	return raw, nil
}

func (h *Ops) enqueueScan(ctx context.Context, orgID, detectorID string) error {
	return h.queues.EnqueuePriority(ctx, queue.ScheduledScans, queue.JobTypeRunScan, scanJobID(), queue.ScanPayload{
		DetectorID: detectorID,
		OrgID:      orgID,
	})
}

// scanJobID mints a fresh id so manual triggers never dedup against cron
// jobs or each other.
func scanJobID() string {
	return fmt.Sprintf("scan-manual-%s", ulid.Make().String())
}

// ListQueuesOutput carries per-queue depths.
type ListQueuesOutput struct {
	Body struct {
		Queues []queue.Stats `json:"queues"`
	}
}

// ListQueues reports depths for every configured queue.
func (h *Ops) ListQueues(ctx context.Context, _ *struct{}) (*ListQueuesOutput, error) {
	stats, err := h.queues.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to read queue depths", "error", err)
		return nil, huma.Error500InternalServerError("failed to read queue depths")
	}
	out := &ListQueuesOutput{}
	out.Body.Queues = stats
	return out, nil
}

// RequeueDLQInput names the queue whose dead letters should be retried.
type RequeueDLQInput struct {
	Queue string `path:"queue"`
}

// RequeueDLQOutput reports how many jobs moved back to pending.
type RequeueDLQOutput struct {
	Body struct {
		Requeued int `json:"requeued"`
	}
}

// RequeueDLQ moves every dead-lettered job of one queue back to pending
// with a fresh attempt budget.
func (h *Ops) RequeueDLQ(ctx context.Context, input *RequeueDLQInput) (*RequeueDLQOutput, error) {
	if !knownQueues[input.Queue] {
		return nil, huma.Error404NotFound(fmt.Sprintf("unknown queue %q", input.Queue))
	}
	n, err := h.queues.RequeueDLQ(ctx, input.Queue)
	if err != nil {
		h.logger.Error("dlq requeue failed", "queue", input.Queue, "error", err)
		return nil, huma.Error500InternalServerError("dlq requeue failed")
	}
	h.logger.Info("dlq requeued", "queue", input.Queue, "requeued", n)
	out := &RequeueDLQOutput{}
	out.Body.Requeued = n
	return out, nil
}

var knownQueues = map[string]bool{
	queue.WebhookProcessing: true,
	queue.ScheduledScans:    true,
	queue.WebhookDelivery:   true,
	queue.AIInvestigation:   true,
	queue.DataRetention:     true,
}

// IssueTransitionInput identifies the issue and carries the operator note.
type IssueTransitionInput struct {
	IssueID string `path:"issueID"`
	Body    struct {
		OrgID string `json:"org_id" doc:"Organization the issue belongs to"`
		Note  string `json:"note,omitempty" doc:"Operator note recorded as the resolution"`
	}
}

// IssueTransitionOutput returns the updated issue.
type IssueTransitionOutput struct {
	Body models.Issue
}

// ResolveIssue marks an issue resolved.
func (h *Ops) ResolveIssue(ctx context.Context, input *IssueTransitionInput) (*IssueTransitionOutput, error) {
	return h.transitionIssue(ctx, input, h.issues.Resolve)
}

// DismissIssue marks an issue dismissed.
func (h *Ops) DismissIssue(ctx context.Context, input *IssueTransitionInput) (*IssueTransitionOutput, error) {
	return h.transitionIssue(ctx, input, h.issues.Dismiss)
}

// AcknowledgeIssue marks an issue acknowledged without closing it.
func (h *Ops) AcknowledgeIssue(ctx context.Context, input *IssueTransitionInput) (*IssueTransitionOutput, error) {
	return h.transitionIssue(ctx, input, h.issues.Acknowledge)
}

func (h *Ops) transitionIssue(
	ctx context.Context,
	input *IssueTransitionInput,
	fn func(ctx context.Context, orgID, issueID, note string) (*models.Issue, error),
) (*IssueTransitionOutput, error) {
	issue, err := fn(ctx, input.Body.OrgID, input.IssueID, input.Body.Note)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, huma.Error404NotFound(fmt.Sprintf("unknown issue %q", input.IssueID))
		}
		h.logger.Error("issue transition failed", "issue_id", input.IssueID, "error", err)
		return nil, huma.Error500InternalServerError("issue transition failed")
	}
	return &IssueTransitionOutput{Body: *issue}, nil
}
