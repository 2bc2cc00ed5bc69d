// Package engine runs detectors and owns the issue lifecycle. Detectors
// report findings; the engine deduplicates them against open issues, writes
// the rows, and fans out alerts without ever letting a detector failure
// stop the others.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/revbackhq/revback/internal/alert"
	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/detector"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/shutdown"
)

// Alerter dispatches an issue lifecycle event to the org's alert channels.
type Alerter interface {
	Dispatch(ctx context.Context, orgID string, issue *models.Issue, eventType string) error
}

// Enqueuer is the slice of the queue the engine needs for investigations.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobType, jobID string, payload any) error
}

// ScanResult reports one detector's scheduled scan.
type ScanResult struct {
	DetectorID string `json:"detector_id"`
	Total      int    `json:"total"`
	New        int    `json:"new"`
}

// Engine wires the detector registry to issue storage and alerting.
type Engine struct {
	registry       *detector.Registry
	deps           detector.Deps
	alerter        Alerter
	investigations Enqueuer
	runner         *shutdown.Runner
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// New creates a detection engine. alerter and investigations may be nil
// when alerting or AI investigation is disabled.
func New(registry *detector.Registry, deps detector.Deps, alerter Alerter, investigations Enqueuer, runner *shutdown.Runner, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		registry:       registry,
		deps:           deps,
		alerter:        alerter,
		investigations: investigations,
		runner:         runner,
		metrics:        m,
		logger:         logger.With("component", "engine"),
	}
}

// CheckForIssues runs every event detector against one ingested event and
// returns how many new issues it opened. Detector errors and panics are
// logged and skipped so one broken detector cannot mute the rest.
func (e *Engine) CheckForIssues(ctx context.Context, orgID, userID string, event models.CanonicalEvent) int {
	created := 0
	for _, d := range e.registry.All() {
		if d.CheckEvent == nil {
			continue
		}
		detections, err := safeCheckEvent(ctx, d, e.deps, orgID, userID, event)
		if err != nil {
			e.logger.Error("event detector failed",
				"detector", d.ID,
				"external_event_id", event.ExternalEventID,
				"error", err,
			)
			continue
		}
		for _, det := range detections {
			if e.record(ctx, orgID, d.ID, det) {
				created++
			}
		}
	}
	return created
}

// RunScheduledScans runs every scheduled detector for one org. A failing
// detector contributes a zeroed result; the others still run.
func (e *Engine) RunScheduledScans(ctx context.Context, orgID string) []ScanResult {
	results := make([]ScanResult, 0, len(e.registry.Scheduled()))
	for _, d := range e.registry.Scheduled() {
		result, err := e.runScan(ctx, d, orgID)
		if err != nil {
			e.logger.Error("scheduled scan failed", "detector", d.ID, "org_id", orgID, "error", err)
		}
		results = append(results, result)
	}
	return results
}

// HandleScanJob is the scheduled-scans queue handler. An empty detector id
// runs every scheduled detector for the payload's org.
func (e *Engine) HandleScanJob(ctx context.Context, job queue.Job) error {
	var payload queue.ScanPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return apperr.Wrap(apperr.KindValidation, "decode scan job payload", err)
		}
	}
	if payload.OrgID == "" {
		return apperr.E(apperr.KindValidation, "scan job carries no org id")
	}

	if payload.DetectorID == "" {
		total, created := 0, 0
		for _, result := range e.RunScheduledScans(ctx, payload.OrgID) {
			total += result.Total
			created += result.New
		}
		e.logger.Info("scheduled scans finished",
			"org_id", payload.OrgID,
			"detections", total,
			"new_issues", created,
		)
		return nil
	}

	result, err := e.RunSingleDetectorScan(ctx, payload.OrgID, payload.DetectorID)
	if err != nil {
		return err
	}
	e.logger.Info("scheduled scan finished",
		"org_id", payload.OrgID,
		"detector", result.DetectorID,
		"detections", result.Total,
		"new_issues", result.New,
	)
	return nil
}

// RunSingleDetectorScan runs one detector's scheduled scan by id.
func (e *Engine) RunSingleDetectorScan(ctx context.Context, orgID, detectorID string) (ScanResult, error) {
	d, err := e.registry.Get(detectorID)
	if err != nil {
		return ScanResult{}, err
	}
	if d.ScheduledScan == nil {
		return ScanResult{}, apperr.Ef(apperr.KindValidation, "detector %q has no scheduled scan", detectorID)
	}
	return e.runScan(ctx, d, orgID)
}

func (e *Engine) runScan(ctx context.Context, d detector.Detector, orgID string) (ScanResult, error) {
	result := ScanResult{DetectorID: d.ID}
	detections, err := safeScan(ctx, d, e.deps, orgID)
	if err != nil {
		return result, err
	}
	for _, det := range detections {
		result.Total++
		if e.record(ctx, orgID, d.ID, det) {
			result.New++
		}
	}
	return result, nil
}

// Resolve marks an issue resolved and dispatches issue.resolved.
func (e *Engine) Resolve(ctx context.Context, orgID, issueID, note string) (*models.Issue, error) {
	return e.transition(ctx, orgID, issueID, models.IssueStatusResolved, note, alert.EventIssueResolved)
}

// Dismiss marks an issue dismissed and dispatches issue.dismissed.
func (e *Engine) Dismiss(ctx context.Context, orgID, issueID, note string) (*models.Issue, error) {
	return e.transition(ctx, orgID, issueID, models.IssueStatusDismissed, note, alert.EventIssueDismissed)
}

// Acknowledge marks an issue acknowledged and dispatches issue.acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, orgID, issueID, note string) (*models.Issue, error) {
	return e.transition(ctx, orgID, issueID, models.IssueStatusAcknowledged, note, alert.EventIssueAcknowledged)
}

func (e *Engine) transition(ctx context.Context, orgID, issueID string, status models.IssueStatus, note, eventType string) (*models.Issue, error) {
	var resolvedAt *time.Time
	if status == models.IssueStatusResolved || status == models.IssueStatusDismissed {
		now := time.Now()
		resolvedAt = &now
	}
	issue, err := e.deps.Issues.UpdateStatus(ctx, orgID, issueID, status, note, resolvedAt)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, apperr.Ef(apperr.KindNotFound, "issue %s not found", issueID)
	}
	e.dispatchAsync(issue, eventType)
	return issue, nil
}

// record persists one detection. Per-user detections dedup against the open
// issue for the same (org, user, type); the partial unique index backstops
// the read-then-insert race, so a violation is a concurrent duplicate and
// not an error. Reports whether a new issue was opened.
func (e *Engine) record(ctx context.Context, orgID, detectorID string, det detector.Detected) bool {
	if det.UserID != "" {
		existing, err := e.deps.Issues.FindOpen(ctx, orgID, det.UserID, det.IssueType)
		if err != nil {
			e.logger.Error("issue dedup lookup failed", "issue_type", det.IssueType, "error", err)
			return false
		}
		if existing != nil {
			return false
		}
	}

	issue := &models.Issue{
		OrgID:                 orgID,
		IssueType:             det.IssueType,
		Severity:              det.Severity,
		Status:                models.IssueStatusOpen,
		Title:                 det.Title,
		Description:           det.Description,
		EstimatedRevenueCents: det.EstimatedRevenueCents,
		Confidence:            det.Confidence,
		DetectorID:            detectorID,
		DetectionTier:         det.DetectionTier,
		Evidence:              det.Evidence,
	}
	if det.UserID != "" {
		issue.UserID = &det.UserID
	}
	if issue.DetectionTier == "" {
		issue.DetectionTier = models.DetectionTierBillingOnly
	}

	if err := e.deps.Issues.Insert(ctx, issue); err != nil {
		if apperr.IsUniqueViolation(err) {
			e.logger.Debug("issue already open, concurrent detection",
				"issue_type", det.IssueType, "user_id", det.UserID)
			return false
		}
		e.logger.Error("issue insert failed", "issue_type", det.IssueType, "error", err)
		return false
	}

	e.metrics.IssuesOpened.WithLabelValues(detectorID, string(issue.Severity)).Inc()
	e.enqueueInvestigation(ctx, issue)
	e.dispatchAsync(issue, alert.EventIssueCreated)
	return true
}

// enqueueInvestigation queues an AI investigation when a critical issue
// opens. Enqueue failures are logged and dropped.
func (e *Engine) enqueueInvestigation(ctx context.Context, issue *models.Issue) {
	if e.investigations == nil || issue.Severity != models.SeverityCritical {
		return
	}
	payload := queue.InvestigationPayload{IssueID: issue.ID, OrgID: issue.OrgID}
	jobID := "investigate-" + issue.ID
	if err := e.investigations.Enqueue(ctx, queue.AIInvestigation, queue.JobTypeInvestigate, jobID, payload); err != nil {
		e.logger.Warn("investigation enqueue failed", "issue_id", issue.ID, "error", err)
	}
}

// dispatchAsync hands the alert to the tracked runner. Alerting is always
// best-effort: a full pool or a failing channel never blocks detection.
func (e *Engine) dispatchAsync(issue *models.Issue, eventType string) {
	if e.alerter == nil {
		return
	}
	e.runner.Go("alert-dispatch", func(ctx context.Context) {
		if err := e.alerter.Dispatch(ctx, issue.OrgID, issue, eventType); err != nil {
			e.logger.Warn("alert dispatch failed",
				"issue_id", issue.ID,
				"event_type", eventType,
				"error", err,
			)
		}
	})
}

func safeCheckEvent(ctx context.Context, d detector.Detector, deps detector.Deps, orgID, userID string, event models.CanonicalEvent) (out []detector.Detected, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Ef(apperr.KindInternal, "detector %s panicked: %v", d.ID, rec)
		}
	}()
	return d.CheckEvent(ctx, deps, orgID, userID, event)
}

func safeScan(ctx context.Context, d detector.Detector, deps detector.Deps, orgID string) (out []detector.Detected, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Ef(apperr.KindInternal, "detector %s panicked: %v", d.ID, rec)
		}
	}()
	return d.ScheduledScan(ctx, deps, orgID)
}
