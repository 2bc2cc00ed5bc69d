// Package investigate consumes ai-investigation jobs queued for newly
// opened critical issues. The analysis itself lives behind the Investigator
// interface; this package loads the issue and hands it over.
package investigate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/queue"
	"github.com/revbackhq/revback/internal/repository"
)

// Investigator analyzes one issue. Implementations may call external
// services; errors are retried per the queue's attempt budget.
type Investigator interface {
	Investigate(ctx context.Context, issue *models.Issue) error
}

// Noop records that an investigation was requested and does nothing else.
// It stands in until an external investigator is configured.
type Noop struct {
	logger *slog.Logger
}

// NewNoop returns an investigator that only logs.
func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logger.With("component", "investigate")}
}

func (n *Noop) Investigate(ctx context.Context, issue *models.Issue) error {
	n.logger.Info("no investigator configured, skipping analysis",
		"issue_id", issue.ID,
		"issue_type", issue.IssueType,
		"severity", issue.Severity,
	)
	return nil
}

// Worker drains the ai-investigation queue.
type Worker struct {
	issues       repository.IssueRepository
	investigator Investigator
	logger       *slog.Logger
}

// NewWorker wires the worker to issue storage and an investigator.
func NewWorker(issues repository.IssueRepository, investigator Investigator, logger *slog.Logger) *Worker {
	return &Worker{
		issues:       issues,
		investigator: investigator,
		logger:       logger.With("component", "investigate"),
	}
}

// HandleJob loads the issue named by the job and runs the investigator on
// it. A missing issue completes the job; the issue was resolved or purged
// while the job waited.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) error {
	var payload queue.InvestigationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode investigation payload", err)
	}
	if payload.OrgID == "" || payload.IssueID == "" {
		return apperr.E(apperr.KindValidation, "investigation job missing org or issue id")
	}

	issue, err := w.issues.GetByID(ctx, payload.OrgID, payload.IssueID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "load issue for investigation", err)
	}
	if issue == nil {
		w.logger.Debug("investigation target gone", "issue_id", payload.IssueID)
		return nil
	}
	return w.investigator.Investigate(ctx, issue)
}
