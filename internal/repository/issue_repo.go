package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresIssueRepository implements IssueRepository.
type PostgresIssueRepository struct {
	db *sql.DB
}

// NewPostgresIssueRepository creates a new issue repository.
func NewPostgresIssueRepository(db *sql.DB) *PostgresIssueRepository {
	return &PostgresIssueRepository{db: db}
}

const issueColumns = `id, org_id, user_id, issue_type, severity, status, title, description,
	estimated_revenue_cents, confidence, detector_id, detection_tier, evidence,
	resolved_at, resolution, created_at, updated_at`

func (r *PostgresIssueRepository) FindOpen(ctx context.Context, orgID, userID, issueType string) (*models.Issue, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE org_id = $1 AND user_id = $2 AND issue_type = $3 AND status = $4
	`, orgID, userID, issueType, models.IssueStatusOpen)
	return r.scanIssue(row)
}

func (r *PostgresIssueRepository) ListOpenByType(ctx context.Context, orgID, issueType string) ([]*models.Issue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE org_id = $1 AND issue_type = $2 AND status = $3
		ORDER BY created_at DESC
	`, orgID, issueType, models.IssueStatusOpen)
	if err != nil {
		return nil, err
	}
	return r.scanIssues(rows)
}

// Insert deliberately omits ON CONFLICT: two scans racing to open the same
// issue must see the partial-index violation so the loser can back off.
func (r *PostgresIssueRepository) Insert(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = now
	}
	if issue.Status == "" {
		issue.Status = models.IssueStatusOpen
	}
	if issue.Evidence == nil {
		issue.Evidence = map[string]any{}
	}

	evidence, err := json.Marshal(issue.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO issues (id, org_id, user_id, issue_type, severity, status, title, description,
			estimated_revenue_cents, confidence, detector_id, detection_tier, evidence,
			resolved_at, resolution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, issue.ID, issue.OrgID, issue.UserID, issue.IssueType, issue.Severity, issue.Status,
		issue.Title, issue.Description, issue.EstimatedRevenueCents, issue.Confidence,
		issue.DetectorID, issue.DetectionTier, evidence, issue.ResolvedAt, issue.Resolution,
		issue.CreatedAt, issue.UpdatedAt)
	return err
}

func (r *PostgresIssueRepository) GetByID(ctx context.Context, orgID, id string) (*models.Issue, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	return r.scanIssue(row)
}

func (r *PostgresIssueRepository) UpdateStatus(ctx context.Context, orgID, id string, status models.IssueStatus, resolution string, resolvedAt *time.Time) (*models.Issue, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE issues
		SET status = $1, resolution = $2, resolved_at = $3, updated_at = $4
		WHERE org_id = $5 AND id = $6
		RETURNING `+issueColumns+`
	`, status, resolution, resolvedAt, time.Now().UTC(), orgID, id)
	return r.scanIssue(row)
}

func (r *PostgresIssueRepository) scanIssue(row *sql.Row) (*models.Issue, error) {
	var issue models.Issue
	var evidence []byte
	err := row.Scan(&issue.ID, &issue.OrgID, &issue.UserID, &issue.IssueType, &issue.Severity,
		&issue.Status, &issue.Title, &issue.Description, &issue.EstimatedRevenueCents,
		&issue.Confidence, &issue.DetectorID, &issue.DetectionTier, &evidence,
		&issue.ResolvedAt, &issue.Resolution, &issue.CreatedAt, &issue.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &issue.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &issue, nil
}

func (r *PostgresIssueRepository) scanIssues(rows *sql.Rows) ([]*models.Issue, error) {
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		var issue models.Issue
		var evidence []byte
		if err := rows.Scan(&issue.ID, &issue.OrgID, &issue.UserID, &issue.IssueType, &issue.Severity,
			&issue.Status, &issue.Title, &issue.Description, &issue.EstimatedRevenueCents,
			&issue.Confidence, &issue.DetectorID, &issue.DetectionTier, &evidence,
			&issue.ResolvedAt, &issue.Resolution, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &issue.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal evidence: %w", err)
			}
		}
		issues = append(issues, &issue)
	}
	return issues, rows.Err()
}
