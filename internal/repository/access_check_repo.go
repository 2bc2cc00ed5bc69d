package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresAccessCheckRepository implements AccessCheckRepository.
type PostgresAccessCheckRepository struct {
	db *sql.DB
}

// NewPostgresAccessCheckRepository creates a new access check repository.
func NewPostgresAccessCheckRepository(db *sql.DB) *PostgresAccessCheckRepository {
	return &PostgresAccessCheckRepository{db: db}
}

func (r *PostgresAccessCheckRepository) Insert(ctx context.Context, check *models.AccessCheck) error {
	if check.ID == "" {
		check.ID = ulid.Make().String()
	}
	if check.ReportedAt.IsZero() {
		check.ReportedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_checks (id, org_id, user_id, product_id, external_user_id, has_access, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, check.ID, check.OrgID, check.UserID, check.ProductID,
		check.ExternalUserID, check.HasAccess, check.ReportedAt)
	return err
}

func (r *PostgresAccessCheckRepository) HasAny(ctx context.Context, orgID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM access_checks WHERE org_id = $1)
	`, orgID).Scan(&exists)
	return exists, err
}

func (r *PostgresAccessCheckRepository) LatestPerUserProduct(ctx context.Context, orgID string, limit int) ([]*models.AccessCheck, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (user_id, product_id)
			id, org_id, user_id, product_id, external_user_id, has_access, reported_at
		FROM access_checks
		WHERE org_id = $1
		ORDER BY user_id, product_id, reported_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var checks []*models.AccessCheck
	for rows.Next() {
		var check models.AccessCheck
		if err := rows.Scan(&check.ID, &check.OrgID, &check.UserID, &check.ProductID,
			&check.ExternalUserID, &check.HasAccess, &check.ReportedAt); err != nil {
			return nil, err
		}
		checks = append(checks, &check)
	}
	return checks, rows.Err()
}
