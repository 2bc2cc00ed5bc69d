package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresOrganizationRepository implements OrganizationRepository.
type PostgresOrganizationRepository struct {
	db *sql.DB
}

// NewPostgresOrganizationRepository creates a new organization repository.
func NewPostgresOrganizationRepository(db *sql.DB) *PostgresOrganizationRepository {
	return &PostgresOrganizationRepository{db: db}
}

func (r *PostgresOrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = ulid.Make().String()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, name, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, org.ID, org.Slug, org.Name, org.IsActive, org.CreatedAt)
	return err
}

func (r *PostgresOrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slug, name, is_active, created_at
		FROM organizations
		WHERE id = $1
	`, id)
	return r.scanOrganization(row)
}

func (r *PostgresOrganizationRepository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slug, name, is_active, created_at
		FROM organizations
		WHERE slug = $1
	`, slug)
	return r.scanOrganization(row)
}

func (r *PostgresOrganizationRepository) ListActive(ctx context.Context) ([]*models.Organization, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, slug, name, is_active, created_at
		FROM organizations
		WHERE is_active = TRUE
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orgs []*models.Organization
	for rows.Next() {
		var org models.Organization
		if err := rows.Scan(&org.ID, &org.Slug, &org.Name, &org.IsActive, &org.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, &org)
	}
	return orgs, rows.Err()
}

func (r *PostgresOrganizationRepository) scanOrganization(row *sql.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.IsActive, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// PostgresConnectionRepository implements ConnectionRepository.
type PostgresConnectionRepository struct {
	db *sql.DB
}

// NewPostgresConnectionRepository creates a new billing connection repository.
func NewPostgresConnectionRepository(db *sql.DB) *PostgresConnectionRepository {
	return &PostgresConnectionRepository{db: db}
}

func (r *PostgresConnectionRepository) Create(ctx context.Context, conn *models.BillingConnection) error {
	if conn.ID == "" {
		conn.ID = ulid.Make().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_connections (id, org_id, source, credentials, is_active, last_webhook_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conn.ID, conn.OrgID, conn.Source, conn.Credentials, conn.IsActive, conn.LastWebhookAt, conn.CreatedAt)
	return err
}

func (r *PostgresConnectionRepository) GetByOrgSource(ctx context.Context, orgID string, source models.Source) (*models.BillingConnection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, credentials, is_active, last_webhook_at, created_at
		FROM billing_connections
		WHERE org_id = $1 AND source = $2
	`, orgID, source)

	var conn models.BillingConnection
	err := row.Scan(&conn.ID, &conn.OrgID, &conn.Source, &conn.Credentials,
		&conn.IsActive, &conn.LastWebhookAt, &conn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *PostgresConnectionRepository) ListActiveByOrg(ctx context.Context, orgID string) ([]*models.BillingConnection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, source, credentials, is_active, last_webhook_at, created_at
		FROM billing_connections
		WHERE org_id = $1 AND is_active = TRUE
		ORDER BY source ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	return r.scanConnections(rows)
}

func (r *PostgresConnectionRepository) List(ctx context.Context) ([]*models.BillingConnection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, source, credentials, is_active, last_webhook_at, created_at
		FROM billing_connections
		ORDER BY org_id ASC, source ASC
	`)
	if err != nil {
		return nil, err
	}
	return r.scanConnections(rows)
}

// TouchLastWebhook advances last_webhook_at; it never moves it backwards,
// so concurrent deliveries can race freely.
func (r *PostgresConnectionRepository) TouchLastWebhook(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE billing_connections
		SET last_webhook_at = $1
		WHERE id = $2 AND (last_webhook_at IS NULL OR last_webhook_at < $1)
	`, at, id)
	return err
}

func (r *PostgresConnectionRepository) UpdateCredentials(ctx context.Context, id, credentials string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE billing_connections
		SET credentials = $1
		WHERE id = $2
	`, credentials, id)
	return err
}

func (r *PostgresConnectionRepository) scanConnections(rows *sql.Rows) ([]*models.BillingConnection, error) {
	defer func() { _ = rows.Close() }()

	var conns []*models.BillingConnection
	for rows.Next() {
		var conn models.BillingConnection
		if err := rows.Scan(&conn.ID, &conn.OrgID, &conn.Source, &conn.Credentials,
			&conn.IsActive, &conn.LastWebhookAt, &conn.CreatedAt); err != nil {
			return nil, err
		}
		conns = append(conns, &conn)
	}
	return conns, rows.Err()
}
