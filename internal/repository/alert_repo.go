package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresAlertConfigRepository implements AlertConfigRepository.
type PostgresAlertConfigRepository struct {
	db *sql.DB
}

// NewPostgresAlertConfigRepository creates a new alert config repository.
func NewPostgresAlertConfigRepository(db *sql.DB) *PostgresAlertConfigRepository {
	return &PostgresAlertConfigRepository{db: db}
}

func (r *PostgresAlertConfigRepository) Create(ctx context.Context, cfg *models.AlertConfig) error {
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = models.SeverityInfo
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_configs (id, org_id, channel, destination, secret, min_severity, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cfg.ID, cfg.OrgID, cfg.Channel, cfg.Destination, cfg.Secret,
		cfg.MinSeverity, cfg.IsActive, cfg.CreatedAt)
	return err
}

func (r *PostgresAlertConfigRepository) GetByID(ctx context.Context, id string) (*models.AlertConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, channel, destination, secret, min_severity, is_active, created_at
		FROM alert_configs
		WHERE id = $1
	`, id)

	var cfg models.AlertConfig
	err := row.Scan(&cfg.ID, &cfg.OrgID, &cfg.Channel, &cfg.Destination,
		&cfg.Secret, &cfg.MinSeverity, &cfg.IsActive, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *PostgresAlertConfigRepository) ListActiveByOrg(ctx context.Context, orgID string) ([]*models.AlertConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, channel, destination, secret, min_severity, is_active, created_at
		FROM alert_configs
		WHERE org_id = $1 AND is_active = TRUE
		ORDER BY created_at ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	return r.scanConfigs(rows)
}

func (r *PostgresAlertConfigRepository) List(ctx context.Context) ([]*models.AlertConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, channel, destination, secret, min_severity, is_active, created_at
		FROM alert_configs
		ORDER BY org_id ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return r.scanConfigs(rows)
}

func (r *PostgresAlertConfigRepository) UpdateSecret(ctx context.Context, id, secret string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE alert_configs
		SET secret = $1
		WHERE id = $2
	`, secret, id)
	return err
}

func (r *PostgresAlertConfigRepository) scanConfigs(rows *sql.Rows) ([]*models.AlertConfig, error) {
	defer func() { _ = rows.Close() }()

	var configs []*models.AlertConfig
	for rows.Next() {
		var cfg models.AlertConfig
		if err := rows.Scan(&cfg.ID, &cfg.OrgID, &cfg.Channel, &cfg.Destination,
			&cfg.Secret, &cfg.MinSeverity, &cfg.IsActive, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// PostgresDeliveryLogRepository implements DeliveryLogRepository.
type PostgresDeliveryLogRepository struct {
	db *sql.DB
}

// NewPostgresDeliveryLogRepository creates a new alert delivery log repository.
func NewPostgresDeliveryLogRepository(db *sql.DB) *PostgresDeliveryLogRepository {
	return &PostgresDeliveryLogRepository{db: db}
}

func (r *PostgresDeliveryLogRepository) Insert(ctx context.Context, log *models.AlertDeliveryLog) error {
	if log.ID == "" {
		log.ID = ulid.Make().String()
	}
	if log.DeliveredAt.IsZero() {
		log.DeliveredAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_delivery_logs (id, org_id, alert_config_id, issue_id, event_type, attempt, outcome, status_code, error_message, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, log.ID, log.OrgID, log.AlertConfigID, log.IssueID, log.EventType,
		log.Attempt, log.Outcome, log.StatusCode, log.ErrorMessage, log.DeliveredAt)
	return err
}

func (r *PostgresDeliveryLogRepository) ListByIssue(ctx context.Context, issueID string) ([]*models.AlertDeliveryLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, alert_config_id, issue_id, event_type, attempt, outcome, status_code, error_message, delivered_at
		FROM alert_delivery_logs
		WHERE issue_id = $1
		ORDER BY delivered_at ASC
	`, issueID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*models.AlertDeliveryLog
	for rows.Next() {
		var log models.AlertDeliveryLog
		if err := rows.Scan(&log.ID, &log.OrgID, &log.AlertConfigID, &log.IssueID,
			&log.EventType, &log.Attempt, &log.Outcome, &log.StatusCode,
			&log.ErrorMessage, &log.DeliveredAt); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

func (r *PostgresDeliveryLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM alert_delivery_logs
		WHERE delivered_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
