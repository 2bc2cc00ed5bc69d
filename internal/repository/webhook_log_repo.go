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

// PostgresWebhookLogRepository implements WebhookLogRepository.
type PostgresWebhookLogRepository struct {
	db *sql.DB
}

// NewPostgresWebhookLogRepository creates a new raw webhook log repository.
func NewPostgresWebhookLogRepository(db *sql.DB) *PostgresWebhookLogRepository {
	return &PostgresWebhookLogRepository{db: db}
}

func (r *PostgresWebhookLogRepository) Create(ctx context.Context, log *models.RawWebhookLog) error {
	if log.ID == "" {
		log.ID = ulid.Make().String()
	}
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = time.Now().UTC()
	}
	if log.ProcessingStatus == "" {
		log.ProcessingStatus = models.ProcessingStatusReceived
	}

	headers, err := json.Marshal(log.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO raw_webhook_logs (id, org_id, source, headers, body, received_at, processing_status, error_message, events_created, events_skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, log.ID, log.OrgID, log.Source, headers, log.Body, log.ReceivedAt,
		log.ProcessingStatus, log.ErrorMessage, log.EventsCreated, log.EventsSkipped)
	return err
}

func (r *PostgresWebhookLogRepository) GetByID(ctx context.Context, id string) (*models.RawWebhookLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, headers, body, received_at, processing_status, error_message, events_created, events_skipped
		FROM raw_webhook_logs
		WHERE id = $1
	`, id)

	var log models.RawWebhookLog
	var headers []byte
	err := row.Scan(&log.ID, &log.OrgID, &log.Source, &headers, &log.Body,
		&log.ReceivedAt, &log.ProcessingStatus, &log.ErrorMessage,
		&log.EventsCreated, &log.EventsSkipped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &log.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &log, nil
}

func (r *PostgresWebhookLogRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, models.ProcessingStatusProcessing, "")
}

func (r *PostgresWebhookLogRepository) MarkSucceeded(ctx context.Context, id string, eventsCreated, eventsSkipped int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE raw_webhook_logs
		SET processing_status = $1, error_message = '', events_created = $2, events_skipped = $3
		WHERE id = $4
	`, models.ProcessingStatusSucceeded, eventsCreated, eventsSkipped, id)
	return err
}

func (r *PostgresWebhookLogRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return r.setStatus(ctx, id, models.ProcessingStatusFailed, errorMessage)
}

func (r *PostgresWebhookLogRepository) MarkDLQ(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE raw_webhook_logs
		SET processing_status = $1
		WHERE id = $2
	`, models.ProcessingStatusDLQ, id)
	return err
}

func (r *PostgresWebhookLogRepository) DeleteTerminalOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM raw_webhook_logs
		WHERE received_at < $1
		  AND processing_status IN ($2, $3, $4)
	`, before, models.ProcessingStatusSucceeded, models.ProcessingStatusFailed, models.ProcessingStatusDLQ)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresWebhookLogRepository) setStatus(ctx context.Context, id string, status models.ProcessingStatus, errorMessage string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE raw_webhook_logs
		SET processing_status = $1, error_message = $2
		WHERE id = $3
	`, status, errorMessage, id)
	return err
}
