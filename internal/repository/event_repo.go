package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresEventRepository implements EventRepository.
type PostgresEventRepository struct {
	db *sql.DB
}

// NewPostgresEventRepository creates a new canonical event repository.
func NewPostgresEventRepository(db *sql.DB) *PostgresEventRepository {
	return &PostgresEventRepository{db: db}
}

// Insert writes the event. Replays of (org, source, external_event_id) are
// absorbed by ON CONFLICT DO NOTHING; the bool reports whether this call
// actually created the row.
func (r *PostgresEventRepository) Insert(ctx context.Context, ev *models.CanonicalEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO canonical_events (id, org_id, source, external_event_id, event_type, status,
			user_id, product_id, amount_cents, currency, event_time, external_subscription_id,
			period_start, period_end, trial_end, grace_period, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (org_id, source, external_event_id) DO NOTHING
	`, ev.ID, ev.OrgID, ev.Source, ev.ExternalEventID, ev.EventType, ev.Status,
		ev.UserID, ev.ProductID, ev.AmountCents, ev.Currency, ev.EventTime, ev.ExternalSubscriptionID,
		ev.PeriodStart, ev.PeriodEnd, ev.TrialEnd, ev.GracePeriod, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresEventRepository) GetByExternalID(ctx context.Context, orgID string, source models.Source, externalEventID string) (*models.CanonicalEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, external_event_id, event_type, status,
			user_id, product_id, amount_cents, currency, event_time, external_subscription_id,
			period_start, period_end, trial_end, grace_period, created_at
		FROM canonical_events
		WHERE org_id = $1 AND source = $2 AND external_event_id = $3
	`, orgID, source, externalEventID)
	return r.scanEvent(row)
}

func (r *PostgresEventRepository) HasEventOfTypesAfter(ctx context.Context, orgID, userID, productID string, types []models.EventType, after time.Time) (bool, error) {
	if len(types) == 0 {
		return false, nil
	}

	placeholders := make([]string, len(types))
	args := []any{orgID, userID, productID, after}
	for i, t := range types {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, t)
	}

	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM canonical_events
			WHERE org_id = $1 AND user_id = $2 AND product_id = $3
			  AND event_time > $4
			  AND event_type IN (%s)
		)
	`, strings.Join(placeholders, ", "))

	var exists bool
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists)
	return exists, err
}

func (r *PostgresEventRepository) HasSuccessPaymentSince(ctx context.Context, orgID, userID, productID string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM canonical_events
			WHERE org_id = $1 AND user_id = $2 AND product_id = $3
			  AND event_time >= $4
			  AND status = $5
			  AND event_type IN ($6, $7, $8)
		)
	`, orgID, userID, productID, since, models.EventStatusSuccess,
		models.EventTypePurchase, models.EventTypeRenewal, models.EventTypeTrialConversion).Scan(&exists)
	return exists, err
}

func (r *PostgresEventRepository) ListRefundEventsBetween(ctx context.Context, orgID string, from, to time.Time) ([]*models.CanonicalEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, source, external_event_id, event_type, status,
			user_id, product_id, amount_cents, currency, event_time, external_subscription_id,
			period_start, period_end, trial_end, grace_period, created_at
		FROM canonical_events
		WHERE org_id = $1
		  AND event_type IN ($2, $3)
		  AND event_time >= $4 AND event_time < $5
		ORDER BY event_time ASC
	`, orgID, models.EventTypeRefund, models.EventTypeChargeback, from, to)
	if err != nil {
		return nil, err
	}
	return r.scanEvents(rows)
}

func (r *PostgresEventRepository) scanEvent(row *sql.Row) (*models.CanonicalEvent, error) {
	var ev models.CanonicalEvent
	err := row.Scan(&ev.ID, &ev.OrgID, &ev.Source, &ev.ExternalEventID, &ev.EventType, &ev.Status,
		&ev.UserID, &ev.ProductID, &ev.AmountCents, &ev.Currency, &ev.EventTime, &ev.ExternalSubscriptionID,
		&ev.PeriodStart, &ev.PeriodEnd, &ev.TrialEnd, &ev.GracePeriod, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *PostgresEventRepository) scanEvents(rows *sql.Rows) ([]*models.CanonicalEvent, error) {
	defer func() { _ = rows.Close() }()

	var events []*models.CanonicalEvent
	for rows.Next() {
		var ev models.CanonicalEvent
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.Source, &ev.ExternalEventID, &ev.EventType, &ev.Status,
			&ev.UserID, &ev.ProductID, &ev.AmountCents, &ev.Currency, &ev.EventTime, &ev.ExternalSubscriptionID,
			&ev.PeriodStart, &ev.PeriodEnd, &ev.TrialEnd, &ev.GracePeriod, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
