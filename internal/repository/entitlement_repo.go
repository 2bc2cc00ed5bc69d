package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/revbackhq/revback/internal/models"
)

// PostgresEntitlementRepository implements EntitlementRepository.
type PostgresEntitlementRepository struct {
	db *sql.DB
}

// NewPostgresEntitlementRepository creates a new entitlement repository.
func NewPostgresEntitlementRepository(db *sql.DB) *PostgresEntitlementRepository {
	return &PostgresEntitlementRepository{db: db}
}

const entitlementColumns = `id, org_id, user_id, product_id, source, state,
	current_period_start, current_period_end, trial_end, cancel_at_period_end,
	external_subscription_id, last_event_time, created_at, updated_at`

// Upsert applies a reduced event in one statement so concurrent workers and
// out-of-order deliveries need no locking:
//   - the update arm only fires when the event is not older than the stored
//     last_event_time, which makes replays and stragglers no-ops;
//   - period fields the event did not carry keep their stored values.
//
// Reports whether a row was written; false means the event was stale.
func (r *PostgresEntitlementRepository) Upsert(ctx context.Context, ent *models.Entitlement) (bool, error) {
	if ent.ID == "" {
		ent.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = now
	}
	ent.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, org_id, user_id, product_id, source, state,
			current_period_start, current_period_end, trial_end, cancel_at_period_end,
			external_subscription_id, last_event_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (org_id, user_id, product_id, source) DO UPDATE SET
			state = EXCLUDED.state,
			current_period_start = COALESCE(EXCLUDED.current_period_start, entitlements.current_period_start),
			current_period_end = COALESCE(EXCLUDED.current_period_end, entitlements.current_period_end),
			trial_end = COALESCE(EXCLUDED.trial_end, entitlements.trial_end),
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			external_subscription_id = COALESCE(NULLIF(EXCLUDED.external_subscription_id, ''), entitlements.external_subscription_id),
			last_event_time = EXCLUDED.last_event_time,
			updated_at = EXCLUDED.updated_at
		WHERE entitlements.last_event_time IS NULL
		   OR EXCLUDED.last_event_time >= entitlements.last_event_time
	`, ent.ID, ent.OrgID, ent.UserID, ent.ProductID, ent.Source, ent.State,
		ent.CurrentPeriodStart, ent.CurrentPeriodEnd, ent.TrialEnd, ent.CancelAtPeriodEnd,
		ent.ExternalSubscriptionID, ent.LastEventTime, ent.CreatedAt, ent.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresEntitlementRepository) Get(ctx context.Context, orgID, userID, productID string, source models.Source) (*models.Entitlement, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	`, orgID, userID, productID, source)
	return r.scanEntitlement(row)
}

func (r *PostgresEntitlementRepository) ListByUserProduct(ctx context.Context, orgID, userID, productID string) ([]*models.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3
		ORDER BY source ASC
	`, orgID, userID, productID)
	if err != nil {
		return nil, err
	}
	return r.scanEntitlements(rows)
}

func (r *PostgresEntitlementRepository) ListByStatePeriodEndBetween(ctx context.Context, orgID string, state models.EntitlementState, from, to time.Time, limit int) ([]*models.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND state = $2
		  AND current_period_end >= $3 AND current_period_end < $4
		ORDER BY current_period_end ASC
		LIMIT $5
	`, orgID, state, from, to, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEntitlements(rows)
}

func (r *PostgresEntitlementRepository) ListInactiveFamily(ctx context.Context, orgID string, limit int) ([]*models.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND state IN ($2, $3, $4, $5)
		ORDER BY updated_at DESC
		LIMIT $6
	`, orgID, models.EntitlementStateInactive, models.EntitlementStateExpired,
		models.EntitlementStateRevoked, models.EntitlementStateRefunded, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEntitlements(rows)
}

func (r *PostgresEntitlementRepository) ListTrialsEndedBefore(ctx context.Context, orgID string, cutoff time.Time, limit int) ([]*models.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND state = $2
		  AND trial_end IS NOT NULL AND trial_end < $3
		ORDER BY trial_end ASC
		LIMIT $4
	`, orgID, models.EntitlementStateTrial, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEntitlements(rows)
}

func (r *PostgresEntitlementRepository) ListStale(ctx context.Context, orgID string, lastEventBefore, periodEndBefore time.Time, limit int) ([]*models.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE org_id = $1 AND state IN ($2, $3, $4, $5)
		  AND last_event_time IS NOT NULL AND last_event_time < $6
		  AND current_period_end IS NOT NULL AND current_period_end < $7
		ORDER BY last_event_time ASC
		LIMIT $8
	`, orgID, models.EntitlementStateActive, models.EntitlementStateTrial,
		models.EntitlementStateGracePeriod, models.EntitlementStateBillingRetry,
		lastEventBefore, periodEndBefore, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEntitlements(rows)
}

func (r *PostgresEntitlementRepository) FreshnessBySource(ctx context.Context, orgID string, staleBefore time.Time) ([]SourceFreshness, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source,
			COUNT(*) AS active,
			COUNT(*) FILTER (WHERE updated_at < $2) AS stale
		FROM entitlements
		WHERE org_id = $1 AND state IN ($3, $4, $5, $6)
		GROUP BY source
		ORDER BY source ASC
	`, orgID, staleBefore, models.EntitlementStateActive, models.EntitlementStateTrial,
		models.EntitlementStateGracePeriod, models.EntitlementStateBillingRetry)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SourceFreshness
	for rows.Next() {
		var f SourceFreshness
		if err := rows.Scan(&f.Source, &f.Active, &f.Stale); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresEntitlementRepository) scanEntitlement(row *sql.Row) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := row.Scan(&ent.ID, &ent.OrgID, &ent.UserID, &ent.ProductID, &ent.Source, &ent.State,
		&ent.CurrentPeriodStart, &ent.CurrentPeriodEnd, &ent.TrialEnd, &ent.CancelAtPeriodEnd,
		&ent.ExternalSubscriptionID, &ent.LastEventTime, &ent.CreatedAt, &ent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *PostgresEntitlementRepository) scanEntitlements(rows *sql.Rows) ([]*models.Entitlement, error) {
	defer func() { _ = rows.Close() }()

	var ents []*models.Entitlement
	for rows.Next() {
		var ent models.Entitlement
		if err := rows.Scan(&ent.ID, &ent.OrgID, &ent.UserID, &ent.ProductID, &ent.Source, &ent.State,
			&ent.CurrentPeriodStart, &ent.CurrentPeriodEnd, &ent.TrialEnd, &ent.CancelAtPeriodEnd,
			&ent.ExternalSubscriptionID, &ent.LastEventTime, &ent.CreatedAt, &ent.UpdatedAt); err != nil {
			return nil, err
		}
		ents = append(ents, &ent)
	}
	return ents, rows.Err()
}
