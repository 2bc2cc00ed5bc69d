// Package entitlement reduces canonical billing events into the
// entitlement table. The reducer computes the target state in memory and
// delegates all concurrency control to the repository's single-statement
// upsert, so two instances applying events for the same subscription can
// never interleave partial writes.
package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/repository"
)

// Outcome reports what an event did to the entitlement table.
type Outcome string

const (
	// OutcomeApplied means the entitlement row was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means a newer event already updated the row, so this
	// one changed nothing. The event itself is still persisted upstream.
	OutcomeStale Outcome = "stale"
	// OutcomeSkipped means the event does not map to an entitlement
	// transition (no product id, or no transition for its type/status).
	OutcomeSkipped Outcome = "skipped"
)

// Reducer folds canonical events into entitlement state.
type Reducer struct {
	entitlements repository.EntitlementRepository
	logger       *slog.Logger
}

// NewReducer creates an entitlement reducer.
func NewReducer(entitlements repository.EntitlementRepository, logger *slog.Logger) *Reducer {
	return &Reducer{
		entitlements: entitlements,
		logger:       logger.With("component", "entitlement"),
	}
}

// Apply folds one event into the entitlement for
// (org, user, product, source). Events older than the stored
// last_event_time report OutcomeStale and change nothing, so replays and
// out-of-order deliveries are safe to apply blindly.
func (r *Reducer) Apply(ctx context.Context, event models.CanonicalEvent) (Outcome, error) {
	if event.ProductID == "" {
		r.logger.Debug("event carries no product id, skipping entitlement update",
			"event_type", event.EventType,
			"external_event_id", event.ExternalEventID,
		)
		return OutcomeSkipped, nil
	}
	if event.UserID == "" {
		return "", apperr.E(apperr.KindValidation, "event has no resolved user")
	}

	ent := models.Entitlement{
		OrgID:                  event.OrgID,
		UserID:                 event.UserID,
		ProductID:              event.ProductID,
		Source:                 event.Source,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		LastEventTime:          &event.EventTime,
	}

	switch {
	case event.EventType == models.EventTypePurchase && event.Status == models.EventStatusSuccess:
		ent.State = models.EntitlementStateActive
		ent.CurrentPeriodStart = event.PeriodStart
		ent.CurrentPeriodEnd = event.PeriodEnd
		ent.TrialEnd = event.TrialEnd

	case event.EventType == models.EventTypeTrialStart:
		ent.State = models.EntitlementStateTrial
		ent.CurrentPeriodStart = event.PeriodStart
		ent.CurrentPeriodEnd = event.PeriodEnd
		ent.TrialEnd = event.TrialEnd

	case event.EventType == models.EventTypeTrialConversion,
		event.EventType == models.EventTypeRenewal && event.Status == models.EventStatusSuccess:
		ent.State = models.EntitlementStateActive
		ent.CurrentPeriodStart = event.PeriodStart
		ent.CurrentPeriodEnd = event.PeriodEnd

	case event.EventType == models.EventTypeBillingRetry && event.Status == models.EventStatusFailed:
		// Period fields stay as stored; the subscription hasn't moved.
		if event.GracePeriod {
			ent.State = models.EntitlementStateGracePeriod
		} else {
			ent.State = models.EntitlementStateBillingRetry
		}

	case event.EventType == models.EventTypeCancellation:
		state, cancelAtEnd, err := r.cancellationState(ctx, event)
		if err != nil {
			return "", err
		}
		ent.State = state
		ent.CancelAtPeriodEnd = cancelAtEnd

	case event.EventType == models.EventTypeExpiration:
		ent.State = models.EntitlementStateExpired

	case event.EventType == models.EventTypeRefund:
		ent.State = models.EntitlementStateRefunded

	case event.EventType == models.EventTypeChargeback:
		ent.State = models.EntitlementStateRevoked

	default:
		r.logger.Debug("no entitlement transition for event",
			"event_type", event.EventType,
			"status", event.Status,
		)
		return OutcomeSkipped, nil
	}

	applied, err := r.entitlements.Upsert(ctx, &ent)
	if err != nil {
		return "", err
	}
	if !applied {
		r.logger.Debug("out-of-order event left entitlement unchanged",
			"external_event_id", event.ExternalEventID,
			"event_time", event.EventTime.Format(time.RFC3339),
		)
		return OutcomeStale, nil
	}
	return OutcomeApplied, nil
}

// cancellationState decides whether a cancellation leaves access in place
// until the period ends or expires it immediately. Most providers send
// cancellations ahead of the period end; providers that cancel
// retroactively (or replayed events from long ago) expire on the spot.
func (r *Reducer) cancellationState(ctx context.Context, event models.CanonicalEvent) (models.EntitlementState, bool, error) {
	periodEnd := event.PeriodEnd
	if periodEnd == nil {
		existing, err := r.entitlements.Get(ctx, event.OrgID, event.UserID, event.ProductID, event.Source)
		if err != nil {
			return "", false, err
		}
		if existing != nil {
			periodEnd = existing.CurrentPeriodEnd
		}
	}
	if periodEnd != nil && periodEnd.Before(time.Now()) {
		return models.EntitlementStateExpired, false, nil
	}
	return models.EntitlementStateActive, true, nil
}
