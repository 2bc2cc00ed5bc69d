package entitlement

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEntitlementRepo struct {
	existing *models.Entitlement
	upserted *models.Entitlement
	stale    bool
}

func (f *fakeEntitlementRepo) Upsert(_ context.Context, ent *models.Entitlement) (bool, error) {
	cp := *ent
	f.upserted = &cp
	return !f.stale, nil
}

func (f *fakeEntitlementRepo) Get(_ context.Context, _, _, _ string, _ models.Source) (*models.Entitlement, error) {
	return f.existing, nil
}

func (f *fakeEntitlementRepo) ListByUserProduct(_ context.Context, _, _, _ string) ([]*models.Entitlement, error) {
	return nil, nil
}

func (f *fakeEntitlementRepo) ListByStatePeriodEndBetween(_ context.Context, _ string, _ models.EntitlementState, _, _ time.Time, _ int) ([]*models.Entitlement, error) {
	return nil, nil
}

func (f *fakeEntitlementRepo) ListInactiveFamily(_ context.Context, _ string, _ int) ([]*models.Entitlement, error) {
	return nil, nil
}

func (f *fakeEntitlementRepo) ListTrialsEndedBefore(_ context.Context, _ string, _ time.Time, _ int) ([]*models.Entitlement, error) {
	return nil, nil
}

func (f *fakeEntitlementRepo) ListStale(_ context.Context, _ string, _, _ time.Time, _ int) ([]*models.Entitlement, error) {
	return nil, nil
}

func (f *fakeEntitlementRepo) FreshnessBySource(_ context.Context, _ string, _ time.Time) ([]repository.SourceFreshness, error) {
	return nil, nil
}

func baseEvent(eventType models.EventType, status models.EventStatus) models.CanonicalEvent {
	return models.CanonicalEvent{
		OrgID:           "org-1",
		Source:          models.SourceStripe,
		ExternalEventID: "evt_1",
		EventType:       eventType,
		Status:          status,
		UserID:          "user-1",
		ProductID:       "prod_premium",
		EventTime:       time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestApplyTransitions(t *testing.T) {
	periodStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	trialEnd := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		eventType   models.EventType
		status      models.EventStatus
		gracePeriod bool
		withPeriod  bool
		wantOutcome Outcome
		wantState   models.EntitlementState
		wantPeriod  bool
		wantTrial   bool
	}{
		{
			name: "purchase success activates", eventType: models.EventTypePurchase,
			status: models.EventStatusSuccess, withPeriod: true,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateActive, wantPeriod: true, wantTrial: true,
		},
		{
			name: "trial start", eventType: models.EventTypeTrialStart,
			status: models.EventStatusSuccess, withPeriod: true,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateTrial, wantPeriod: true, wantTrial: true,
		},
		{
			name: "trial conversion rolls period", eventType: models.EventTypeTrialConversion,
			status: models.EventStatusSuccess, withPeriod: true,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateActive, wantPeriod: true,
		},
		{
			name: "renewal success rolls period", eventType: models.EventTypeRenewal,
			status: models.EventStatusSuccess, withPeriod: true,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateActive, wantPeriod: true,
		},
		{
			name: "billing retry without grace", eventType: models.EventTypeBillingRetry,
			status:      models.EventStatusFailed,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateBillingRetry,
		},
		{
			name: "billing retry with grace window", eventType: models.EventTypeBillingRetry,
			status: models.EventStatusFailed, gracePeriod: true,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateGracePeriod,
		},
		{
			name: "expiration", eventType: models.EventTypeExpiration,
			status:      models.EventStatusSuccess,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateExpired,
		},
		{
			name: "refund", eventType: models.EventTypeRefund,
			status:      models.EventStatusSuccess,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateRefunded,
		},
		{
			name: "chargeback revokes", eventType: models.EventTypeChargeback,
			status:      models.EventStatusSuccess,
			wantOutcome: OutcomeApplied, wantState: models.EntitlementStateRevoked,
		},
		{
			name: "failed purchase has no transition", eventType: models.EventTypePurchase,
			status:      models.EventStatusFailed,
			wantOutcome: OutcomeSkipped,
		},
		{
			name: "successful billing retry has no transition", eventType: models.EventTypeBillingRetry,
			status:      models.EventStatusSuccess,
			wantOutcome: OutcomeSkipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeEntitlementRepo{}
			r := NewReducer(repo, testLogger())

			event := baseEvent(tt.eventType, tt.status)
			event.GracePeriod = tt.gracePeriod
			if tt.withPeriod {
				event.PeriodStart = &periodStart
				event.PeriodEnd = &periodEnd
				event.TrialEnd = &trialEnd
			}

			outcome, err := r.Apply(context.Background(), event)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if outcome != tt.wantOutcome {
				t.Fatalf("Apply() = %v, want %v", outcome, tt.wantOutcome)
			}
			if tt.wantOutcome == OutcomeSkipped {
				if repo.upserted != nil {
					t.Errorf("skipped event reached the repository: %+v", repo.upserted)
				}
				return
			}

			got := repo.upserted
			if got == nil {
				t.Fatal("Apply() never reached the repository")
			}
			if got.State != tt.wantState {
				t.Errorf("state = %v, want %v", got.State, tt.wantState)
			}
			if got.LastEventTime == nil || !got.LastEventTime.Equal(event.EventTime) {
				t.Errorf("last_event_time = %v, want %v", got.LastEventTime, event.EventTime)
			}
			if tt.wantPeriod && (got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(periodEnd)) {
				t.Errorf("current_period_end = %v, want %v", got.CurrentPeriodEnd, periodEnd)
			}
			if !tt.wantPeriod && got.CurrentPeriodEnd != nil {
				t.Errorf("current_period_end = %v, want nil (stored period retained)", got.CurrentPeriodEnd)
			}
			if tt.wantTrial && (got.TrialEnd == nil || !got.TrialEnd.Equal(trialEnd)) {
				t.Errorf("trial_end = %v, want %v", got.TrialEnd, trialEnd)
			}
		})
	}
}

func TestApplySkipsWithoutProduct(t *testing.T) {
	repo := &fakeEntitlementRepo{}
	r := NewReducer(repo, testLogger())

	event := baseEvent(models.EventTypePurchase, models.EventStatusSuccess)
	event.ProductID = ""

	outcome, err := r.Apply(context.Background(), event)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("Apply() = %v, want %v", outcome, OutcomeSkipped)
	}
}

func TestApplyRequiresResolvedUser(t *testing.T) {
	r := NewReducer(&fakeEntitlementRepo{}, testLogger())

	event := baseEvent(models.EventTypePurchase, models.EventStatusSuccess)
	event.UserID = ""

	_, err := r.Apply(context.Background(), event)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Apply() kind = %v, want %v", apperr.KindOf(err), apperr.KindValidation)
	}
}

func TestApplyOutOfOrderEventIsStale(t *testing.T) {
	repo := &fakeEntitlementRepo{stale: true}
	r := NewReducer(repo, testLogger())

	outcome, err := r.Apply(context.Background(), baseEvent(models.EventTypeRenewal, models.EventStatusSuccess))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if outcome != OutcomeStale {
		t.Errorf("Apply() = %v, want %v", outcome, OutcomeStale)
	}
}

func TestApplyCancellation(t *testing.T) {
	future := time.Now().Add(14 * 24 * time.Hour)
	past := time.Now().Add(-48 * time.Hour)

	tests := []struct {
		name           string
		eventPeriodEnd *time.Time
		stored         *models.Entitlement
		wantState      models.EntitlementState
		wantCancelFlag bool
	}{
		{
			name:           "future period end keeps access until it lapses",
			eventPeriodEnd: &future,
			wantState:      models.EntitlementStateActive,
			wantCancelFlag: true,
		},
		{
			name:           "past period end expires immediately",
			eventPeriodEnd: &past,
			wantState:      models.EntitlementStateExpired,
		},
		{
			name:   "no period on event falls back to stored entitlement",
			stored: &models.Entitlement{CurrentPeriodEnd: &past},
			wantState: models.EntitlementStateExpired,
		},
		{
			name:           "no period anywhere keeps access",
			wantState:      models.EntitlementStateActive,
			wantCancelFlag: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeEntitlementRepo{existing: tt.stored}
			r := NewReducer(repo, testLogger())

			event := baseEvent(models.EventTypeCancellation, models.EventStatusSuccess)
			event.PeriodEnd = tt.eventPeriodEnd

			outcome, err := r.Apply(context.Background(), event)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if outcome != OutcomeApplied {
				t.Fatalf("Apply() = %v, want %v", outcome, OutcomeApplied)
			}
			if repo.upserted.State != tt.wantState {
				t.Errorf("state = %v, want %v", repo.upserted.State, tt.wantState)
			}
			if repo.upserted.CancelAtPeriodEnd != tt.wantCancelFlag {
				t.Errorf("cancel_at_period_end = %v, want %v", repo.upserted.CancelAtPeriodEnd, tt.wantCancelFlag)
			}
			if repo.upserted.CurrentPeriodEnd != nil {
				t.Errorf("current_period_end = %v, want nil (cancellation keeps the stored period)", repo.upserted.CurrentPeriodEnd)
			}
		})
	}
}
