package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// paymentWithoutEntitlement flags users the provider charged while the
// entitlement table denies them access. These are paying customers locked
// out of the product, the most urgent class of anomaly.
func paymentWithoutEntitlement() Detector {
	return Detector{
		ID:          IssueTypePaymentWithoutEntitlement,
		Name:        "Payment without entitlement",
		Description: "A successful charge exists but the matching entitlement does not grant access.",
		CheckEvent: func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error) {
			if event.Status != models.EventStatusSuccess || event.ProductID == "" {
				return nil, nil
			}
			if event.EventType != models.EventTypePurchase && event.EventType != models.EventTypeRenewal {
				return nil, nil
			}
			ent, err := deps.Entitlements.Get(ctx, orgID, userID, event.ProductID, event.Source)
			if err != nil {
				return nil, err
			}
			if ent == nil || !ent.State.InactiveFamily() {
				return nil, nil
			}
			return []Detected{{
				IssueType:             IssueTypePaymentWithoutEntitlement,
				Severity:              models.SeverityCritical,
				Title:                 "Successful payment but no access",
				Description:           fmt.Sprintf("A %s on %s succeeded while the entitlement for %s is %s.", event.EventType, event.Source, event.ProductID, ent.State),
				UserID:                userID,
				EstimatedRevenueCents: event.AmountCents,
				Confidence:            0.95,
				Evidence: map[string]any{
					"external_event_id": event.ExternalEventID,
					"event_type":        string(event.EventType),
					"source":            string(event.Source),
					"product_id":        event.ProductID,
					"entitlement_state": string(ent.State),
				},
				DetectionTier: models.DetectionTierBillingOnly,
			}}, nil
		},
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			ents, err := deps.Entitlements.ListInactiveFamily(ctx, orgID, scanLimit)
			if err != nil {
				return nil, err
			}
			since := time.Now().Add(-30 * time.Minute)
			var out []Detected
			for _, ent := range ents {
				paid, err := deps.Events.HasSuccessPaymentSince(ctx, orgID, ent.UserID, ent.ProductID, since)
				if err != nil {
					return out, err
				}
				if !paid {
					continue
				}
				out = append(out, Detected{
					IssueType:   IssueTypePaymentWithoutEntitlement,
					Severity:    models.SeverityCritical,
					Title:       "Successful payment but no access",
					Description: fmt.Sprintf("A payment for %s succeeded in the last 30 minutes while the entitlement is %s.", ent.ProductID, ent.State),
					UserID:      ent.UserID,
					Confidence:  0.95,
					Evidence: map[string]any{
						"source":            string(ent.Source),
						"product_id":        ent.ProductID,
						"entitlement_state": string(ent.State),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}

// entitlementWithoutPayment flags access that outlived its paid period.
func entitlementWithoutPayment() Detector {
	return Detector{
		ID:          IssueTypeEntitlementWithoutPayment,
		Name:        "Entitlement without payment",
		Description: "An entitlement grants access although the paid period has lapsed.",
		CheckEvent: func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error) {
			if event.EventType != models.EventTypeBillingRetry || event.Status != models.EventStatusFailed || event.ProductID == "" {
				return nil, nil
			}
			ent, err := deps.Entitlements.Get(ctx, orgID, userID, event.ProductID, event.Source)
			if err != nil {
				return nil, err
			}
			if ent == nil || ent.State != models.EntitlementStateActive {
				return nil, nil
			}
			return []Detected{{
				IssueType:   IssueTypeEntitlementWithoutPayment,
				Severity:    models.SeverityWarning,
				Title:       "Access continues despite failed payment",
				Description: fmt.Sprintf("A billing retry for %s on %s failed but the entitlement is still active.", event.ProductID, event.Source),
				UserID:      userID,
				Confidence:  0.7,
				Evidence: map[string]any{
					"external_event_id": event.ExternalEventID,
					"source":            string(event.Source),
					"product_id":        event.ProductID,
				},
				DetectionTier: models.DetectionTierBillingOnly,
			}}, nil
		},
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			now := time.Now()
			ents, err := deps.Entitlements.ListByStatePeriodEndBetween(ctx, orgID,
				models.EntitlementStateActive, time.Time{}, now.Add(-2*time.Hour), scanLimit)
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, ent := range ents {
				if ent.CurrentPeriodEnd == nil {
					continue
				}
				overdue := now.Sub(*ent.CurrentPeriodEnd)
				severity, confidence := models.SeverityWarning, 0.7
				if overdue >= 24*time.Hour {
					severity, confidence = models.SeverityCritical, 0.9
				}
				out = append(out, Detected{
					IssueType:   IssueTypeEntitlementWithoutPayment,
					Severity:    severity,
					Title:       "Access continues past the paid period",
					Description: fmt.Sprintf("The entitlement for %s on %s is active %.0f hours after its period ended.", ent.ProductID, ent.Source, overdue.Hours()),
					UserID:      ent.UserID,
					Confidence:  confidence,
					Evidence: map[string]any{
						"source":        string(ent.Source),
						"product_id":    ent.ProductID,
						"period_end":    ent.CurrentPeriodEnd.Format(time.RFC3339),
						"hours_overdue": int(overdue.Hours()),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}
