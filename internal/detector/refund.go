package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// refundGraceWindow is how long after a refund the provider gets to deliver
// the matching revocation before access still being granted is an anomaly.
const refundGraceWindow = time.Hour

// unrevokedRefund flags refunds and chargebacks whose access was never
// revoked once the grace window for the revocation webhook has passed.
func unrevokedRefund() Detector {
	return Detector{
		ID:          IssueTypeUnrevokedRefund,
		Name:        "Unrevoked refund",
		Description: "A refund or chargeback happened but the entitlement still grants access.",
		CheckEvent: func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error) {
			if event.EventType != models.EventTypeRefund && event.EventType != models.EventTypeChargeback {
				return nil, nil
			}
			if event.ProductID == "" || time.Since(event.EventTime) < refundGraceWindow {
				return nil, nil
			}
			ent, err := deps.Entitlements.Get(ctx, orgID, userID, event.ProductID, event.Source)
			if err != nil {
				return nil, err
			}
			if ent == nil || !ent.State.ActiveFamily() {
				return nil, nil
			}
			return []Detected{refundDetection(event, ent)}, nil
		},
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			now := time.Now()
			events, err := deps.Events.ListRefundEventsBetween(ctx, orgID, now.AddDate(0, 0, -30), now.Add(-24*time.Hour))
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, event := range events {
				if event.ProductID == "" || event.UserID == "" {
					continue
				}
				ent, err := deps.Entitlements.Get(ctx, orgID, event.UserID, event.ProductID, event.Source)
				if err != nil {
					return out, err
				}
				if ent == nil || !ent.State.ActiveFamily() {
					continue
				}
				out = append(out, refundDetection(*event, ent))
			}
			return out, nil
		},
	}
}

func refundDetection(event models.CanonicalEvent, ent *models.Entitlement) Detected {
	severity, confidence := models.SeverityWarning, 0.8
	if event.EventType == models.EventTypeChargeback {
		severity, confidence = models.SeverityCritical, 0.9
	}
	return Detected{
		IssueType:             IssueTypeUnrevokedRefund,
		Severity:              severity,
		Title:                 fmt.Sprintf("Access not revoked after %s", event.EventType),
		Description:           fmt.Sprintf("A %s for %s on %s is %.0f hours old but the entitlement is still %s.", event.EventType, event.ProductID, event.Source, time.Since(event.EventTime).Hours(), ent.State),
		UserID:                event.UserID,
		EstimatedRevenueCents: event.AmountCents,
		Confidence:            confidence,
		Evidence: map[string]any{
			"external_event_id": event.ExternalEventID,
			"event_type":        string(event.EventType),
			"event_time":        event.EventTime.Format(time.RFC3339),
			"source":            string(event.Source),
			"product_id":        event.ProductID,
			"entitlement_state": string(ent.State),
		},
		DetectionTier: models.DetectionTierBillingOnly,
	}
}
