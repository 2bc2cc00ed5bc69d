package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// renewalOutcomeTypes are the events that would explain a period end: the
// subscription renewed, lapsed, was cancelled, or entered billing retry.
var renewalOutcomeTypes = []models.EventType{
	models.EventTypeRenewal,
	models.EventTypeExpiration,
	models.EventTypeCancellation,
	models.EventTypeBillingRetry,
}

// silentRenewalFailure flags active entitlements whose period ended one to
// twenty-four hours ago with no event explaining the outcome. Confidence
// grows with every silent hour; past six hours it is critical.
func silentRenewalFailure() Detector {
	return Detector{
		ID:          IssueTypeSilentRenewalFailure,
		Name:        "Silent renewal failure",
		Description: "A subscription period ended and no renewal, expiration, cancellation, or retry event followed.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			now := time.Now()
			ents, err := deps.Entitlements.ListByStatePeriodEndBetween(ctx, orgID,
				models.EntitlementStateActive, now.Add(-24*time.Hour), now.Add(-time.Hour), scanLimit)
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, ent := range ents {
				if ent.CurrentPeriodEnd == nil {
					continue
				}
				explained, err := deps.Events.HasEventOfTypesAfter(ctx, orgID, ent.UserID, ent.ProductID,
					renewalOutcomeTypes, *ent.CurrentPeriodEnd)
				if err != nil {
					return out, err
				}
				if explained {
					continue
				}
				hours := now.Sub(*ent.CurrentPeriodEnd).Hours()
				severity := models.SeverityWarning
				if hours >= 6 {
					severity = models.SeverityCritical
				}
				out = append(out, Detected{
					IssueType:   IssueTypeSilentRenewalFailure,
					Severity:    severity,
					Title:       "Renewal outcome missing",
					Description: fmt.Sprintf("The period for %s on %s ended %.1f hours ago with no follow-up event.", ent.ProductID, ent.Source, hours),
					UserID:      ent.UserID,
					Confidence:  math.Max(0, math.Min(0.95, 0.5+0.05*hours)),
					Evidence: map[string]any{
						"source":        string(ent.Source),
						"product_id":    ent.ProductID,
						"period_end":    ent.CurrentPeriodEnd.Format(time.RFC3339),
						"hours_overdue": int(hours),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}
