package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// staleThreshold is how long an active-family entitlement may go without
// events before it is suspect. Yearly plans renew at most every 12 months,
// but a month of silence past the period end means webhooks stopped.
const staleThreshold = 35 * 24 * time.Hour

// staleSubscription flags active-family entitlements whose last event is
// weeks old while the period end has already passed.
func staleSubscription() Detector {
	return Detector{
		ID:          IssueTypeStaleSubscription,
		Name:        "Stale subscription",
		Description: "An entitlement still grants access long after its last event and period end.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			now := time.Now()
			ents, err := deps.Entitlements.ListStale(ctx, orgID, now.Add(-staleThreshold), now.AddDate(0, 0, -2), scanLimit)
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, ent := range ents {
				if ent.LastEventTime == nil {
					continue
				}
				age := now.Sub(*ent.LastEventTime)
				severity, confidence := models.SeverityWarning, 0.8
				if age >= 60*24*time.Hour {
					severity, confidence = models.SeverityCritical, 0.9
				}
				out = append(out, Detected{
					IssueType:   IssueTypeStaleSubscription,
					Severity:    severity,
					Title:       "Subscription data is stale",
					Description: fmt.Sprintf("The entitlement for %s on %s is %s with no event for %.0f days.", ent.ProductID, ent.Source, ent.State, age.Hours()/24),
					UserID:      ent.UserID,
					Confidence:  confidence,
					Evidence: map[string]any{
						"source":          string(ent.Source),
						"product_id":      ent.ProductID,
						"state":           string(ent.State),
						"last_event_time": ent.LastEventTime.Format(time.RFC3339),
						"days_silent":     int(age.Hours() / 24),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}

// dataFreshness raises one org-wide issue per source whose entitlement
// table is going stale in bulk. Ten active rows is the floor below which
// percentages are noise.
func dataFreshness() Detector {
	return Detector{
		ID:          IssueTypeDataFreshness,
		Name:        "Data freshness",
		Description: "A large share of a source's active entitlements has not been updated for weeks.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			rows, err := deps.Entitlements.FreshnessBySource(ctx, orgID, time.Now().Add(-staleThreshold))
			if err != nil {
				return nil, err
			}
			flagged, err := openSources(ctx, deps, orgID, IssueTypeDataFreshness)
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, row := range rows {
				if row.Active < 10 || flagged[string(row.Source)] {
					continue
				}
				ratio := float64(row.Stale) / float64(row.Active)
				if ratio < 0.10 {
					continue
				}
				severity := models.SeverityWarning
				if ratio >= 0.25 {
					severity = models.SeverityCritical
				}
				out = append(out, Detected{
					IssueType:   IssueTypeDataFreshness,
					Severity:    severity,
					Title:       fmt.Sprintf("%s entitlements are going stale", row.Source),
					Description: fmt.Sprintf("%.0f%% of %d active %s entitlements have not been updated in 35 days.", ratio*100, row.Active, row.Source),
					Confidence:  0.85,
					Evidence: map[string]any{
						"source":       string(row.Source),
						"active_count": row.Active,
						"stale_count":  row.Stale,
						"stale_ratio":  ratio,
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}
