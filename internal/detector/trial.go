package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// trialNoConversion flags entitlements stuck in trial past the trial end.
// Providers send a conversion or expiration within minutes of the trial
// ending; two silent hours means the outcome webhook went missing.
func trialNoConversion() Detector {
	return Detector{
		ID:          IssueTypeTrialNoConversion,
		Name:        "Trial without outcome",
		Description: "A trial ended and neither a conversion nor an expiration arrived.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			now := time.Now()
			ents, err := deps.Entitlements.ListTrialsEndedBefore(ctx, orgID, now.Add(-2*time.Hour), scanLimit)
			if err != nil {
				return nil, err
			}
			var out []Detected
			for _, ent := range ents {
				if ent.TrialEnd == nil {
					continue
				}
				out = append(out, Detected{
					IssueType:   IssueTypeTrialNoConversion,
					Severity:    models.SeverityWarning,
					Title:       "Trial outcome missing",
					Description: fmt.Sprintf("The trial for %s on %s ended %.1f hours ago and is still in trial state.", ent.ProductID, ent.Source, now.Sub(*ent.TrialEnd).Hours()),
					UserID:      ent.UserID,
					Confidence:  0.75,
					Evidence: map[string]any{
						"source":     string(ent.Source),
						"product_id": ent.ProductID,
						"trial_end":  ent.TrialEnd.Format(time.RFC3339),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}
