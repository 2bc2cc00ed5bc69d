package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// gapThresholds holds per-source webhook silence tolerances in hours.
// Stores batch deliveries differently: Stripe sends near-continuously,
// Apple can legitimately go quiet for half a day.
type gapThresholds struct {
	warn     time.Duration
	critical time.Duration
}

var gapThresholdsBySource = map[models.Source]gapThresholds{
	models.SourceStripe: {warn: 4 * time.Hour, critical: 12 * time.Hour},
	models.SourceApple:  {warn: 12 * time.Hour, critical: 48 * time.Hour},
	models.SourceGoogle: {warn: 8 * time.Hour, critical: 24 * time.Hour},
}

var defaultGapThresholds = gapThresholds{warn: 6 * time.Hour, critical: 24 * time.Hour}

// webhookDeliveryGap flags active connections that have gone quiet. The
// issues it raises are org-wide, so instead of the engine's per-user dedup
// it throttles itself against open issues for the same source.
func webhookDeliveryGap() Detector {
	return Detector{
		ID:          IssueTypeWebhookDeliveryGap,
		Name:        "Webhook delivery gap",
		Description: "A billing connection has not delivered a webhook for longer than its source tolerates.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			conns, err := deps.Connections.ListActiveByOrg(ctx, orgID)
			if err != nil {
				return nil, err
			}
			flagged, err := openSources(ctx, deps, orgID, IssueTypeWebhookDeliveryGap)
			if err != nil {
				return nil, err
			}
			now := time.Now()
			var out []Detected
			for _, conn := range conns {
				if flagged[string(conn.Source)] {
					continue
				}
				if conn.LastWebhookAt == nil {
					if now.Sub(conn.CreatedAt) <= 24*time.Hour {
						continue
					}
					out = append(out, Detected{
						IssueType:   IssueTypeWebhookDeliveryGap,
						Severity:    models.SeverityCritical,
						Title:       fmt.Sprintf("No webhooks ever received from %s", conn.Source),
						Description: fmt.Sprintf("The %s connection is %.0f hours old and has never delivered a webhook.", conn.Source, now.Sub(conn.CreatedAt).Hours()),
						Confidence:  0.90,
						Evidence: map[string]any{
							"source":        string(conn.Source),
							"connection_id": conn.ID,
							"created_at":    conn.CreatedAt.Format(time.RFC3339),
						},
						DetectionTier: models.DetectionTierBillingOnly,
					})
					continue
				}

				gap := now.Sub(*conn.LastWebhookAt)
				thresholds, ok := gapThresholdsBySource[conn.Source]
				if !ok {
					thresholds = defaultGapThresholds
				}
				var severity models.Severity
				confidence := 0.70
				switch {
				case gap >= thresholds.critical:
					severity, confidence = models.SeverityCritical, 0.90
				case gap >= thresholds.warn:
					severity = models.SeverityWarning
				default:
					continue
				}
				out = append(out, Detected{
					IssueType:   IssueTypeWebhookDeliveryGap,
					Severity:    severity,
					Title:       fmt.Sprintf("Webhook gap on %s", conn.Source),
					Description: fmt.Sprintf("No %s webhook for %.1f hours (warning threshold %s).", conn.Source, gap.Hours(), thresholds.warn),
					Confidence:  confidence,
					Evidence: map[string]any{
						"source":          string(conn.Source),
						"connection_id":   conn.ID,
						"last_webhook_at": conn.LastWebhookAt.Format(time.RFC3339),
						"gap_hours":       int(gap.Hours()),
					},
					DetectionTier: models.DetectionTierBillingOnly,
				})
			}
			return out, nil
		},
	}
}

// openSources returns the set of evidence sources that already have an open
// issue of the given type, so aggregate detectors do not re-raise them on
// every scan.
func openSources(ctx context.Context, deps Deps, orgID, issueType string) (map[string]bool, error) {
	open, err := deps.Issues.ListOpenByType(ctx, orgID, issueType)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]bool, len(open))
	for _, issue := range open {
		if s, ok := issue.Evidence["source"].(string); ok {
			sources[s] = true
		}
	}
	return sources, nil
}
