package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// The verified pair cross-checks billing state against access telemetry
// reported by the customer's own app. Both short-circuit for orgs that
// never submit telemetry, so billing-only customers pay nothing for them.

// verifiedPaidNoAccess flags users whose entitlement grants access while
// the app reports they have none. These are confirmed lockouts, not
// heuristics, hence the app_verified tier and high confidence.
func verifiedPaidNoAccess() Detector {
	return Detector{
		ID:          IssueTypeVerifiedPaidNoAccess,
		Name:        "Verified paid without access",
		Description: "The app reports no access for a user whose entitlement grants it.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			return verifiedScan(ctx, deps, orgID, func(check *models.AccessCheck, granted bool) *Detected {
				if check.HasAccess || !granted {
					return nil
				}
				return &Detected{
					IssueType:   IssueTypeVerifiedPaidNoAccess,
					Severity:    models.SeverityCritical,
					Title:       "Paying user locked out",
					Description: fmt.Sprintf("The app reports no access to %s although the entitlement grants it.", check.ProductID),
					UserID:      check.UserID,
					Confidence:  0.95,
					Evidence: map[string]any{
						"product_id":  check.ProductID,
						"has_access":  false,
						"reported_at": check.ReportedAt.Format(time.RFC3339),
					},
					DetectionTier: models.DetectionTierAppVerified,
				}
			})
		},
	}
}

// verifiedAccessNoPayment flags users the app grants access although no
// entitlement does.
func verifiedAccessNoPayment() Detector {
	return Detector{
		ID:          IssueTypeVerifiedAccessNoPayment,
		Name:        "Verified access without payment",
		Description: "The app reports access for a user with no entitlement granting it.",
		ScheduledScan: func(ctx context.Context, deps Deps, orgID string) ([]Detected, error) {
			return verifiedScan(ctx, deps, orgID, func(check *models.AccessCheck, granted bool) *Detected {
				if !check.HasAccess || granted {
					return nil
				}
				return &Detected{
					IssueType:   IssueTypeVerifiedAccessNoPayment,
					Severity:    models.SeverityWarning,
					Title:       "Access granted without payment",
					Description: fmt.Sprintf("The app reports access to %s although no entitlement grants it.", check.ProductID),
					UserID:      check.UserID,
					Confidence:  0.9,
					Evidence: map[string]any{
						"product_id":  check.ProductID,
						"has_access":  true,
						"reported_at": check.ReportedAt.Format(time.RFC3339),
					},
					DetectionTier: models.DetectionTierAppVerified,
				}
			})
		},
	}
}

// verifiedScan walks the latest access check per (user, product) and asks
// judge to compare it with whether any entitlement currently grants access.
func verifiedScan(ctx context.Context, deps Deps, orgID string, judge func(check *models.AccessCheck, granted bool) *Detected) ([]Detected, error) {
	hasData, err := deps.AccessChecks.HasAny(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !hasData {
		return nil, nil
	}
	checks, err := deps.AccessChecks.LatestPerUserProduct(ctx, orgID, scanLimit)
	if err != nil {
		return nil, err
	}
	var out []Detected
	for _, check := range checks {
		ents, err := deps.Entitlements.ListByUserProduct(ctx, orgID, check.UserID, check.ProductID)
		if err != nil {
			return out, err
		}
		granted := false
		for _, ent := range ents {
			if ent.State.ActiveFamily() {
				granted = true
				break
			}
		}
		if d := judge(check, granted); d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}
