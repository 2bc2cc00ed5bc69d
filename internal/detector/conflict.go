package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/revbackhq/revback/internal/models"
)

// crossPlatformConflict flags a (user, product) pair whose entitlements
// disagree across stores: one source says the subscription is live, another
// says it lapsed. Usually the user switched platforms and one side's
// lifecycle webhooks are not flowing.
func crossPlatformConflict() Detector {
	return Detector{
		ID:          IssueTypeCrossPlatformConflict,
		Name:        "Cross-platform conflict",
		Description: "Entitlements for the same product disagree between billing sources.",
		CheckEvent: func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error) {
			if event.ProductID == "" {
				return nil, nil
			}
			ents, err := deps.Entitlements.ListByUserProduct(ctx, orgID, userID, event.ProductID)
			if err != nil || len(ents) < 2 {
				return nil, err
			}
			var activeSources, inactiveSources []string
			states := make(map[string]any, len(ents))
			for _, ent := range ents {
				states[string(ent.Source)] = string(ent.State)
				switch {
				case ent.State.ActiveFamily():
					activeSources = append(activeSources, string(ent.Source))
				case ent.State.InactiveFamily():
					inactiveSources = append(inactiveSources, string(ent.Source))
				}
			}
			if len(activeSources) == 0 || len(inactiveSources) == 0 {
				return nil, nil
			}
			sort.Strings(activeSources)
			sort.Strings(inactiveSources)
			return []Detected{{
				IssueType:   IssueTypeCrossPlatformConflict,
				Severity:    models.SeverityWarning,
				Title:       "Billing sources disagree",
				Description: fmt.Sprintf("For %s, %s grants access while %s does not.", event.ProductID, strings.Join(activeSources, ", "), strings.Join(inactiveSources, ", ")),
				UserID:      userID,
				Confidence:  0.85,
				Evidence: map[string]any{
					"product_id":       event.ProductID,
					"active_sources":   activeSources,
					"inactive_sources": inactiveSources,
					"states":           states,
				},
				DetectionTier: models.DetectionTierBillingOnly,
			}}, nil
		},
	}
}

// duplicateBilling flags a user holding live subscriptions for the same
// product on two or more stores at once. One of them is a charge the user
// will eventually dispute.
func duplicateBilling() Detector {
	return Detector{
		ID:          IssueTypeDuplicateBilling,
		Name:        "Duplicate billing",
		Description: "The same product is actively billed on more than one source.",
		CheckEvent: func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error) {
			if event.ProductID == "" {
				return nil, nil
			}
			ents, err := deps.Entitlements.ListByUserProduct(ctx, orgID, userID, event.ProductID)
			if err != nil || len(ents) < 2 {
				return nil, err
			}
			seen := make(map[models.Source]bool)
			var activeSources []string
			for _, ent := range ents {
				if ent.State.ActiveFamily() && !seen[ent.Source] {
					seen[ent.Source] = true
					activeSources = append(activeSources, string(ent.Source))
				}
			}
			if len(activeSources) < 2 {
				return nil, nil
			}
			sort.Strings(activeSources)
			return []Detected{{
				IssueType:             IssueTypeDuplicateBilling,
				Severity:              models.SeverityCritical,
				Title:                 "Billed on multiple platforms",
				Description:           fmt.Sprintf("%s is actively billed on %s at the same time.", event.ProductID, strings.Join(activeSources, " and ")),
				UserID:                userID,
				EstimatedRevenueCents: event.AmountCents,
				Confidence:            0.90,
				Evidence: map[string]any{
					"product_id": event.ProductID,
					"sources":    activeSources,
				},
				DetectionTier: models.DetectionTierBillingOnly,
			}}, nil
		},
	}
}
