// Package detector holds the anomaly detectors. Each detector is a pure
// read-side check: it inspects events, entitlements, and telemetry through
// Deps and reports what it found. Writing issues, deduplication, and
// alerting belong to the engine, so detectors stay independently testable
// and safe to run concurrently.
package detector

import (
	"context"
	"log/slog"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/repository"
)

// Issue types produced by the built-in detectors. The detector id doubles
// as the issue type for every built-in.
const (
	IssueTypePaymentWithoutEntitlement = "payment_without_entitlement"
	IssueTypeEntitlementWithoutPayment = "entitlement_without_payment"
	IssueTypeUnrevokedRefund           = "unrevoked_refund"
	IssueTypeSilentRenewalFailure      = "silent_renewal_failure"
	IssueTypeCrossPlatformConflict     = "cross_platform_conflict"
	IssueTypeDuplicateBilling          = "duplicate_billing"
	IssueTypeWebhookDeliveryGap        = "webhook_delivery_gap"
	IssueTypeTrialNoConversion         = "trial_no_conversion"
	IssueTypeStaleSubscription         = "stale_subscription"
	IssueTypeDataFreshness             = "data_freshness"
	IssueTypeVerifiedPaidNoAccess      = "verified_paid_no_access"
	IssueTypeVerifiedAccessNoPayment   = "verified_access_no_payment"
)

// scanLimit caps how many rows a scheduled scan pulls per query. Anything
// beyond it is picked up by the next scan cycle.
const scanLimit = 500

// Deps gives detectors read access to the data they check. Detectors never
// write; the engine owns persistence.
type Deps struct {
	Events       repository.EventRepository
	Entitlements repository.EntitlementRepository
	Connections  repository.ConnectionRepository
	AccessChecks repository.AccessCheckRepository
	Issues       repository.IssueRepository
	Logger       *slog.Logger
}

// Detected is one anomaly reported by a detector. UserID is empty for
// org-wide aggregate findings.
type Detected struct {
	IssueType             string
	Severity              models.Severity
	Title                 string
	Description           string
	UserID                string
	EstimatedRevenueCents int64
	Confidence            float64
	Evidence              map[string]any
	DetectionTier         models.DetectionTier
}

// Detector pairs identity with up to two hooks. CheckEvent runs inline on
// every ingested event; ScheduledScan runs on the cron cadence. Either hook
// may be nil.
type Detector struct {
	ID          string
	Name        string
	Description string

	CheckEvent    func(ctx context.Context, deps Deps, orgID, userID string, event models.CanonicalEvent) ([]Detected, error)
	ScheduledScan func(ctx context.Context, deps Deps, orgID string) ([]Detected, error)
}

// Registry is an ordered, immutable set of detectors.
type Registry struct {
	detectors []Detector
	byID      map[string]Detector
}

// NewRegistry builds a registry from the given detectors, preserving order.
func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{
		detectors: detectors,
		byID:      make(map[string]Detector, len(detectors)),
	}
	for _, d := range detectors {
		r.byID[d.ID] = d
	}
	return r
}

// NewDefaultRegistry returns the full built-in detector set.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		paymentWithoutEntitlement(),
		entitlementWithoutPayment(),
		unrevokedRefund(),
		silentRenewalFailure(),
		crossPlatformConflict(),
		duplicateBilling(),
		webhookDeliveryGap(),
		trialNoConversion(),
		staleSubscription(),
		dataFreshness(),
		verifiedPaidNoAccess(),
		verifiedAccessNoPayment(),
	)
}

// All returns every registered detector in registration order.
func (r *Registry) All() []Detector {
	return r.detectors
}

// Scheduled returns the detectors that implement a scheduled scan.
func (r *Registry) Scheduled() []Detector {
	var out []Detector
	for _, d := range r.detectors {
		if d.ScheduledScan != nil {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the detector with the given id.
func (r *Registry) Get(id string) (Detector, error) {
	d, ok := r.byID[id]
	if !ok {
		return Detector{}, apperr.Ef(apperr.KindNotFound, "unknown detector %q", id)
	}
	return d, nil
}

// Metadata enriches an issue type for alert payloads and the ops API.
type Metadata struct {
	Category          string
	RecommendedAction string
}

var metadataByType = map[string]Metadata{
	IssueTypePaymentWithoutEntitlement: {
		Category:          "revenue_protection",
		RecommendedAction: "Grant the entitlement manually and inspect why the reducer left it inactive.",
	},
	IssueTypeEntitlementWithoutPayment: {
		Category:          "revenue_leak",
		RecommendedAction: "Confirm the provider shows an unpaid period, then expire the entitlement.",
	},
	IssueTypeUnrevokedRefund: {
		Category:          "revenue_leak",
		RecommendedAction: "Revoke access for the refunded purchase or re-drive the provider webhook.",
	},
	IssueTypeSilentRenewalFailure: {
		Category:          "pipeline_health",
		RecommendedAction: "Check the provider dashboard for the renewal outcome; the webhook likely never arrived.",
	},
	IssueTypeCrossPlatformConflict: {
		Category:          "billing_conflict",
		RecommendedAction: "Verify which store subscription the user actually pays for and reconcile the other.",
	},
	IssueTypeDuplicateBilling: {
		Category:          "billing_conflict",
		RecommendedAction: "Refund the duplicate store subscription before the user disputes it.",
	},
	IssueTypeWebhookDeliveryGap: {
		Category:          "pipeline_health",
		RecommendedAction: "Check the provider's webhook endpoint configuration and recent delivery attempts.",
	},
	IssueTypeTrialNoConversion: {
		Category:          "lifecycle",
		RecommendedAction: "Confirm the trial's outcome with the provider; conversion or expiration never arrived.",
	},
	IssueTypeStaleSubscription: {
		Category:          "pipeline_health",
		RecommendedAction: "Re-sync the subscription from the provider; no events have arrived for weeks.",
	},
	IssueTypeDataFreshness: {
		Category:          "pipeline_health",
		RecommendedAction: "Audit webhook delivery for this source; a large share of entitlements is stale.",
	},
	IssueTypeVerifiedPaidNoAccess: {
		Category:          "customer_experience",
		RecommendedAction: "Restore the user's access immediately; they are paying and locked out.",
	},
	IssueTypeVerifiedAccessNoPayment: {
		Category:          "revenue_leak",
		RecommendedAction: "Verify in-app gating honors entitlement state for this user and product.",
	},
	"merge_candidate": {
		Category:          "identity",
		RecommendedAction: "Review the merged users' purchase history and confirm they are the same person.",
	},
}

// MetadataFor returns the enrichment metadata for an issue type.
func MetadataFor(issueType string) Metadata {
	if m, ok := metadataByType[issueType]; ok {
		return m
	}
	return Metadata{
		Category:          "other",
		RecommendedAction: "Review the issue evidence and the user's billing history.",
	}
}
