// Package models defines the domain models for the application.
// Every entity is organization-scoped; OrgID is the tenant key on each row.
package models

import (
	"time"
)

// Source identifies a billing provider. The set is open: adding a provider
// is a normalizer concern, not a schema change.
type Source string

const (
	SourceStripe  Source = "stripe"
	SourceApple   Source = "apple"
	SourceGoogle  Source = "google"
	SourceRecurly Source = "recurly"
)

// Organization represents a tenant.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"` // unique, URL-safe
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// BillingConnection links an organization to one provider account.
type BillingConnection struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	Source        Source     `json:"source"`
	Credentials   string     `json:"-"` // encrypted (enc: format) or plaintext legacy
	IsActive      bool       `json:"is_active"`
	LastWebhookAt *time.Time `json:"last_webhook_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ProcessingStatus tracks a raw webhook through the pipeline.
type ProcessingStatus string

const (
	ProcessingStatusReceived   ProcessingStatus = "received"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusSucceeded  ProcessingStatus = "succeeded"
	ProcessingStatusFailed     ProcessingStatus = "failed"
	ProcessingStatusDLQ        ProcessingStatus = "dlq"
)

// RawWebhookLog is the bytes-exact record of an inbound webhook and the
// primary idempotency record for processing.
type RawWebhookLog struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"org_id"`
	Source           Source            `json:"source"`
	Headers          map[string]string `json:"headers"` // filtered to signature-relevant keys
	Body             []byte            `json:"-"`
	ReceivedAt       time.Time         `json:"received_at"`
	ProcessingStatus ProcessingStatus  `json:"processing_status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	EventsCreated    int               `json:"events_created"`
	EventsSkipped    int               `json:"events_skipped"`
}

// EventType is the provider-agnostic classification of a billing event.
type EventType string

const (
	EventTypePurchase        EventType = "purchase"
	EventTypeTrialStart      EventType = "trial_start"
	EventTypeTrialConversion EventType = "trial_conversion"
	EventTypeRenewal         EventType = "renewal"
	EventTypeCancellation    EventType = "cancellation"
	EventTypeExpiration      EventType = "expiration"
	EventTypeRefund          EventType = "refund"
	EventTypeChargeback      EventType = "chargeback"
	EventTypeBillingRetry    EventType = "billing_retry"
)

// EventStatus is the outcome the provider reported for the event.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
	EventStatusPending EventStatus = "pending"
)

// CanonicalEvent is a normalized billing event.
// (OrgID, Source, ExternalEventID) is unique; replays are silent no-ops.
type CanonicalEvent struct {
	ID                     string      `json:"id"`
	OrgID                  string      `json:"org_id"`
	Source                 Source      `json:"source"`
	ExternalEventID        string      `json:"external_event_id"`
	EventType              EventType   `json:"event_type"`
	Status                 EventStatus `json:"status"`
	UserID                 string      `json:"user_id,omitempty"`
	ProductID              string      `json:"product_id,omitempty"`
	AmountCents            int64       `json:"amount_cents"`
	Currency               string      `json:"currency,omitempty"`
	EventTime              time.Time   `json:"event_time"`
	ExternalSubscriptionID string      `json:"external_subscription_id,omitempty"`
	PeriodStart            *time.Time  `json:"period_start,omitempty"`
	PeriodEnd              *time.Time  `json:"period_end,omitempty"`
	TrialEnd               *time.Time  `json:"trial_end,omitempty"`
	GracePeriod            bool        `json:"grace_period,omitempty"`
	CreatedAt              time.Time   `json:"created_at"`
}

// User is the org-scoped subject of entitlements.
type User struct {
	ID             string            `json:"id"`
	OrgID          string            `json:"org_id"`
	ExternalUserID string            `json:"external_user_id,omitempty"`
	Email          string            `json:"email,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IdentityType classifies an identifier a provider knows a user by.
type IdentityType string

const (
	IdentityTypeCustomerID            IdentityType = "customer_id"
	IdentityTypeSubscriptionID        IdentityType = "subscription_id"
	IdentityTypeOriginalTransactionID IdentityType = "original_transaction_id"
	IdentityTypePurchaseToken         IdentityType = "purchase_token"
	IdentityTypeEmail                 IdentityType = "email"
	IdentityTypeAppUserID             IdentityType = "app_user_id"
	IdentityTypeAccountCode           IdentityType = "account_code"
)

// UserIdentity links one provider-side identifier to a user.
// (OrgID, Source, IDType, ExternalID) is unique.
type UserIdentity struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"org_id"`
	UserID     string       `json:"user_id"`
	Source     Source       `json:"source"`
	IDType     IdentityType `json:"id_type"`
	ExternalID string       `json:"external_id"`
	CreatedAt  time.Time    `json:"created_at"`
}

// IdentityHint is an unresolved identifier extracted from a webhook payload.
type IdentityHint struct {
	Source     Source       `json:"source"`
	IDType     IdentityType `json:"id_type"`
	ExternalID string       `json:"external_id"`
}

// EntitlementState is the access state the system believes a user holds.
type EntitlementState string

const (
	EntitlementStateActive       EntitlementState = "active"
	EntitlementStateTrial        EntitlementState = "trial"
	EntitlementStateGracePeriod  EntitlementState = "grace_period"
	EntitlementStateBillingRetry EntitlementState = "billing_retry"
	EntitlementStateInactive     EntitlementState = "inactive"
	EntitlementStateExpired      EntitlementState = "expired"
	EntitlementStateRevoked      EntitlementState = "revoked"
	EntitlementStateRefunded     EntitlementState = "refunded"
)

// ActiveFamily reports whether the state still grants access.
func (s EntitlementState) ActiveFamily() bool {
	switch s {
	case EntitlementStateActive, EntitlementStateTrial, EntitlementStateGracePeriod, EntitlementStateBillingRetry:
		return true
	}
	return false
}

// InactiveFamily reports whether the state denies access.
func (s EntitlementState) InactiveFamily() bool {
	return s != "" && !s.ActiveFamily()
}

// Entitlement is the reconciled subscription state for
// (OrgID, UserID, ProductID, Source), unique over the 4-tuple.
type Entitlement struct {
	ID                     string           `json:"id"`
	OrgID                  string           `json:"org_id"`
	UserID                 string           `json:"user_id"`
	ProductID              string           `json:"product_id"`
	Source                 Source           `json:"source"`
	State                  EntitlementState `json:"state"`
	CurrentPeriodStart     *time.Time       `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time       `json:"current_period_end,omitempty"`
	TrialEnd               *time.Time       `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool             `json:"cancel_at_period_end"`
	ExternalSubscriptionID string           `json:"external_subscription_id,omitempty"`
	LastEventTime          *time.Time       `json:"last_event_time,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// Severity grades an issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities for min-severity filters.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// AtLeast reports whether s meets the given minimum severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// IssueStatus is the operator-facing lifecycle of an issue.
type IssueStatus string

const (
	IssueStatusOpen         IssueStatus = "open"
	IssueStatusResolved     IssueStatus = "resolved"
	IssueStatusDismissed    IssueStatus = "dismissed"
	IssueStatusAcknowledged IssueStatus = "acknowledged"
)

// DetectionTier distinguishes billing-only heuristics from ones verified
// against in-app access telemetry.
type DetectionTier string

const (
	DetectionTierBillingOnly DetectionTier = "billing_only"
	DetectionTierAppVerified DetectionTier = "app_verified"
)

// Issue is a detected anomaly. At most one open issue may exist per
// (OrgID, UserID, IssueType); enforced by a partial unique index.
type Issue struct {
	ID                    string         `json:"id"`
	OrgID                 string         `json:"org_id"`
	UserID                *string        `json:"user_id,omitempty"` // nil for aggregate issues
	IssueType             string         `json:"issue_type"`
	Severity              Severity       `json:"severity"`
	Status                IssueStatus    `json:"status"`
	Title                 string         `json:"title"`
	Description           string         `json:"description"`
	EstimatedRevenueCents int64          `json:"estimated_revenue_cents"`
	Confidence            float64        `json:"confidence"` // [0,1]
	DetectorID            string         `json:"detector_id"`
	DetectionTier         DetectionTier  `json:"detection_tier"`
	Evidence              map[string]any `json:"evidence,omitempty"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty"`
	Resolution            string         `json:"resolution,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// AccessCheck is optional telemetry from the customer's app reporting
// whether a user actually has access; enables Tier-2 detectors.
type AccessCheck struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	UserID         string    `json:"user_id"`
	ProductID      string    `json:"product_id"`
	ExternalUserID string    `json:"external_user_id,omitempty"`
	HasAccess      bool      `json:"has_access"`
	ReportedAt     time.Time `json:"reported_at"`
}

// AlertChannel identifies an alert delivery mechanism.
type AlertChannel string

const (
	AlertChannelEmail   AlertChannel = "email"
	AlertChannelWebhook AlertChannel = "webhook"
	AlertChannelSlack   AlertChannel = "slack"
)

// AlertConfig routes issues to one destination.
type AlertConfig struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	Channel     AlertChannel `json:"channel"`
	Destination string       `json:"destination"` // email address, webhook URL, or slack channel id
	Secret      string       `json:"-"`           // encrypted; HMAC key for webhooks, bot token override for slack
	MinSeverity Severity     `json:"min_severity"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DeliveryOutcome records how one alert delivery attempt ended.
type DeliveryOutcome string

const (
	DeliveryOutcomeDelivered DeliveryOutcome = "delivered"
	DeliveryOutcomeFailed    DeliveryOutcome = "failed"
)

// AlertDeliveryLog records one attempt to deliver an alert.
type AlertDeliveryLog struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	AlertConfigID string          `json:"alert_config_id"`
	IssueID       string          `json:"issue_id"`
	EventType     string          `json:"event_type"`
	Attempt       int             `json:"attempt"`
	Outcome       DeliveryOutcome `json:"outcome"`
	StatusCode    int             `json:"status_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DeliveredAt   time.Time       `json:"delivered_at"`
}
