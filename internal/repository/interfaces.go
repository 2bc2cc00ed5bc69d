// Package repository defines repository interfaces for data access.
// Every query is org-scoped. Cross-instance coordination happens through
// uniqueness constraints and single-statement upserts, never app-level locks.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/revbackhq/revback/internal/models"
)

// OrganizationRepository defines methods for tenant data access.
type OrganizationRepository interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id string) (*models.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	// ListActive returns every active org; used by the 'all' scan fan-out.
	ListActive(ctx context.Context) ([]*models.Organization, error)
}

// ConnectionRepository defines methods for billing connection data access.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.BillingConnection) error
	GetByOrgSource(ctx context.Context, orgID string, source models.Source) (*models.BillingConnection, error)
	ListActiveByOrg(ctx context.Context, orgID string) ([]*models.BillingConnection, error)
	// List returns every connection, active or not; used by the credential
	// re-encryption pass.
	List(ctx context.Context) ([]*models.BillingConnection, error)
	TouchLastWebhook(ctx context.Context, id string, at time.Time) error
	UpdateCredentials(ctx context.Context, id, credentials string) error
}

// WebhookLogRepository defines methods for raw webhook log data access.
type WebhookLogRepository interface {
	Create(ctx context.Context, log *models.RawWebhookLog) error
	GetByID(ctx context.Context, id string) (*models.RawWebhookLog, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string, eventsCreated, eventsSkipped int) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	MarkDLQ(ctx context.Context, id string) error
	// DeleteTerminalOlderThan prunes succeeded/failed/dlq logs received
	// before the cutoff and returns the number of rows removed.
	DeleteTerminalOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// EventRepository defines methods for canonical event data access.
type EventRepository interface {
	// Insert writes the event unless (org, source, external_event_id)
	// already exists; reports whether a row was actually written.
	Insert(ctx context.Context, ev *models.CanonicalEvent) (bool, error)
	GetByExternalID(ctx context.Context, orgID string, source models.Source, externalEventID string) (*models.CanonicalEvent, error)
	// HasEventOfTypesAfter reports whether any event of the given types for
	// (user, product) has an event_time strictly after the cutoff.
	HasEventOfTypesAfter(ctx context.Context, orgID, userID, productID string, types []models.EventType, after time.Time) (bool, error)
	// HasSuccessPaymentSince reports whether a success purchase or renewal
	// for (user, product) arrived at or after the cutoff.
	HasSuccessPaymentSince(ctx context.Context, orgID, userID, productID string, since time.Time) (bool, error)
	// ListRefundEventsBetween returns refund and chargeback events with
	// event_time in [from, to).
	ListRefundEventsBetween(ctx context.Context, orgID string, from, to time.Time) ([]*models.CanonicalEvent, error)
}

// UserRepository defines methods for end-user data access.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, orgID, id string) (*models.User, error)
	// OldestByIDs returns the earliest-created user among ids, ties broken
	// by id; used by the identity merge tie-break.
	OldestByIDs(ctx context.Context, orgID string, ids []string) (*models.User, error)
}

// IdentityRepository defines methods for user identity data access.
type IdentityRepository interface {
	Find(ctx context.Context, orgID string, source models.Source, idType models.IdentityType, externalID string) (*models.UserIdentity, error)
	// Insert writes the identity; a unique violation surfaces as-is so the
	// caller can treat a concurrent link as a no-op.
	Insert(ctx context.Context, identity *models.UserIdentity) error
	// Reassign points an existing identity at a different user.
	Reassign(ctx context.Context, orgID string, source models.Source, idType models.IdentityType, externalID, newUserID string) error
}

// SourceFreshness aggregates entitlement staleness per billing source.
type SourceFreshness struct {
	Source models.Source
	Active int
	Stale  int
}

// EntitlementRepository defines methods for entitlement data access.
type EntitlementRepository interface {
	// Upsert applies a reduced event in one statement. The update arm only
	// fires when the event is not older than the stored last_event_time;
	// reports whether a row was written.
	Upsert(ctx context.Context, ent *models.Entitlement) (bool, error)
	Get(ctx context.Context, orgID, userID, productID string, source models.Source) (*models.Entitlement, error)
	ListByUserProduct(ctx context.Context, orgID, userID, productID string) ([]*models.Entitlement, error)
	// ListByStatePeriodEndBetween returns entitlements in the given state
	// with current_period_end in [from, to).
	ListByStatePeriodEndBetween(ctx context.Context, orgID string, state models.EntitlementState, from, to time.Time, limit int) ([]*models.Entitlement, error)
	ListInactiveFamily(ctx context.Context, orgID string, limit int) ([]*models.Entitlement, error)
	ListTrialsEndedBefore(ctx context.Context, orgID string, cutoff time.Time, limit int) ([]*models.Entitlement, error)
	// ListStale returns active-family entitlements whose last event predates
	// lastEventBefore and whose period end predates periodEndBefore.
	ListStale(ctx context.Context, orgID string, lastEventBefore, periodEndBefore time.Time, limit int) ([]*models.Entitlement, error)
	FreshnessBySource(ctx context.Context, orgID string, staleBefore time.Time) ([]SourceFreshness, error)
}

// IssueRepository defines methods for issue data access.
type IssueRepository interface {
	// FindOpen returns the open issue for (org, user, type), or nil.
	FindOpen(ctx context.Context, orgID, userID, issueType string) (*models.Issue, error)
	// ListOpenByType returns open issues of one type, including aggregate
	// rows with no user; detectors use it for scan-side throttling.
	ListOpenByType(ctx context.Context, orgID, issueType string) ([]*models.Issue, error)
	// Insert writes the issue; a unique violation on the open-issue index
	// surfaces as-is for the caller's race handling.
	Insert(ctx context.Context, issue *models.Issue) error
	GetByID(ctx context.Context, orgID, id string) (*models.Issue, error)
	UpdateStatus(ctx context.Context, orgID, id string, status models.IssueStatus, resolution string, resolvedAt *time.Time) (*models.Issue, error)
}

// AccessCheckRepository defines methods for client access telemetry.
type AccessCheckRepository interface {
	Insert(ctx context.Context, check *models.AccessCheck) error
	// HasAny reports whether the org has ever submitted telemetry;
	// verification detectors short-circuit on false.
	HasAny(ctx context.Context, orgID string) (bool, error)
	// LatestPerUserProduct returns the newest check per (user, product).
	LatestPerUserProduct(ctx context.Context, orgID string, limit int) ([]*models.AccessCheck, error)
}

// AlertConfigRepository defines methods for alert configuration access.
type AlertConfigRepository interface {
	Create(ctx context.Context, cfg *models.AlertConfig) error
	// GetByID reloads a config at delivery time so secrets never ride
	// through the queue.
	GetByID(ctx context.Context, id string) (*models.AlertConfig, error)
	ListActiveByOrg(ctx context.Context, orgID string) ([]*models.AlertConfig, error)
	List(ctx context.Context) ([]*models.AlertConfig, error)
	UpdateSecret(ctx context.Context, id, secret string) error
}

// DeliveryLogRepository defines methods for alert delivery logs.
type DeliveryLogRepository interface {
	Insert(ctx context.Context, log *models.AlertDeliveryLog) error
	ListByIssue(ctx context.Context, issueID string) ([]*models.AlertDeliveryLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Repositories holds all repository instances.
type Repositories struct {
	Organization OrganizationRepository
	Connection   ConnectionRepository
	WebhookLog   WebhookLogRepository
	Event        EventRepository
	User         UserRepository
	Identity     IdentityRepository
	Entitlement  EntitlementRepository
	Issue        IssueRepository
	AccessCheck  AccessCheckRepository
	AlertConfig  AlertConfigRepository
	DeliveryLog  DeliveryLogRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Organization: NewPostgresOrganizationRepository(db),
		Connection:   NewPostgresConnectionRepository(db),
		WebhookLog:   NewPostgresWebhookLogRepository(db),
		Event:        NewPostgresEventRepository(db),
		User:         NewPostgresUserRepository(db),
		Identity:     NewPostgresIdentityRepository(db),
		Entitlement:  NewPostgresEntitlementRepository(db),
		Issue:        NewPostgresIssueRepository(db),
		AccessCheck:  NewPostgresAccessCheckRepository(db),
		AlertConfig:  NewPostgresAlertConfigRepository(db),
		DeliveryLog:  NewPostgresDeliveryLogRepository(db),
	}
}
