package normalizer

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// RecurlyNormalizer translates Recurly webhooks, signed with the
// standard-webhooks scheme (svix-id / svix-timestamp / svix-signature).
type RecurlyNormalizer struct {
	logger *slog.Logger
}

// NewRecurlyNormalizer creates a Recurly normalizer.
func NewRecurlyNormalizer(logger *slog.Logger) *RecurlyNormalizer {
	return &RecurlyNormalizer{logger: logger}
}

func (n *RecurlyNormalizer) Source() models.Source {
	return models.SourceRecurly
}

type recurlyWebhook struct {
	ID         string      `json:"id"`
	EventType  string      `json:"event_type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       recurlyData `json:"data"`
}

type recurlyData struct {
	ID      string `json:"id"`
	Account struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	Plan struct {
		Code string `json:"code"`
	} `json:"plan"`
	// invoice and dispute events reference the subscription indirectly
	SubscriptionID         string     `json:"subscription_id,omitempty"`
	CurrentPeriodStartedAt *time.Time `json:"current_period_started_at,omitempty"`
	CurrentPeriodEndsAt    *time.Time `json:"current_period_ends_at,omitempty"`
	TrialEndsAt            *time.Time `json:"trial_ends_at,omitempty"`
	UnitAmount             float64    `json:"unit_amount,omitempty"` // dollars
	Currency               string     `json:"currency,omitempty"`
}

func (d recurlyData) subscriptionID() string {
	if d.SubscriptionID != "" {
		return d.SubscriptionID
	}
	return d.ID
}

func (n *RecurlyNormalizer) VerifySignature(headers http.Header, body []byte, creds Credentials) error {
	if creds.WebhookSecret == "" {
		return apperr.E(apperr.KindSignatureVerification, "recurly connection has no webhook secret")
	}
	wh, err := svix.NewWebhook(creds.WebhookSecret)
	if err != nil {
		return apperr.Wrap(apperr.KindSignatureVerification, "create webhook verifier", err)
	}
	if err := wh.Verify(body, headers); err != nil {
		return apperr.Wrap(apperr.KindSignatureVerification, "recurly signature verification failed", err)
	}
	return nil
}

func (n *RecurlyNormalizer) Normalize(orgID string, body []byte) ([]Event, error) {
	var hook recurlyWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse recurly webhook", err)
	}

	ev := models.CanonicalEvent{
		OrgID:                  orgID,
		Source:                 models.SourceRecurly,
		ExternalEventID:        hook.ID,
		Status:                 models.EventStatusSuccess,
		EventTime:              hook.OccurredAt.UTC(),
		ProductID:              hook.Data.Plan.Code,
		ExternalSubscriptionID: hook.Data.subscriptionID(),
		PeriodStart:            hook.Data.CurrentPeriodStartedAt,
		PeriodEnd:              hook.Data.CurrentPeriodEndsAt,
		TrialEnd:               hook.Data.TrialEndsAt,
		AmountCents:            dollarsToCents(hook.Data.UnitAmount),
		Currency:               hook.Data.Currency,
	}

	switch hook.EventType {
	case "subscription.created", "subscription.activated":
		ev.EventType = models.EventTypePurchase
		if hook.Data.TrialEndsAt != nil && hook.Data.TrialEndsAt.After(hook.OccurredAt) {
			ev.EventType = models.EventTypeTrialStart
		}
	case "subscription.renewed":
		ev.EventType = models.EventTypeRenewal
	case "subscription.canceled", "subscription.paused":
		ev.EventType = models.EventTypeCancellation
	case "subscription.expired":
		ev.EventType = models.EventTypeExpiration
	case "invoice.payment_failed":
		ev.EventType = models.EventTypeBillingRetry
		ev.Status = models.EventStatusFailed
	case "invoice.refunded", "credit_payment.created":
		ev.EventType = models.EventTypeRefund
	case "dispute.created":
		ev.EventType = models.EventTypeChargeback
	default:
		n.logger.Debug("discarding unhandled recurly event type", "type", hook.EventType, "event_id", hook.ID)
		return nil, nil
	}

	var hints []models.IdentityHint
	if hook.Data.Account.Code != "" {
		hints = append(hints, recurlyHint(models.IdentityTypeAccountCode, hook.Data.Account.Code))
	}
	if sub := hook.Data.subscriptionID(); sub != "" {
		hints = append(hints, recurlyHint(models.IdentityTypeSubscriptionID, sub))
	}
	if hook.Data.Account.Email != "" {
		hints = append(hints, recurlyHint(models.IdentityTypeEmail, hook.Data.Account.Email))
	}
	return []Event{{Canonical: ev, Hints: hints}}, nil
}

func recurlyHint(idType models.IdentityType, externalID string) models.IdentityHint {
	return models.IdentityHint{Source: models.SourceRecurly, IDType: idType, ExternalID: externalID}
}

func dollarsToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
