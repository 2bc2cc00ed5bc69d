package normalizer

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// StripeNormalizer translates Stripe webhook events.
type StripeNormalizer struct {
	logger *slog.Logger
}

// NewStripeNormalizer creates a Stripe normalizer.
func NewStripeNormalizer(logger *slog.Logger) *StripeNormalizer {
	return &StripeNormalizer{logger: logger}
}

func (n *StripeNormalizer) Source() models.Source {
	return models.SourceStripe
}

// VerifySignature checks the Stripe-Signature header (HMAC-SHA256 over
// "<timestamp>.<body>" with the default 5 minute tolerance).
func (n *StripeNormalizer) VerifySignature(headers http.Header, body []byte, creds Credentials) error {
	if creds.WebhookSecret == "" {
		return apperr.E(apperr.KindSignatureVerification, "stripe connection has no webhook secret")
	}
	sigHeader := headers.Get("Stripe-Signature")
	if sigHeader == "" {
		return apperr.E(apperr.KindSignatureVerification, "missing Stripe-Signature header")
	}
	// Customer accounts pin their own Stripe API versions, so a version
	// mismatch with the SDK is expected and not a verification failure.
	_, err := webhook.ConstructEventWithOptions(body, sigHeader, creds.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return apperr.Wrap(apperr.KindSignatureVerification, "stripe signature verification failed", err)
	}
	return nil
}

// Normalize maps a verified Stripe event onto canonical events. One Stripe
// webhook carries exactly one event; unknown types yield an empty slice.
func (n *StripeNormalizer) Normalize(orgID string, body []byte) ([]Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse stripe event", err)
	}
	eventTime := time.Unix(event.Created, 0).UTC()

	base := models.CanonicalEvent{
		OrgID:           orgID,
		Source:          models.SourceStripe,
		ExternalEventID: event.ID,
		Status:          models.EventStatusSuccess,
		EventTime:       eventTime,
	}

	switch event.Type {
	case "customer.subscription.created":
		return n.normalizeSubscriptionCreated(base, event)
	case "customer.subscription.updated":
		return n.normalizeSubscriptionUpdated(base, event)
	case "customer.subscription.deleted":
		return n.normalizeSubscription(base, event, models.EventTypeExpiration)
	case "invoice.payment_succeeded":
		return n.normalizeInvoice(base, event, models.EventTypeRenewal, models.EventStatusSuccess)
	case "invoice.payment_failed":
		return n.normalizeInvoice(base, event, models.EventTypeBillingRetry, models.EventStatusFailed)
	case "charge.refunded":
		return n.normalizeCharge(base, event, models.EventTypeRefund)
	case "charge.dispute.created":
		return n.normalizeDispute(base, event)
	default:
		n.logger.Debug("discarding unhandled stripe event type", "type", event.Type, "event_id", event.ID)
		return nil, nil
	}
}

func (n *StripeNormalizer) normalizeSubscriptionCreated(base models.CanonicalEvent, event stripe.Event) ([]Event, error) {
	sub, err := parseStripeSubscription(event)
	if err != nil {
		return nil, err
	}

	base.EventType = models.EventTypePurchase
	if sub.Status == stripe.SubscriptionStatusTrialing {
		base.EventType = models.EventTypeTrialStart
	}
	fillFromStripeSubscription(&base, sub)
	return []Event{{Canonical: base, Hints: stripeSubscriptionHints(sub)}}, nil
}

// normalizeSubscriptionUpdated disambiguates updates using the event's
// previous_attributes: a trial that went active is a conversion, a newly
// set cancel_at_period_end is a cancellation, a rolled period is a renewal.
// Anything else is noise and dropped.
func (n *StripeNormalizer) normalizeSubscriptionUpdated(base models.CanonicalEvent, event stripe.Event) ([]Event, error) {
	sub, err := parseStripeSubscription(event)
	if err != nil {
		return nil, err
	}
	prev := event.Data.PreviousAttributes

	switch {
	case prev["status"] == "trialing" && sub.Status == stripe.SubscriptionStatusActive:
		base.EventType = models.EventTypeTrialConversion
	case prev["cancel_at_period_end"] == false && sub.CancelAtPeriodEnd:
		base.EventType = models.EventTypeCancellation
	case prevHasKey(prev, "current_period_end") && sub.Status == stripe.SubscriptionStatusActive:
		base.EventType = models.EventTypeRenewal
	default:
		n.logger.Debug("discarding uninteresting stripe subscription update",
			"subscription_id", sub.ID, "event_id", base.ExternalEventID)
		return nil, nil
	}

	fillFromStripeSubscription(&base, sub)
	return []Event{{Canonical: base, Hints: stripeSubscriptionHints(sub)}}, nil
}

func (n *StripeNormalizer) normalizeSubscription(base models.CanonicalEvent, event stripe.Event, eventType models.EventType) ([]Event, error) {
	sub, err := parseStripeSubscription(event)
	if err != nil {
		return nil, err
	}
	base.EventType = eventType
	fillFromStripeSubscription(&base, sub)
	return []Event{{Canonical: base, Hints: stripeSubscriptionHints(sub)}}, nil
}

func (n *StripeNormalizer) normalizeInvoice(base models.CanonicalEvent, event stripe.Event, eventType models.EventType, status models.EventStatus) ([]Event, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse stripe invoice", err)
	}
	// Invoices unrelated to a subscription (one-off charges) say nothing
	// about entitlements.
	if invoice.Subscription == nil {
		n.logger.Debug("discarding non-subscription stripe invoice", "invoice_id", invoice.ID)
		return nil, nil
	}

	base.EventType = eventType
	base.Status = status
	base.AmountCents = invoice.AmountPaid
	if status == models.EventStatusFailed {
		base.AmountCents = invoice.AmountDue
	}
	base.Currency = string(invoice.Currency)
	base.ExternalSubscriptionID = invoice.Subscription.ID

	if lines := invoice.Lines; lines != nil && len(lines.Data) > 0 {
		line := lines.Data[0]
		if line.Price != nil {
			base.ProductID = stripeProductID(line.Price)
		}
		if line.Period != nil {
			base.PeriodStart = unixPtr(line.Period.Start)
			base.PeriodEnd = unixPtr(line.Period.End)
		}
	}

	hints := []models.IdentityHint{}
	if invoice.Customer != nil && invoice.Customer.ID != "" {
		hints = append(hints, stripeHint(models.IdentityTypeCustomerID, invoice.Customer.ID))
	}
	hints = append(hints, stripeHint(models.IdentityTypeSubscriptionID, invoice.Subscription.ID))
	if invoice.CustomerEmail != "" {
		hints = append(hints, stripeHint(models.IdentityTypeEmail, invoice.CustomerEmail))
	}
	return []Event{{Canonical: base, Hints: hints}}, nil
}

func (n *StripeNormalizer) normalizeCharge(base models.CanonicalEvent, event stripe.Event, eventType models.EventType) ([]Event, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse stripe charge", err)
	}

	base.EventType = eventType
	base.AmountCents = charge.AmountRefunded
	base.Currency = string(charge.Currency)

	var hints []models.IdentityHint
	if charge.Customer != nil && charge.Customer.ID != "" {
		hints = append(hints, stripeHint(models.IdentityTypeCustomerID, charge.Customer.ID))
	}
	if charge.BillingDetails != nil && charge.BillingDetails.Email != "" {
		hints = append(hints, stripeHint(models.IdentityTypeEmail, charge.BillingDetails.Email))
	}
	return []Event{{Canonical: base, Hints: hints}}, nil
}

func (n *StripeNormalizer) normalizeDispute(base models.CanonicalEvent, event stripe.Event) ([]Event, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse stripe dispute", err)
	}

	base.EventType = models.EventTypeChargeback
	base.AmountCents = dispute.Amount
	base.Currency = string(dispute.Currency)

	var hints []models.IdentityHint
	if dispute.Charge != nil && dispute.Charge.Customer != nil && dispute.Charge.Customer.ID != "" {
		hints = append(hints, stripeHint(models.IdentityTypeCustomerID, dispute.Charge.Customer.ID))
	}
	return []Event{{Canonical: base, Hints: hints}}, nil
}

func parseStripeSubscription(event stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse stripe subscription", err)
	}
	return &sub, nil
}

func fillFromStripeSubscription(ev *models.CanonicalEvent, sub *stripe.Subscription) {
	ev.ExternalSubscriptionID = sub.ID
	ev.PeriodStart = unixPtr(sub.CurrentPeriodStart)
	ev.PeriodEnd = unixPtr(sub.CurrentPeriodEnd)
	ev.TrialEnd = unixPtr(sub.TrialEnd)
	ev.Currency = string(sub.Currency)

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ev.ProductID = stripeProductID(item.Price)
			if item.Price.UnitAmount > 0 {
				ev.AmountCents = item.Price.UnitAmount
			}
		}
	}
}

func stripeSubscriptionHints(sub *stripe.Subscription) []models.IdentityHint {
	var hints []models.IdentityHint
	if sub.Customer != nil && sub.Customer.ID != "" {
		hints = append(hints, stripeHint(models.IdentityTypeCustomerID, sub.Customer.ID))
	}
	hints = append(hints, stripeHint(models.IdentityTypeSubscriptionID, sub.ID))
	if sub.Customer != nil && sub.Customer.Email != "" {
		hints = append(hints, stripeHint(models.IdentityTypeEmail, sub.Customer.Email))
	}
	return hints
}

func stripeHint(idType models.IdentityType, externalID string) models.IdentityHint {
	return models.IdentityHint{Source: models.SourceStripe, IDType: idType, ExternalID: externalID}
}

// stripeProductID prefers the product behind the price; prices move, the
// product is the stable entitlement key.
func stripeProductID(price *stripe.Price) string {
	if price.Product != nil && price.Product.ID != "" {
		return price.Product.ID
	}
	return price.ID
}

func prevHasKey(prev map[string]any, key string) bool {
	_, ok := prev[key]
	return ok
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
