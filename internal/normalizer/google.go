package normalizer

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// GoogleNormalizer handles Play real-time developer notifications delivered
// as Pub/Sub push messages. Authentication is a shared push token: the
// ingress handler copies the endpoint's token query parameter into the
// X-Push-Token header, and it must match the connection's configured token.
type GoogleNormalizer struct {
	logger *slog.Logger
}

// NewGoogleNormalizer creates a Google Play normalizer.
func NewGoogleNormalizer(logger *slog.Logger) *GoogleNormalizer {
	return &GoogleNormalizer{logger: logger}
}

func (n *GoogleNormalizer) Source() models.Source {
	return models.SourceGoogle
}

// pushTokenHeader carries the push endpoint token copied from the query
// string by the ingress handler.
const pushTokenHeader = "X-Push-Token"

// Play subscription notification types.
const (
	googleSubRecovered     = 1
	googleSubRenewed       = 2
	googleSubCanceled      = 3
	googleSubPurchased     = 4
	googleSubOnHold        = 5
	googleSubInGracePeriod = 6
	googleSubRestarted     = 7
	googleSubRevoked       = 12
	googleSubExpired       = 13
)

type googlePushEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64 DeveloperNotification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type googleDeveloperNotification struct {
	Version                  string      `json:"version"`
	PackageName              string      `json:"packageName"`
	EventTimeMillis          json.Number `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
	} `json:"voidedPurchaseNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// VerifySignature compares the shared push token in constant time.
func (n *GoogleNormalizer) VerifySignature(headers http.Header, body []byte, creds Credentials) error {
	if creds.PushToken == "" {
		return apperr.E(apperr.KindSignatureVerification, "google connection has no push token configured")
	}
	got := headers.Get(pushTokenHeader)
	if got == "" {
		return apperr.E(apperr.KindSignatureVerification, "missing push token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(creds.PushToken)) != 1 {
		return apperr.E(apperr.KindSignatureVerification, "push token mismatch")
	}
	return nil
}

func (n *GoogleNormalizer) Normalize(orgID string, body []byte) ([]Event, error) {
	var env googlePushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse google push envelope", err)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode google notification data", err)
	}
	var note googleDeveloperNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse google developer notification", err)
	}

	eventTime := time.Now().UTC()
	if ms, err := note.EventTimeMillis.Int64(); err == nil && ms > 0 {
		eventTime = time.UnixMilli(ms).UTC()
	}

	ev := models.CanonicalEvent{
		OrgID:           orgID,
		Source:          models.SourceGoogle,
		ExternalEventID: env.Message.MessageID,
		Status:          models.EventStatusSuccess,
		EventTime:       eventTime,
	}

	switch {
	case note.TestNotification != nil:
		n.logger.Debug("discarding google test notification", "message_id", env.Message.MessageID)
		return nil, nil

	case note.VoidedPurchaseNotification != nil:
		ev.EventType = models.EventTypeRefund
		ev.ExternalSubscriptionID = note.VoidedPurchaseNotification.PurchaseToken
		return []Event{{Canonical: ev, Hints: googleHints(note.VoidedPurchaseNotification.PurchaseToken)}}, nil

	case note.SubscriptionNotification != nil:
		sub := note.SubscriptionNotification
		switch sub.NotificationType {
		case googleSubPurchased, googleSubRestarted:
			ev.EventType = models.EventTypePurchase
		case googleSubRecovered, googleSubRenewed:
			ev.EventType = models.EventTypeRenewal
		case googleSubCanceled:
			ev.EventType = models.EventTypeCancellation
		case googleSubOnHold:
			ev.EventType = models.EventTypeBillingRetry
			ev.Status = models.EventStatusFailed
		case googleSubInGracePeriod:
			ev.EventType = models.EventTypeBillingRetry
			ev.Status = models.EventStatusFailed
			ev.GracePeriod = true
		case googleSubRevoked:
			ev.EventType = models.EventTypeChargeback
		case googleSubExpired:
			ev.EventType = models.EventTypeExpiration
		default:
			n.logger.Debug("discarding unhandled google notification type",
				"type", sub.NotificationType, "message_id", env.Message.MessageID)
			return nil, nil
		}
		ev.ProductID = sub.SubscriptionID
		ev.ExternalSubscriptionID = sub.PurchaseToken
		return []Event{{Canonical: ev, Hints: googleHints(sub.PurchaseToken)}}, nil

	default:
		n.logger.Debug("discarding google notification with no payload", "message_id", env.Message.MessageID)
		return nil, nil
	}
}

// googleHints builds the purchase-token hint. Play's subscriptionId names
// the product, not the user, so it is never a hint.
func googleHints(purchaseToken string) []models.IdentityHint {
	if purchaseToken == "" {
		return nil
	}
	return []models.IdentityHint{{
		Source:     models.SourceGoogle,
		IDType:     models.IdentityTypePurchaseToken,
		ExternalID: purchaseToken,
	}}
}
