package normalizer

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// AppleNormalizer handles App Store Server Notifications V2. The body is a
// JSON envelope holding one JWS; the x5c certificate chain in its header is
// verified against the root CA configured on the billing connection.
type AppleNormalizer struct {
	logger *slog.Logger
}

// NewAppleNormalizer creates an Apple normalizer.
func NewAppleNormalizer(logger *slog.Logger) *AppleNormalizer {
	return &AppleNormalizer{logger: logger}
}

func (n *AppleNormalizer) Source() models.Source {
	return models.SourceApple
}

type appleEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

type appleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // ms since epoch
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

type appleTransaction struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"` // ms since epoch
	ExpiresDate           int64  `json:"expiresDate"`  // ms since epoch
	AppAccountToken       string `json:"appAccountToken"`
	Price                 int64  `json:"price"` // milliunits of Currency
	Currency              string `json:"currency"`
}

// VerifySignature validates the envelope's JWS: the x5c chain must verify
// against the connection's root CA and the ES256 signature must verify with
// the leaf key. No configured root CA means every notification is rejected.
func (n *AppleNormalizer) VerifySignature(headers http.Header, body []byte, creds Credentials) error {
	if creds.RootCAPEM == "" {
		return apperr.E(apperr.KindSignatureVerification, "apple connection has no root CA configured")
	}

	var env appleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperr.Wrap(apperr.KindSignatureVerification, "parse apple envelope", err)
	}
	if env.SignedPayload == "" {
		return apperr.E(apperr.KindSignatureVerification, "apple envelope has no signedPayload")
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(creds.RootCAPEM)) {
		return apperr.E(apperr.KindSignatureVerification, "apple connection root CA PEM contains no certificates")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	_, err := parser.Parse(env.SignedPayload, func(token *jwt.Token) (any, error) {
		leaf, intermediates, err := parseX5CChain(token.Header)
		if err != nil {
			return nil, err
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			// Signing certificates do not carry the server-auth EKU the
			// zero value would demand.
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return nil, fmt.Errorf("verify certificate chain: %w", err)
		}
		return leaf.PublicKey, nil
	})
	if err != nil {
		return apperr.Wrap(apperr.KindSignatureVerification, "apple JWS verification failed", err)
	}
	return nil
}

// Normalize maps a verified notification onto canonical events. The
// transaction info rides inside the already-authenticated envelope, so its
// payload segment is decoded without a second signature check.
func (n *AppleNormalizer) Normalize(orgID string, body []byte) ([]Event, error) {
	var env appleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse apple envelope", err)
	}

	payload, err := decodeJWSPayload(env.SignedPayload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode apple notification payload", err)
	}
	var note appleNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse apple notification", err)
	}

	ev := models.CanonicalEvent{
		OrgID:           orgID,
		Source:          models.SourceApple,
		ExternalEventID: note.NotificationUUID,
		Status:          models.EventStatusSuccess,
		EventTime:       time.UnixMilli(note.SignedDate).UTC(),
	}

	switch note.NotificationType {
	case "SUBSCRIBED":
		ev.EventType = models.EventTypePurchase
	case "DID_RENEW":
		ev.EventType = models.EventTypeRenewal
	case "DID_FAIL_TO_RENEW":
		ev.EventType = models.EventTypeBillingRetry
		ev.Status = models.EventStatusFailed
		ev.GracePeriod = note.Subtype == "GRACE_PERIOD"
	case "DID_CHANGE_RENEWAL_STATUS":
		if note.Subtype != "AUTO_RENEW_DISABLED" {
			n.logger.Debug("discarding apple renewal status change",
				"subtype", note.Subtype, "notification_uuid", note.NotificationUUID)
			return nil, nil
		}
		ev.EventType = models.EventTypeCancellation
	case "EXPIRED":
		ev.EventType = models.EventTypeExpiration
	case "REFUND":
		ev.EventType = models.EventTypeRefund
	case "REVOKE":
		ev.EventType = models.EventTypeChargeback
	default:
		n.logger.Debug("discarding unhandled apple notification type",
			"type", note.NotificationType, "notification_uuid", note.NotificationUUID)
		return nil, nil
	}

	var hints []models.IdentityHint
	if note.Data.SignedTransactionInfo != "" {
		txPayload, err := decodeJWSPayload(note.Data.SignedTransactionInfo)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode apple transaction payload", err)
		}
		var tx appleTransaction
		if err := json.Unmarshal(txPayload, &tx); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "parse apple transaction", err)
		}

		ev.ProductID = tx.ProductID
		ev.ExternalSubscriptionID = tx.OriginalTransactionID
		ev.PeriodStart = milliPtr(tx.PurchaseDate)
		ev.PeriodEnd = milliPtr(tx.ExpiresDate)
		if tx.Price > 0 {
			// Apple reports price in milliunits.
			ev.AmountCents = tx.Price / 10
			ev.Currency = tx.Currency
		}

		if tx.OriginalTransactionID != "" {
			hints = append(hints, models.IdentityHint{
				Source:     models.SourceApple,
				IDType:     models.IdentityTypeOriginalTransactionID,
				ExternalID: tx.OriginalTransactionID,
			})
		}
		if tx.AppAccountToken != "" {
			hints = append(hints, models.IdentityHint{
				Source:     models.SourceApple,
				IDType:     models.IdentityTypeAppUserID,
				ExternalID: tx.AppAccountToken,
			})
		}
	}

	return []Event{{Canonical: ev, Hints: hints}}, nil
}

// parseX5CChain extracts the certificate chain from a JWS header: the first
// certificate is the signing leaf, the rest are intermediates.
func parseX5CChain(header map[string]any) (*x509.Certificate, *x509.CertPool, error) {
	raw, ok := header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, nil, errors.New("jws header has no x5c chain")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, nil, errors.New("x5c entry is not a string")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, nil, fmt.Errorf("decode x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	return certs[0], intermediates, nil
}

// decodeJWSPayload returns the decoded payload segment of a compact JWS.
func decodeJWSPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("jws has %d segments, want 3", len(parts))
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func milliPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
