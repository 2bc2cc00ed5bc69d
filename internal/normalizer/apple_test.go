package normalizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// appleTestChain generates a root CA and a leaf signing certificate issued
// by it, mirroring the x5c chain Apple ships in its notifications.
func appleTestChain(t *testing.T) (rootPEM string, leafKey *ecdsa.PrivateKey, leafB64 string) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	rootTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTpl, rootTpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root certificate: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root certificate: %v", err)
	}

	leafKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Notification Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}

	rootPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}))
	leafB64 = base64.StdEncoding.EncodeToString(leafDER)
	return rootPEM, leafKey, leafB64
}

// signApplePayload produces a JWS with the leaf certificate in its x5c
// header, the way App Store Server Notifications arrive.
func signApplePayload(t *testing.T, leafKey *ecdsa.PrivateKey, leafB64 string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = []string{leafB64}
	signed, err := token.SignedString(leafKey)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return signed
}

func appleEnvelopeBody(t *testing.T, signedPayload string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"signedPayload": signedPayload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestAppleVerifySignature(t *testing.T) {
	n := NewAppleNormalizer(testLogger())
	rootPEM, leafKey, leafB64 := appleTestChain(t)

	signed := signApplePayload(t, leafKey, leafB64, jwt.MapClaims{
		"notificationType": "DID_RENEW",
		"notificationUUID": "uuid-1",
		"signedDate":       1700000000000,
	})
	body := appleEnvelopeBody(t, signed)

	t.Run("valid chain and signature", func(t *testing.T) {
		err := n.VerifySignature(http.Header{}, body, Credentials{RootCAPEM: rootPEM})
		if err != nil {
			t.Errorf("VerifySignature() error = %v", err)
		}
	})

	t.Run("no root CA fails closed", func(t *testing.T) {
		err := n.VerifySignature(http.Header{}, body, Credentials{})
		if apperr.KindOf(err) != apperr.KindSignatureVerification {
			t.Errorf("VerifySignature() kind = %v, want %v", apperr.KindOf(err), apperr.KindSignatureVerification)
		}
	})

	t.Run("wrong root CA", func(t *testing.T) {
		otherRoot, _, _ := appleTestChain(t)
		err := n.VerifySignature(http.Header{}, body, Credentials{RootCAPEM: otherRoot})
		if apperr.KindOf(err) != apperr.KindSignatureVerification {
			t.Errorf("VerifySignature() kind = %v, want %v", apperr.KindOf(err), apperr.KindSignatureVerification)
		}
	})

	t.Run("corrupted signature", func(t *testing.T) {
		corrupted := signed[:len(signed)-4] + "AAAA"
		err := n.VerifySignature(http.Header{}, appleEnvelopeBody(t, corrupted), Credentials{RootCAPEM: rootPEM})
		if err == nil {
			t.Error("VerifySignature() expected error for corrupted signature")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		err := n.VerifySignature(http.Header{}, []byte(`not json`), Credentials{RootCAPEM: rootPEM})
		if err == nil {
			t.Error("VerifySignature() expected error for malformed body")
		}
	})
}

func TestAppleNormalize(t *testing.T) {
	n := NewAppleNormalizer(testLogger())
	_, leafKey, leafB64 := appleTestChain(t)

	txJWS := signApplePayload(t, leafKey, leafB64, jwt.MapClaims{
		"originalTransactionId": "100000001",
		"transactionId":         "100000005",
		"productId":             "premium_monthly",
		"purchaseDate":          1700000000000,
		"expiresDate":           1702592000000,
		"appAccountToken":       "app-user-7",
		"price":                 9990,
		"currency":              "USD",
	})

	newBody := func(notificationType, subtype string) []byte {
		signed := signApplePayload(t, leafKey, leafB64, jwt.MapClaims{
			"notificationType": notificationType,
			"subtype":          subtype,
			"notificationUUID": "uuid-42",
			"signedDate":       1700000100000,
			"data":             map[string]any{"signedTransactionInfo": txJWS},
		})
		return appleEnvelopeBody(t, signed)
	}

	tests := []struct {
		name       string
		noteType   string
		subtype    string
		wantType   models.EventType
		wantStatus models.EventStatus
		wantGrace  bool
		wantDrop   bool
	}{
		{"subscribed", "SUBSCRIBED", "INITIAL_BUY", models.EventTypePurchase, models.EventStatusSuccess, false, false},
		{"renewed", "DID_RENEW", "", models.EventTypeRenewal, models.EventStatusSuccess, false, false},
		{"failed to renew", "DID_FAIL_TO_RENEW", "", models.EventTypeBillingRetry, models.EventStatusFailed, false, false},
		{"failed to renew in grace", "DID_FAIL_TO_RENEW", "GRACE_PERIOD", models.EventTypeBillingRetry, models.EventStatusFailed, true, false},
		{"auto renew disabled", "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", models.EventTypeCancellation, models.EventStatusSuccess, false, false},
		{"auto renew re-enabled dropped", "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", "", "", false, true},
		{"expired", "EXPIRED", "VOLUNTARY", models.EventTypeExpiration, models.EventStatusSuccess, false, false},
		{"refund", "REFUND", "", models.EventTypeRefund, models.EventStatusSuccess, false, false},
		{"revoke", "REVOKE", "", models.EventTypeChargeback, models.EventStatusSuccess, false, false},
		{"unknown type dropped", "CONSUMPTION_REQUEST", "", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := n.Normalize("org-1", newBody(tt.noteType, tt.subtype))
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if tt.wantDrop {
				if len(events) != 0 {
					t.Fatalf("Normalize() returned %d events, want 0", len(events))
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("Normalize() returned %d events, want 1", len(events))
			}

			ev := events[0].Canonical
			if ev.EventType != tt.wantType {
				t.Errorf("EventType = %v, want %v", ev.EventType, tt.wantType)
			}
			if ev.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", ev.Status, tt.wantStatus)
			}
			if ev.GracePeriod != tt.wantGrace {
				t.Errorf("GracePeriod = %v, want %v", ev.GracePeriod, tt.wantGrace)
			}
			if ev.ExternalEventID != "uuid-42" {
				t.Errorf("ExternalEventID = %q, want uuid-42", ev.ExternalEventID)
			}
			if ev.ProductID != "premium_monthly" {
				t.Errorf("ProductID = %q, want premium_monthly", ev.ProductID)
			}
			if ev.AmountCents != 999 {
				t.Errorf("AmountCents = %d, want 999 (milliunits scaled)", ev.AmountCents)
			}
			if ev.PeriodEnd == nil {
				t.Error("PeriodEnd = nil, want set from expiresDate")
			}

			hints := events[0].Hints
			if !hasHint(hints, models.IdentityTypeOriginalTransactionID, "100000001") {
				t.Errorf("hints missing original_transaction_id: %+v", hints)
			}
			if !hasHint(hints, models.IdentityTypeAppUserID, "app-user-7") {
				t.Errorf("hints missing app_user_id: %+v", hints)
			}
		})
	}
}

func TestAppleNormalizeMalformed(t *testing.T) {
	n := NewAppleNormalizer(testLogger())

	if _, err := n.Normalize("org-1", []byte(`not json`)); err == nil {
		t.Error("Normalize() expected error for malformed body")
	}
	if _, err := n.Normalize("org-1", []byte(`{"signedPayload":"only.two"}`)); err == nil {
		t.Error("Normalize() expected error for malformed JWS")
	}
}
