package normalizer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// googlePushBody wraps a developer notification in the Pub/Sub push envelope.
func googlePushBody(t *testing.T, messageID string, notification any) []byte {
	t.Helper()
	raw, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(raw),
			"messageId": messageID,
		},
		"subscription": "projects/test/subscriptions/rtdn",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestGoogleVerifySignature(t *testing.T) {
	n := NewGoogleNormalizer(testLogger())
	body := []byte(`{}`)

	tests := []struct {
		name    string
		token   string
		header  string
		wantErr bool
	}{
		{"matching token", "tok-123", "tok-123", false},
		{"mismatched token", "tok-123", "tok-456", true},
		{"missing header", "tok-123", "", true},
		{"no configured token fails closed", "", "tok-123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.header != "" {
				headers.Set(pushTokenHeader, tt.header)
			}
			err := n.VerifySignature(headers, body, Credentials{PushToken: tt.token})
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && apperr.KindOf(err) != apperr.KindSignatureVerification {
				t.Errorf("VerifySignature() kind = %v, want %v", apperr.KindOf(err), apperr.KindSignatureVerification)
			}
		})
	}
}

func TestGoogleNormalizeSubscriptionNotifications(t *testing.T) {
	n := NewGoogleNormalizer(testLogger())

	tests := []struct {
		name       string
		noteType   int
		wantType   models.EventType
		wantStatus models.EventStatus
		wantGrace  bool
		wantDrop   bool
	}{
		{"purchased", googleSubPurchased, models.EventTypePurchase, models.EventStatusSuccess, false, false},
		{"restarted", googleSubRestarted, models.EventTypePurchase, models.EventStatusSuccess, false, false},
		{"recovered", googleSubRecovered, models.EventTypeRenewal, models.EventStatusSuccess, false, false},
		{"renewed", googleSubRenewed, models.EventTypeRenewal, models.EventStatusSuccess, false, false},
		{"canceled", googleSubCanceled, models.EventTypeCancellation, models.EventStatusSuccess, false, false},
		{"on hold", googleSubOnHold, models.EventTypeBillingRetry, models.EventStatusFailed, false, false},
		{"in grace period", googleSubInGracePeriod, models.EventTypeBillingRetry, models.EventStatusFailed, true, false},
		{"revoked", googleSubRevoked, models.EventTypeChargeback, models.EventStatusSuccess, false, false},
		{"expired", googleSubExpired, models.EventTypeExpiration, models.EventStatusSuccess, false, false},
		{"price change dropped", 8, "", "", false, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messageID := fmt.Sprintf("msg-%d", i)
			body := googlePushBody(t, messageID, map[string]any{
				"version":         "1.0",
				"packageName":     "com.example.app",
				"eventTimeMillis": "1700000000000",
				"subscriptionNotification": map[string]any{
					"notificationType": tt.noteType,
					"purchaseToken":    "token-abc",
					"subscriptionId":   "premium_monthly",
				},
			})

			events, err := n.Normalize("org-1", body)
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
			if ev.ExternalEventID != messageID {
				t.Errorf("ExternalEventID = %q, want %q", ev.ExternalEventID, messageID)
			}
			if ev.ProductID != "premium_monthly" {
				t.Errorf("ProductID = %q, want premium_monthly", ev.ProductID)
			}
			if ev.ExternalSubscriptionID != "token-abc" {
				t.Errorf("ExternalSubscriptionID = %q, want token-abc", ev.ExternalSubscriptionID)
			}

			hints := events[0].Hints
			if len(hints) != 1 || !hasHint(hints, models.IdentityTypePurchaseToken, "token-abc") {
				t.Errorf("hints = %+v, want only purchase_token token-abc", hints)
			}
		})
	}
}

func TestGoogleNormalizeVoidedPurchase(t *testing.T) {
	n := NewGoogleNormalizer(testLogger())
	body := googlePushBody(t, "msg-void", map[string]any{
		"version":         "1.0",
		"packageName":     "com.example.app",
		"eventTimeMillis": "1700000000000",
		"voidedPurchaseNotification": map[string]any{
			"purchaseToken": "token-abc",
			"orderId":       "GPA.1234",
		},
	})

	events, err := n.Normalize("org-1", body)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Normalize() returned %d events, want 1", len(events))
	}
	if got := events[0].Canonical.EventType; got != models.EventTypeRefund {
		t.Errorf("EventType = %v, want refund", got)
	}
}

func TestGoogleNormalizeTestNotificationDropped(t *testing.T) {
	n := NewGoogleNormalizer(testLogger())
	body := googlePushBody(t, "msg-test", map[string]any{
		"version":          "1.0",
		"packageName":      "com.example.app",
		"eventTimeMillis":  "1700000000000",
		"testNotification": map[string]any{"version": "1.0"},
	})

	events, err := n.Normalize("org-1", body)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Normalize() returned %d events, want 0", len(events))
	}
}

func TestGoogleNormalizeMalformed(t *testing.T) {
	n := NewGoogleNormalizer(testLogger())

	if _, err := n.Normalize("org-1", []byte(`not json`)); err == nil {
		t.Error("Normalize() expected error for malformed envelope")
	}

	body := []byte(`{"message":{"data":"!!!not base64!!!","messageId":"m1"}}`)
	if _, err := n.Normalize("org-1", body); err == nil {
		t.Error("Normalize() expected error for undecodable data")
	}
}
