package normalizer

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

const recurlyTestSecret = "whsec_C2FVsBQIhrscChlQIMV+b5sSYspob7oD"

// recurlySignedHeaders signs a payload the way the provider does.
func recurlySignedHeaders(t *testing.T, payload []byte) http.Header {
	t.Helper()
	wh, err := svix.NewWebhook(recurlyTestSecret)
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	msgID := "msg_test"
	ts := time.Now()
	sig, err := wh.Sign(msgID, ts, payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	headers := http.Header{}
	headers.Set("svix-id", msgID)
	headers.Set("svix-timestamp", fmt.Sprintf("%d", ts.Unix()))
	headers.Set("svix-signature", sig)
	return headers
}

func TestRecurlyVerifySignature(t *testing.T) {
	n := NewRecurlyNormalizer(testLogger())
	payload := []byte(`{"id":"evt_1","event_type":"subscription.created"}`)
	creds := Credentials{WebhookSecret: recurlyTestSecret}

	t.Run("valid signature", func(t *testing.T) {
		headers := recurlySignedHeaders(t, payload)
		if err := n.VerifySignature(headers, payload, creds); err != nil {
			t.Errorf("VerifySignature() error = %v", err)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		headers := recurlySignedHeaders(t, payload)
		err := n.VerifySignature(headers, []byte(`{"id":"evt_2"}`), creds)
		if apperr.KindOf(err) != apperr.KindSignatureVerification {
			t.Errorf("VerifySignature() kind = %v, want %v", apperr.KindOf(err), apperr.KindSignatureVerification)
		}
	})

	t.Run("missing headers", func(t *testing.T) {
		if err := n.VerifySignature(http.Header{}, payload, creds); err == nil {
			t.Error("VerifySignature() expected error without svix headers")
		}
	})

	t.Run("no secret fails closed", func(t *testing.T) {
		headers := recurlySignedHeaders(t, payload)
		if err := n.VerifySignature(headers, payload, Credentials{}); err == nil {
			t.Error("VerifySignature() expected error without webhook secret")
		}
	})
}

func TestRecurlyNormalize(t *testing.T) {
	n := NewRecurlyNormalizer(testLogger())

	tests := []struct {
		name       string
		eventType  string
		trialEnds  string
		wantType   models.EventType
		wantStatus models.EventStatus
		wantDrop   bool
	}{
		{"created paid", "subscription.created", "", models.EventTypePurchase, models.EventStatusSuccess, false},
		{"created with active trial", "subscription.created", "2099-01-01T00:00:00Z", models.EventTypeTrialStart, models.EventStatusSuccess, false},
		{"activated", "subscription.activated", "", models.EventTypePurchase, models.EventStatusSuccess, false},
		{"renewed", "subscription.renewed", "", models.EventTypeRenewal, models.EventStatusSuccess, false},
		{"canceled", "subscription.canceled", "", models.EventTypeCancellation, models.EventStatusSuccess, false},
		{"paused", "subscription.paused", "", models.EventTypeCancellation, models.EventStatusSuccess, false},
		{"expired", "subscription.expired", "", models.EventTypeExpiration, models.EventStatusSuccess, false},
		{"payment failed", "invoice.payment_failed", "", models.EventTypeBillingRetry, models.EventStatusFailed, false},
		{"refunded", "invoice.refunded", "", models.EventTypeRefund, models.EventStatusSuccess, false},
		{"credit payment", "credit_payment.created", "", models.EventTypeRefund, models.EventStatusSuccess, false},
		{"dispute", "dispute.created", "", models.EventTypeChargeback, models.EventStatusSuccess, false},
		{"account update dropped", "account.updated", "", "", "", true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trialField := ""
			if tt.trialEnds != "" {
				trialField = fmt.Sprintf(`"trial_ends_at": %q,`, tt.trialEnds)
			}
			payload := fmt.Sprintf(`{
				"id": "evt_%d",
				"event_type": %q,
				"occurred_at": "2026-02-01T10:00:00Z",
				"data": {
					"id": "sub-uuid-1",
					"account": {"code": "acct-42", "email": "jo@example.com"},
					"plan": {"code": "pro-monthly"},
					%s
					"current_period_started_at": "2026-02-01T10:00:00Z",
					"current_period_ends_at": "2026-03-01T10:00:00Z",
					"unit_amount": 12.99,
					"currency": "USD"
				}
			}`, i, tt.eventType, trialField)

			events, err := n.Normalize("org-1", []byte(payload))
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
			if ev.ProductID != "pro-monthly" {
				t.Errorf("ProductID = %q, want pro-monthly", ev.ProductID)
			}
			if ev.AmountCents != 1299 {
				t.Errorf("AmountCents = %d, want 1299", ev.AmountCents)
			}
			if ev.ExternalSubscriptionID != "sub-uuid-1" {
				t.Errorf("ExternalSubscriptionID = %q, want sub-uuid-1", ev.ExternalSubscriptionID)
			}

			hints := events[0].Hints
			if !hasHint(hints, models.IdentityTypeAccountCode, "acct-42") {
				t.Errorf("hints missing account_code: %+v", hints)
			}
			if !hasHint(hints, models.IdentityTypeSubscriptionID, "sub-uuid-1") {
				t.Errorf("hints missing subscription_id: %+v", hints)
			}
			if !hasHint(hints, models.IdentityTypeEmail, "jo@example.com") {
				t.Errorf("hints missing email: %+v", hints)
			}
		})
	}
}
