// Package handlers contains the HTTP handlers for webhook ingress and the
// operational API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/http/mw"
	"github.com/revbackhq/revback/internal/metrics"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/ratelimit"
)

// WebhookReceiver accepts a raw provider delivery. The ingress handler owns
// transport concerns (limits, body size, response codes); the receiver owns
// verification and persistence.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, orgSlug string, source models.Source, headers http.Header, body []byte) (string, error)
}

// IngressConfig bounds the raw request body.
type IngressConfig struct {
	MaxBodyBytes int64
}

// Ingress serves POST /webhooks/{orgSlug}/{source}.
type Ingress struct {
	receiver WebhookReceiver
	limiter  *ratelimit.Limiter
	maxBody  int64
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewIngress creates the webhook ingress handler.
func NewIngress(receiver WebhookReceiver, limiter *ratelimit.Limiter, cfg IngressConfig, m *metrics.Metrics, log *slog.Logger) *Ingress {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Ingress{
		receiver: receiver,
		limiter:  limiter,
		maxBody:  cfg.MaxBodyBytes,
		metrics:  m,
		logger:   log.With("component", "ingress"),
	}
}

// HandleWebhook receives one provider delivery. Responses follow provider
// retry semantics: 200 only once the delivery is durably recorded, 4xx for
// deliveries that must not be retried, 5xx when a retry can succeed.
func (h *Ingress) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	orgSlug := chi.URLParam(r, "orgSlug")
	source := models.Source(chi.URLParam(r, "source"))

	allowed, remaining, retryAfter := h.limiter.Allow(ratelimit.TierWebhook, orgSlug)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(mw.RetryAfterSeconds(retryAfter)))
		h.count(source, "rate_limited")
		respondJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
		return
	}

	// Google Play push endpoints carry their shared secret as a query
	// parameter; the normalizer reads it from a header.
	if token := r.URL.Query().Get("token"); token != "" {
		r.Header.Set("X-Push-Token", token)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.count(source, "too_large")
			respondJSON(w, http.StatusRequestEntityTooLarge, errorBody(fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		h.count(source, "error")
		respondJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}

	id, err := h.receiver.HandleWebhook(r.Context(), orgSlug, source, r.Header, body)
	if err != nil {
		status := apperr.HTTPStatus(err)
		h.count(source, ingressOutcome(status))
		h.logger.Warn("webhook refused",
			"org_slug", orgSlug,
			"source", source,
			"status", status,
			"error", err,
		)
		respondJSON(w, status, errorBody(ingressMessage(status)))
		return
	}

	h.count(source, "accepted")
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "id": id})
}

func (h *Ingress) count(source models.Source, outcome string) {
	h.metrics.WebhooksReceived.WithLabelValues(string(source), outcome).Inc()
}

// ingressOutcome buckets refusal statuses for the webhook counter.
func ingressOutcome(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "rejected"
	default:
		return "error"
	}
}

// ingressMessage keeps refusal bodies terse; verification detail stays in
// the server log, not in the response a provider stores alongside the
// delivery attempt.
func ingressMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "unknown organization or source"
	case http.StatusUnauthorized:
		return "signature verification failed"
	case http.StatusBadRequest:
		return "invalid payload"
	default:
		return "internal error"
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
