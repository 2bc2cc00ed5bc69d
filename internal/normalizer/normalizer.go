// Package normalizer translates provider webhook payloads into canonical
// billing events. One Normalizer per billing source; each verifies the
// provider's signature scheme (failing closed) and maps provider event
// types onto the canonical event model, discarding types it does not know.
package normalizer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// Credentials are the decrypted verification secrets of one billing
// connection. Which field matters depends on the source.
type Credentials struct {
	WebhookSecret string `json:"webhook_secret,omitempty"` // stripe, recurly
	RootCAPEM     string `json:"root_ca_pem,omitempty"`    // apple
	PushToken     string `json:"push_token,omitempty"`     // google
}

// ParseCredentials decodes a connection's decrypted credentials blob.
// An empty blob yields zero credentials; every verifier fails closed on
// the missing field.
func ParseCredentials(raw string) (Credentials, error) {
	var creds Credentials
	if raw == "" {
		return creds, nil
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse connection credentials: %w", err)
	}
	return creds, nil
}

// Event is one normalized billing event together with the identity hints
// extracted from the same payload fragment.
type Event struct {
	Canonical models.CanonicalEvent
	Hints     []models.IdentityHint
}

// Normalizer verifies and translates one provider's webhooks.
type Normalizer interface {
	Source() models.Source
	// VerifySignature authenticates the exact request bytes. Any missing
	// header, parse failure, stale timestamp, or absent credential is a
	// verification failure.
	VerifySignature(headers http.Header, body []byte, creds Credentials) error
	// Normalize maps the payload onto canonical events. Unknown provider
	// event types are dropped, not errors; a malformed payload is.
	Normalize(orgID string, body []byte) ([]Event, error)
}

// Registry maps source tags to normalizers.
type Registry struct {
	mu       sync.RWMutex
	bySource map[models.Source]Normalizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySource: make(map[models.Source]Normalizer)}
}

// Register adds a normalizer, replacing any previous one for its source.
func (r *Registry) Register(n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySource[n.Source()] = n
}

// Get returns the normalizer for a source.
func (r *Registry) Get(source models.Source) (Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.bySource[source]
	if !ok {
		return nil, apperr.Ef(apperr.KindNotFound, "no normalizer registered for source %q", source)
	}
	return n, nil
}

// Sources returns the registered source tags.
func (r *Registry) Sources() []models.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]models.Source, 0, len(r.bySource))
	for s := range r.bySource {
		sources = append(sources, s)
	}
	return sources
}

// NewDefaultRegistry returns a registry with every supported provider.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewStripeNormalizer(logger))
	r.Register(NewAppleNormalizer(logger))
	r.Register(NewGoogleNormalizer(logger))
	r.Register(NewRecurlyNormalizer(logger))
	return r
}
