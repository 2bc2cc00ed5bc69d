// Package breaker provides per-target circuit breakers for outbound calls.
//
// Targets are arbitrary names, typically alert destination URLs or external
// service hosts. Each target gets its own breaker so one failing destination
// cannot block traffic to the rest.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/revbackhq/revback/internal/apperr"
)

// Config controls the trip behavior shared by every breaker in a registry.
type Config struct {
	// ConsecutiveFailures is the number of consecutive failures that trips
	// the breaker open. Defaults to 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before allowing
	// half-open probes. Defaults to 60s.
	OpenTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successes in the
	// half-open state that close the breaker. Any half-open failure
	// re-opens it immediately. Defaults to 3.
	HalfOpenSuccesses uint32

	// OnStateChange, when set, is called for every state transition in
	// addition to the registry's own logging. Wired to a metrics gauge.
	OnStateChange func(target string, from, to gobreaker.State)
}

// Registry hands out one circuit breaker per target name. All breakers in a
// registry share the same Config.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty registry. Zero Config fields fall back to
// their defaults.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenSuccesses == 0 {
		cfg.HalfOpenSuccesses = 3
	}
	return &Registry{
		cfg:      cfg,
		logger:   log.With("component", "breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for target, creating it on first use.
func (r *Registry) GetOrCreate(target string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(r.settings(target))
	r.breakers[target] = cb
	return cb
}

// Do runs fn through the breaker for target. When the breaker is open or the
// half-open probe budget is spent, fn is not invoked and the returned error
// carries apperr.KindCircuitOpen so callers treat the attempt as retryable.
// Errors from fn itself pass through unchanged.
func (r *Registry) Do(target string, fn func() error) error {
	cb := r.GetOrCreate(target)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(apperr.KindCircuitOpen, "circuit open for "+target, err)
	}
	return err
}

// State reports the current state of the breaker for target. Targets that
// have never been used report closed.
func (r *Registry) State(target string) gobreaker.State {
	r.mu.RLock()
	cb, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (r *Registry) settings(target string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        target,
		MaxRequests: r.cfg.HalfOpenSuccesses,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				r.logger.Info("breaker closed", "target", name)
			} else {
				r.logger.Warn("breaker state change",
					"target", name,
					"from", from.String(),
					"to", to.String())
			}
			if r.cfg.OnStateChange != nil {
				r.cfg.OnStateChange(name, from, to)
			}
		},
	}
}
