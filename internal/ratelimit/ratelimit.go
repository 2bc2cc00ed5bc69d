// Package ratelimit implements token buckets keyed by (tier, key), refilled
// lazily from elapsed time. It backs the per-org and per-connection HTTP
// limits as well as the queue's work limiters.
package ratelimit

import (
	"sync"
	"time"
)

// Tier names a bucket class with its own limit.
type Tier string

const (
	// TierAPI covers the operational API, keyed by caller IP.
	TierAPI Tier = "api"
	// TierWebhook covers webhook ingress, keyed by org slug.
	TierWebhook Tier = "webhook"
	// TierPublic covers unauthenticated endpoints, keyed by client IP.
	TierPublic Tier = "public"
)

// Limit is a bucket size refilled once per window.
type Limit struct {
	Tokens int
	Window time.Duration
}

// DefaultLimits returns the stock tier limits.
func DefaultLimits() map[Tier]Limit {
	return map[Tier]Limit{
		TierAPI:     {Tokens: 100, Window: time.Minute},
		TierWebhook: {Tokens: 500, Window: time.Minute},
		TierPublic:  {Tokens: 30, Window: time.Minute},
	}
}

type bucket struct {
	tokens   float64
	touched  time.Time
	lastFill time.Time
}

// Limiter holds the buckets. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Tier]Limit
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates a limiter with the given per-tier limits; nil means
// DefaultLimits.
func NewLimiter(limits map[Tier]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from the (tier, key) bucket. It returns whether the
// request may proceed, how many whole tokens remain, and how long until the
// next token when denied. Tiers without a configured limit always allow.
func (l *Limiter) Allow(tier Tier, key string) (allowed bool, remaining int, retryAfter time.Duration) {
	limit, ok := l.limits[tier]
	if !ok || limit.Tokens <= 0 {
		return true, 0, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id := string(tier) + ":" + key
	b, ok := l.buckets[id]
	if !ok {
		l.evictStaleLocked(now)
		b = &bucket{tokens: float64(limit.Tokens), lastFill: now}
		l.buckets[id] = b
	} else {
		elapsed := now.Sub(b.lastFill)
		if elapsed > 0 {
			b.tokens += elapsed.Seconds() / limit.Window.Seconds() * float64(limit.Tokens)
			if b.tokens > float64(limit.Tokens) {
				b.tokens = float64(limit.Tokens)
			}
			b.lastFill = now
		}
	}
	b.touched = now

	if b.tokens < 1 {
		deficit := 1 - b.tokens
		perToken := limit.Window.Seconds() / float64(limit.Tokens)
		retryAfter = time.Duration(deficit * perToken * float64(time.Second))
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, 0, retryAfter
	}
	b.tokens--
	return true, int(b.tokens), 0
}

// evictStaleLocked drops buckets untouched for ten minutes. Public-tier
// keys are client IPs, so the map would otherwise grow without bound.
func (l *Limiter) evictStaleLocked(now time.Time) {
	if len(l.buckets) < 10000 {
		return
	}
	cutoff := now.Add(-10 * time.Minute)
	for id, b := range l.buckets {
		if b.touched.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
