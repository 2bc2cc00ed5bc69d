package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(limits map[Tier]Limit) (*Limiter, *time.Time) {
	l := NewLimiter(limits)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowConsumesBucket(t *testing.T) {
	l, _ := newTestLimiter(map[Tier]Limit{TierAPI: {Tokens: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := l.Allow(TierAPI, "org-1")
		if !allowed {
			t.Fatalf("Allow() #%d = false, want true", i+1)
		}
		if remaining != 2-i {
			t.Errorf("Allow() #%d remaining = %d, want %d", i+1, remaining, 2-i)
		}
	}

	allowed, _, retryAfter := l.Allow(TierAPI, "org-1")
	if allowed {
		t.Error("Allow() on empty bucket = true, want false")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(map[Tier]Limit{TierWebhook: {Tokens: 2, Window: time.Minute}})

	l.Allow(TierWebhook, "acme")
	l.Allow(TierWebhook, "acme")
	if allowed, _, _ := l.Allow(TierWebhook, "acme"); allowed {
		t.Fatal("Allow() = true on drained bucket")
	}

	// Half a window refills half the bucket: one token.
	*now = now.Add(30 * time.Second)
	if allowed, _, _ := l.Allow(TierWebhook, "acme"); !allowed {
		t.Error("Allow() = false after refill, want true")
	}
	if allowed, _, _ := l.Allow(TierWebhook, "acme"); allowed {
		t.Error("Allow() = true, want only one token refilled")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Tier]Limit{TierPublic: {Tokens: 1, Window: time.Minute}})

	if allowed, _, _ := l.Allow(TierPublic, "10.0.0.1"); !allowed {
		t.Fatal("first key denied")
	}
	if allowed, _, _ := l.Allow(TierPublic, "10.0.0.2"); !allowed {
		t.Error("second key denied, want independent buckets")
	}
	if allowed, _, _ := l.Allow(TierPublic, "10.0.0.1"); allowed {
		t.Error("drained key allowed")
	}
}

func TestAllowUnknownTierIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(map[Tier]Limit{})

	for i := 0; i < 100; i++ {
		if allowed, _, _ := l.Allow(TierAPI, "org-1"); !allowed {
			t.Fatal("Allow() = false for unconfigured tier, want fail open")
		}
	}
}

func TestAllowBucketNeverOverfills(t *testing.T) {
	l, now := newTestLimiter(map[Tier]Limit{TierAPI: {Tokens: 2, Window: time.Minute}})

	l.Allow(TierAPI, "org-1")
	*now = now.Add(time.Hour)

	allowed, remaining, _ := l.Allow(TierAPI, "org-1")
	if !allowed || remaining != 1 {
		t.Errorf("Allow() after idle hour = (%v, %d), want (true, 1) capped at bucket size", allowed, remaining)
	}
}
