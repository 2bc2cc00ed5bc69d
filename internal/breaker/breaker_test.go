package breaker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/revbackhq/revback/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDoPassesThroughResults(t *testing.T) {
	reg := NewRegistry(Config{}, testLogger())

	calls := 0
	if err := reg.Do("dest", func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	sentinel := errors.New("upstream 500")
	err := reg.Do("dest", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("Do() = %v, want %v", err, sentinel)
	}
	if apperr.KindOf(err) == apperr.KindCircuitOpen {
		t.Error("single failure should not open the circuit")
	}
}

func TestDoTripsAfterConsecutiveFailures(t *testing.T) {
	reg := NewRegistry(Config{ConsecutiveFailures: 3, OpenTimeout: time.Minute}, testLogger())

	calls := 0
	fail := func() error {
		calls++
		return errors.New("refused")
	}

	for i := 0; i < 3; i++ {
		if err := reg.Do("dest", fail); apperr.KindOf(err) == apperr.KindCircuitOpen {
			t.Fatalf("call %d rejected before trip threshold", i+1)
		}
	}
	if got := reg.State("dest"); got != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want %v", got, gobreaker.StateOpen)
	}

	err := reg.Do("dest", fail)
	if apperr.KindOf(err) != apperr.KindCircuitOpen {
		t.Errorf("KindOf(err) = %v, want %v", apperr.KindOf(err), apperr.KindCircuitOpen)
	}
	if !apperr.IsRetryable(err) {
		t.Error("open-circuit rejection should be retryable")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (open breaker must not invoke fn)", calls)
	}
}

func TestDoClosesAfterHalfOpenSuccess(t *testing.T) {
	reg := NewRegistry(Config{
		ConsecutiveFailures: 1,
		OpenTimeout:         30 * time.Millisecond,
		HalfOpenSuccesses:   1,
	}, testLogger())

	if err := reg.Do("dest", func() error { return errors.New("refused") }); err == nil {
		t.Fatal("expected failure to trip the breaker")
	}
	if got := reg.State("dest"); got != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want %v", got, gobreaker.StateOpen)
	}

	time.Sleep(50 * time.Millisecond)

	if err := reg.Do("dest", func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if got := reg.State("dest"); got != gobreaker.StateClosed {
		t.Errorf("State() = %v, want %v", got, gobreaker.StateClosed)
	}
}

func TestDoHalfOpenFailureReopens(t *testing.T) {
	reg := NewRegistry(Config{
		ConsecutiveFailures: 1,
		OpenTimeout:         30 * time.Millisecond,
		HalfOpenSuccesses:   1,
	}, testLogger())

	if err := reg.Do("dest", func() error { return errors.New("refused") }); err == nil {
		t.Fatal("expected failure to trip the breaker")
	}

	time.Sleep(50 * time.Millisecond)

	if err := reg.Do("dest", func() error { return errors.New("still down") }); err == nil {
		t.Fatal("expected half-open probe to fail")
	}
	if got := reg.State("dest"); got != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want %v", got, gobreaker.StateOpen)
	}

	calls := 0
	err := reg.Do("dest", func() error {
		calls++
		return nil
	})
	if apperr.KindOf(err) != apperr.KindCircuitOpen {
		t.Errorf("KindOf(err) = %v, want %v", apperr.KindOf(err), apperr.KindCircuitOpen)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestBreakersAreIndependentPerTarget(t *testing.T) {
	reg := NewRegistry(Config{ConsecutiveFailures: 1, OpenTimeout: time.Minute}, testLogger())

	if err := reg.Do("down", func() error { return errors.New("refused") }); err == nil {
		t.Fatal("expected failure to trip the breaker")
	}
	if got := reg.State("down"); got != gobreaker.StateOpen {
		t.Fatalf("State(down) = %v, want %v", got, gobreaker.StateOpen)
	}

	if err := reg.Do("up", func() error { return nil }); err != nil {
		t.Errorf("Do(up) = %v, want nil", err)
	}
	if got := reg.State("up"); got != gobreaker.StateClosed {
		t.Errorf("State(up) = %v, want %v", got, gobreaker.StateClosed)
	}
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	reg := NewRegistry(Config{}, testLogger())

	var mu sync.Mutex
	seen := make(map[*gobreaker.CircuitBreaker]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb := reg.GetOrCreate("dest")
			mu.Lock()
			seen[cb] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 1 {
		t.Errorf("GetOrCreate returned %d distinct breakers, want 1", len(seen))
	}
	if reg.GetOrCreate("other") == reg.GetOrCreate("dest") {
		t.Error("distinct targets should get distinct breakers")
	}
}

func TestStateChangeNotifies(t *testing.T) {
	type change struct {
		target   string
		from, to gobreaker.State
	}
	var mu sync.Mutex
	var changes []change

	reg := NewRegistry(Config{
		ConsecutiveFailures: 1,
		OpenTimeout:         time.Minute,
		OnStateChange: func(target string, from, to gobreaker.State) {
			mu.Lock()
			changes = append(changes, change{target, from, to})
			mu.Unlock()
		},
	}, testLogger())

	if err := reg.Do("dest", func() error { return errors.New("refused") }); err == nil {
		t.Fatal("expected failure to trip the breaker")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("got %d state changes, want 1", len(changes))
	}
	got := changes[0]
	if got.target != "dest" || got.from != gobreaker.StateClosed || got.to != gobreaker.StateOpen {
		t.Errorf("state change = %+v, want dest closed->open", got)
	}
}
