package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(func() error { return errBoom })
	}
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 3})
	failing(b, 2)
	if got := b.State(); got != Closed {
		t.Fatalf("want closed, got %v", got)
	}
	// A success resets the streak.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	failing(b, 2)
	if got := b.State(); got != Closed {
		t.Fatalf("want closed after reset streak, got %v", got)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 3, Cooldown: time.Hour})
	failing(b, 3)
	if got := b.State(); got != Open {
		t.Fatalf("want open, got %v", got)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 1, Cooldown: 10 * time.Millisecond, Probes: 2})
	failing(b, 1)
	if got := b.State(); got != Open {
		t.Fatalf("want open, got %v", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("want half-open after cooldown, got %v", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != Closed {
		t.Fatalf("want closed after probes, got %v", got)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 1, Cooldown: 10 * time.Millisecond, Probes: 2})
	failing(b, 1)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("want probe error passed through, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("want re-opened, got %v", got)
	}
}

func TestBreakerAllowsOneProbeAtATime(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 1, Cooldown: time.Millisecond, Probes: 2})
	failing(b, 1)
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = b.Do(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// The second concurrent call must be rejected rather than doubling the
	// probe load on a possibly struggling backend.
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("want ErrOpen for concurrent probe, got %v", err)
	}
	close(release)
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "t", Threshold: 1, Cooldown: time.Hour})
	failing(b, 1)
	b.Reset()
	if got := b.State(); got != Closed {
		t.Fatalf("want closed after Reset, got %v", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after Reset: %v", err)
	}
}
