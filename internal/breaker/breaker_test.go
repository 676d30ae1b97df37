package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobguard/internal/faults"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, recovery)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(3, time.Minute)
	boom := errors.New("db down")

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	err := b.Execute(ctx, func(context.Context) error { return nil })
	if !faults.Is(err, faults.KindCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(2, time.Minute)
	boom := errors.New("db down")

	_ = b.Execute(ctx, func(context.Context) error { return boom })
	_ = b.Execute(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	*now = now.Add(61 * time.Second)
	if err := b.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(2, time.Minute)
	boom := errors.New("db down")

	_ = b.Execute(ctx, func(context.Context) error { return boom })
	_ = b.Execute(ctx, func(context.Context) error { return boom })

	*now = now.Add(2 * time.Minute)
	_ = b.Execute(ctx, func(context.Context) error { return boom })
	if b.State() != StateOpen {
		t.Fatalf("expected reopened after probe failure, got %s", b.State())
	}
}

func TestBreakerSuccessResetsConsecutive(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(3, time.Minute)
	boom := errors.New("db down")

	_ = b.Execute(ctx, func(context.Context) error { return boom })
	_ = b.Execute(ctx, func(context.Context) error { return boom })
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, func(context.Context) error { return boom })

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	m := b.Metrics()
	if m.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", m.ConsecutiveFailures)
	}
}

func TestBreakerWindowMetrics(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(10, time.Minute)
	boom := errors.New("db down")

	_ = b.Execute(ctx, func(context.Context) error { return boom })
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, func(context.Context) error { return nil })
	_ = b.Execute(ctx, func(context.Context) error { return nil })

	m := b.Metrics()
	if m.WindowCalls != 4 {
		t.Fatalf("expected 4 window calls, got %d", m.WindowCalls)
	}
	if m.FailureRatePct != 25 {
		t.Fatalf("expected 25%% failure rate, got %v", m.FailureRatePct)
	}

	// Everything ages out of the 60s window.
	*now = now.Add(2 * time.Minute)
	m = b.Metrics()
	if m.WindowCalls != 0 {
		t.Fatalf("expected empty window after expiry, got %d", m.WindowCalls)
	}
}
