package breaker

import (
	"context"
	"sync"
	"time"

	"jobguard/internal/faults"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const metricsWindow = 60 * time.Second

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a fail-fast guard around database calls. After threshold
// consecutive failures it opens; after the recovery timeout it admits a
// single probe, closing again on success.
type Breaker struct {
	mu sync.Mutex

	threshold int
	recovery  time.Duration

	state       State
	consecutive int
	lastFailure time.Time
	probing     bool

	samples []sample

	now func() time.Time
}

// New builds a closed breaker with the given consecutive-failure threshold
// and recovery timeout.
func New(threshold int, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Execute runs op under the breaker. When open, it fails fast unless the
// recovery timeout has elapsed, in which case exactly one probe is admitted.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.recovery {
			b.state = StateHalfOpen
			b.probing = true
			return nil
		}
		return faults.New(faults.KindCircuitOpen, "circuit breaker is open")
	case StateHalfOpen:
		if b.probing {
			return faults.New(faults.KindCircuitOpen, "circuit breaker probe in flight")
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.samples = append(b.samples, sample{at: now, success: err == nil})
	b.prune()

	if err == nil {
		b.consecutive = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
		}
		b.probing = false
		return
	}

	b.consecutive++
	b.lastFailure = now
	b.probing = false
	if b.state == StateHalfOpen || b.consecutive >= b.threshold {
		b.state = StateOpen
	}
}

// prune drops window samples older than 60s. Callers must hold mu.
func (b *Breaker) prune() {
	cutoff := b.now().Add(-metricsWindow)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// Metrics is a point-in-time snapshot of breaker health.
type Metrics struct {
	State               State
	ConsecutiveFailures int
	WindowCalls         int
	FailureRatePct      float64
	LastFailure         time.Time
}

// Metrics returns the current snapshot over the sliding window.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	rate := 0.0
	if len(b.samples) > 0 {
		rate = float64(failures) / float64(len(b.samples)) * 100
	}
	return Metrics{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		WindowCalls:         len(b.samples),
		FailureRatePct:      rate,
		LastFailure:         b.lastFailure,
	}
}

// State returns the breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
