package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/logging"
	"jobguard/internal/models"
	"jobguard/internal/repository"
)

type fakeHarvester struct {
	results []*repository.HarvestResult
	errs    []error
	calls   int
}

func (f *fakeHarvester) GetAndMarkStuckJobs(_ context.Context, _ string, _ time.Duration, _ int, _ bool) (*repository.HarvestResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &repository.HarvestResult{}, nil
}

type fakeAdapter struct {
	calls   []string
	results map[string]bool
	err     error
}

func (f *fakeAdapter) Reenqueue(_ context.Context, rec models.JobRecord) (bool, error) {
	f.calls = append(f.calls, rec.JobID)
	if f.err != nil {
		return false, f.err
	}
	if f.results != nil {
		return f.results[rec.JobID], nil
	}
	return true, nil
}

func testConfig() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		Enabled:            true,
		Interval:           30 * time.Second,
		StuckThreshold:     time.Minute,
		BatchSize:          100,
		AdaptiveScheduling: true,
		RateLimitPerSecond: 1000,
		UseHeartbeat:       true,
	}
}

func record(id string, attempts, max int) models.JobRecord {
	return models.JobRecord{
		ID: "row-" + id, QueueName: "q", QueueType: models.QueueBull,
		JobID: id, Status: models.StatusStuck, Attempts: attempts, MaxAttempts: max,
	}
}

func TestCycleReenqueuesHarvested(t *testing.T) {
	harv := &fakeHarvester{results: []*repository.HarvestResult{{
		Reenqueue: []models.JobRecord{record("j1", 1, 3), record("j2", 2, 3)},
		DeadIDs:   []string{"row-j3"},
	}}}
	ad := &fakeAdapter{}
	r := New("q", testConfig(), harv, ad, nil, logging.New(logging.Config{}))

	if err := r.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(ad.calls) != 2 {
		t.Fatalf("expected 2 re-enqueues, got %d", len(ad.calls))
	}
}

func TestCycleQuarantineAfterThreeFailures(t *testing.T) {
	boom := errors.New("db down")
	harv := &fakeHarvester{errs: []error{boom, boom, boom, boom, boom}}
	ad := &fakeAdapter{}
	r := New("q", testConfig(), harv, ad, nil, logging.New(logging.Config{}))

	for i := 0; i < 3; i++ {
		err := r.runCycle(context.Background())
		if !faults.Is(err, faults.KindReconciliation) {
			t.Fatalf("cycle %d: expected reconciliation error, got %v", i, err)
		}
	}
	if r.ConsecutiveFailures() != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", r.ConsecutiveFailures())
	}

	// The timer path skips work while quarantined; simulate it.
	r.mu.Lock()
	quarantined := r.consecutiveFailures >= maxConsecutiveFailures
	r.mu.Unlock()
	if !quarantined {
		t.Fatal("expected quarantine")
	}

	// ForceRun clears the counter and tries again.
	if err := r.ForceRun(context.Background()); err == nil {
		t.Fatal("expected harvest error from forced run")
	}
	if r.ConsecutiveFailures() != 1 {
		t.Fatalf("expected counter reset then one failure, got %d", r.ConsecutiveFailures())
	}
}

func TestCycleSuccessResetsFailures(t *testing.T) {
	boom := errors.New("db down")
	harv := &fakeHarvester{errs: []error{boom, nil}}
	ad := &fakeAdapter{}
	r := New("q", testConfig(), harv, ad, nil, logging.New(logging.Config{}))

	_ = r.runCycle(context.Background())
	if r.ConsecutiveFailures() != 1 {
		t.Fatalf("expected 1 failure, got %d", r.ConsecutiveFailures())
	}
	if err := r.runCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if r.ConsecutiveFailures() != 0 {
		t.Fatalf("expected reset, got %d", r.ConsecutiveFailures())
	}
}

func TestCyclesNeverOverlap(t *testing.T) {
	harv := &fakeHarvester{}
	ad := &fakeAdapter{}
	r := New("q", testConfig(), harv, ad, nil, logging.New(logging.Config{}))

	r.mu.Lock()
	r.cycleActive = true
	r.mu.Unlock()

	err := r.runCycle(context.Background())
	if !faults.Is(err, faults.KindReconciliation) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	harv := &fakeHarvester{}
	ad := &fakeAdapter{}
	cfg := testConfig()
	cfg.Interval = time.Hour // never fires during the test
	r := New("q", cfg, harv, ad, nil, logging.New(logging.Config{}))

	r.Start()
	r.Start()
	r.Stop()
	r.Stop()

	if harv.calls != 0 {
		t.Fatalf("no cycle should have run, got %d", harv.calls)
	}
}

func TestDisabledReconcilerDoesNotStart(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	r := New("q", cfg, &fakeHarvester{}, &fakeAdapter{}, nil, logging.New(logging.Config{}))
	r.Start()

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		t.Fatal("disabled reconciler must not start")
	}
}
