package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/models"
	"jobguard/internal/ratelimit"
	"jobguard/internal/repository"
	"jobguard/internal/scheduler"
	"jobguard/internal/telemetry"
)

// maxConsecutiveFailures triggers self-quarantine: cycles keep firing but
// skip work until ForceRun clears the counter.
const maxConsecutiveFailures = 3

// Harvester is the slice of the repository the reconciler needs.
type Harvester interface {
	GetAndMarkStuckJobs(ctx context.Context, queue string, threshold time.Duration, batchSize int, useHeartbeat bool) (*repository.HarvestResult, error)
}

// Reenqueuer re-injects one stuck record into the broker.
type Reenqueuer interface {
	Reenqueue(ctx context.Context, rec models.JobRecord) (bool, error)
}

// Reconciler owns the periodic stuck-job recovery loop for one queue. One
// instance per queue per process; cycles never overlap.
type Reconciler struct {
	id      string
	queue   string
	cfg     config.ReconciliationConfig
	store   Harvester
	adapter Reenqueuer
	pacer   *ratelimit.Pacer
	sched   *scheduler.Adaptive
	log     *slog.Logger

	mu                  sync.Mutex
	timer               *time.Timer
	started             bool
	cycleActive         bool
	consecutiveFailures int
	ctx                 context.Context
	cancel              context.CancelFunc
}

// New builds a stopped reconciler. The pacer is optional; without it
// re-enqueues are spaced by fixed sleeps alone.
func New(
	queue string,
	cfg config.ReconciliationConfig,
	store Harvester,
	adapter Reenqueuer,
	pacer *ratelimit.Pacer,
	log *slog.Logger,
) *Reconciler {
	id := uuid.New().String()
	return &Reconciler{
		id:      id,
		queue:   queue,
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		pacer:   pacer,
		sched:   scheduler.NewAdaptive(cfg.Interval),
		log:     log.With("queue", queue, "reconciler", id[:8]),
	}
}

// Start schedules the first cycle after the base interval. No-op when
// disabled or already started.
func (r *Reconciler) Start() {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.timer = time.AfterFunc(r.cfg.Interval, r.tick)
	r.log.Info("reconciler started", "interval", r.cfg.Interval, "threshold", r.cfg.StuckThreshold)
}

// Stop cancels the pending timer; future cycles do not fire.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.log.Info("reconciler stopped")
}

// ForceRun clears the quarantine counter and runs one cycle immediately.
func (r *Reconciler) ForceRun(ctx context.Context) error {
	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()
	return r.runCycle(ctx)
}

// tick is the timer callback: run one cycle and reschedule.
func (r *Reconciler) tick() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	quarantined := r.consecutiveFailures >= maxConsecutiveFailures
	ctx := r.ctx
	r.mu.Unlock()

	if quarantined {
		r.log.Warn("reconciler quarantined after repeated failures; skipping cycle",
			"failures", maxConsecutiveFailures)
	} else if err := r.runCycle(ctx); err != nil {
		r.log.Error("reconciliation cycle failed", "error", err)
	}

	r.reschedule()
}

func (r *Reconciler) reschedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	next := r.cfg.Interval
	if r.cfg.AdaptiveScheduling {
		next = r.sched.Current()
	}
	r.timer = time.AfterFunc(next, r.tick)
}

// runCycle executes one harvest-and-recover pass. Cycles are strictly
// serial; a second caller fails fast instead of overlapping.
func (r *Reconciler) runCycle(ctx context.Context) error {
	r.mu.Lock()
	if r.cycleActive {
		r.mu.Unlock()
		return faults.New(faults.KindReconciliation, "cycle already running")
	}
	r.cycleActive = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cycleActive = false
		r.mu.Unlock()
	}()

	start := time.Now()
	telemetry.ReconcileCycles.Inc()

	result, err := r.store.GetAndMarkStuckJobs(ctx, r.queue, r.cfg.StuckThreshold, r.cfg.BatchSize, r.cfg.UseHeartbeat)
	if err != nil {
		r.noteFailure()
		return faults.Wrap(faults.KindReconciliation, "stuck-job harvest failed", err)
	}

	reenqueued := 0
	for i, rec := range result.Reenqueue {
		if err := r.pace(ctx, i); err != nil {
			break
		}
		ok, err := r.adapter.Reenqueue(ctx, rec)
		if err != nil {
			r.log.Error("re-enqueue failed", "job_id", rec.JobID, "error", err)
			continue
		}
		if ok {
			reenqueued++
		}
	}

	found := len(result.Reenqueue) + len(result.DeadIDs)
	successRate := 1.0
	if len(result.Reenqueue) > 0 {
		successRate = float64(reenqueued) / float64(len(result.Reenqueue))
	}

	if r.cfg.AdaptiveScheduling {
		next := r.sched.Next(found, successRate)
		r.log.Debug("cycle complete", "found", found, "reenqueued", reenqueued,
			"dead", len(result.DeadIDs), "next_interval", next)
	}
	if found > 0 {
		r.log.Info("recovered stuck jobs", "found", found,
			"reenqueued", reenqueued, "dead", len(result.DeadIDs))
	}

	r.mu.Lock()
	r.consecutiveFailures = 0
	r.mu.Unlock()

	telemetry.ReconcileDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (r *Reconciler) noteFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	if r.consecutiveFailures == maxConsecutiveFailures {
		r.log.Error("reconciler entering quarantine", "failures", r.consecutiveFailures)
	}
}

// pace blocks until the next re-enqueue slot. With a pacer the slot clock
// lives in Redis; otherwise calls after the first sleep one fixed spacing.
// Returns the context error so a canceled cycle stops re-enqueuing.
func (r *Reconciler) pace(ctx context.Context, i int) error {
	if r.pacer != nil {
		return r.pacer.Wait(ctx, r.queue)
	}
	if i == 0 {
		return ctx.Err()
	}
	spacing := time.Second / time.Duration(r.cfg.RateLimitPerSecond)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(spacing):
		return nil
	}
}

// ConsecutiveFailures reports the current quarantine counter.
func (r *Reconciler) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}
