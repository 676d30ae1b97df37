package adapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/models"
	"jobguard/internal/telemetry"
)

// base carries the adapter behavior that is identical across broker
// families: submit mirroring, validation, event bookkeeping, heartbeat, and
// disposal.
type base struct {
	queue     string
	queueType models.QueueType
	client    *redis.Client
	store     Store
	limits    config.LimitsConfig
	log       *slog.Logger

	mu       sync.Mutex
	disposed bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newBase(
	queueType models.QueueType,
	client *redis.Client,
	queue string,
	store Store,
	limits config.LimitsConfig,
	log *slog.Logger,
) *base {
	return &base{
		queue:     queue,
		queueType: queueType,
		client:    client,
		store:     store,
		limits:    limits,
		log:       log.With("queue", queue, "queue_type", string(queueType)),
	}
}

func (b *base) QueueType() models.QueueType { return b.queueType }

// validate enforces the submission caps before anything reaches the broker.
func (b *base) validate(name string, data json.RawMessage) error {
	if len(name) > b.limits.MaxJobNameLength {
		return faults.Newf(faults.KindValidation,
			"job name length %d exceeds limit %d", len(name), b.limits.MaxJobNameLength)
	}
	if len(data) > b.limits.MaxJobDataSize {
		return faults.Newf(faults.KindValidation,
			"serialized payload %d bytes exceeds limit %d", len(data), b.limits.MaxJobDataSize)
	}
	if len(data) > 0 && !json.Valid(data) {
		return faults.New(faults.KindValidation, "payload is not valid JSON")
	}
	return nil
}

// WrapSubmit decorates next: validation failures abort the submit; a mirror
// failure after a successful broker enqueue is logged and swallowed, since
// the job runs regardless.
func (b *base) WrapSubmit(next SubmitFunc) SubmitFunc {
	return func(ctx context.Context, name string, data json.RawMessage, opts SubmitOptions) (string, error) {
		if b.isDisposed() {
			return next(ctx, name, data, opts)
		}
		if err := b.validate(name, data); err != nil {
			return "", err
		}

		jobID, err := next(ctx, name, data, opts)
		if err != nil {
			return "", err
		}

		var jobName *string
		if name != "" {
			jobName = &name
		}
		if _, err := b.store.InsertJob(ctx, b.queue, b.queueType, jobID, jobName, data, opts.MaxAttempts); err != nil {
			b.log.Error("failed to mirror submitted job; it will run untracked",
				"job_id", jobID, "error", err)
		}
		return jobID, nil
	}
}

// Event handlers shared by all families. Database errors never propagate
// back into broker event loops.

func (b *base) onActive(ctx context.Context, jobID string) {
	if err := b.store.UpdateJobStatus(ctx, b.queue, b.queueType, jobID, models.StatusProcessing); err != nil {
		b.log.Error("failed to record active event", "job_id", jobID, "error", err)
	}
}

func (b *base) onCompleted(ctx context.Context, jobID string) {
	if err := b.store.UpdateJobStatus(ctx, b.queue, b.queueType, jobID, models.StatusCompleted); err != nil {
		b.log.Error("failed to record completed event", "job_id", jobID, "error", err)
	}
}

func (b *base) onFailed(ctx context.Context, jobID, reason string) {
	if err := b.store.UpdateJobError(ctx, b.queue, b.queueType, jobID, Sanitize(reason)); err != nil {
		b.log.Error("failed to record failed event", "job_id", jobID, "error", err)
	}
}

// Heartbeat delegates to the repository.
func (b *base) Heartbeat(ctx context.Context, jobID string) error {
	return b.store.UpdateHeartbeat(ctx, b.queue, b.queueType, jobID)
}

// startEvents runs consume in a goroutine bounded by the adapter lifetime.
func (b *base) startEvents(ctx context.Context, consume func(ctx context.Context)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return faults.New(faults.KindValidation, "adapter is disposed")
	}
	if b.cancel != nil {
		return nil
	}
	evCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		consume(evCtx)
	}()
	return nil
}

func (b *base) isDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// dispose flips the disposed flag and stops event consumers. Returns false
// when already disposed.
func (b *base) dispose() bool {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return false
	}
	b.disposed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return true
}

// reverify implements the check half of the check-and-remove protocol: the
// record must still be stuck, otherwise another agent progressed the job.
func (b *base) reverify(ctx context.Context, rec models.JobRecord) (bool, error) {
	cur, err := b.store.GetJob(ctx, b.queue, b.queueType, rec.JobID)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.Status != models.StatusStuck {
		b.log.Debug("skipping re-enqueue; record no longer stuck", "job_id", rec.JobID)
		return false, nil
	}
	return true, nil
}

func (b *base) recordReenqueued(ctx context.Context, jobID string) error {
	return b.store.MarkReenqueued(ctx, b.queue, b.queueType, jobID)
}

func (b *base) noteReenqueueFailure(jobID string, err error) {
	telemetry.ReenqueueFailures.Inc()
	b.log.Error("re-enqueue failed", "job_id", jobID, "error", err)
}
