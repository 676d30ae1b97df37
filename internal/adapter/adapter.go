package adapter

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/models"
)

// SubmitOptions carries the producer options jobguard cares about.
type SubmitOptions struct {
	// JobID requests a specific broker job id; empty lets the broker assign one.
	JobID string
	// MaxAttempts is the producer's retry budget; 0 means the default of 3.
	MaxAttempts int
}

// SubmitFunc is the broker submission call. Hosts hand their broker's submit
// to WrapSubmit and use the returned decorator instead; the original is
// forwarded unchanged.
type SubmitFunc func(ctx context.Context, name string, data json.RawMessage, opts SubmitOptions) (jobID string, err error)

// Store is the slice of the repository the adapters need.
type Store interface {
	InsertJob(ctx context.Context, queue string, queueType models.QueueType, jobID string, jobName *string, data json.RawMessage, maxAttempts int) (*models.JobRecord, error)
	UpdateJobStatus(ctx context.Context, queue string, queueType models.QueueType, jobID string, status models.Status) error
	UpdateJobError(ctx context.Context, queue string, queueType models.QueueType, jobID string, errorMessage string) error
	UpdateHeartbeat(ctx context.Context, queue string, queueType models.QueueType, jobID string) error
	MarkReenqueued(ctx context.Context, queue string, queueType models.QueueType, jobID string) error
	GetJob(ctx context.Context, queue string, queueType models.QueueType, jobID string) (*models.JobRecord, error)
}

// Adapter is the broker-family-specific glue between the queue and the
// mirror table.
type Adapter interface {
	QueueType() models.QueueType

	// WrapSubmit decorates the broker's submit so every accepted job is
	// mirrored as a pending record.
	WrapSubmit(next SubmitFunc) SubmitFunc

	// AttachEvents starts consuming the broker's lifecycle events until
	// Dispose.
	AttachEvents(ctx context.Context) error

	// Reenqueue re-injects a stuck record into the broker. Returns false
	// when the job was skipped because another agent progressed it.
	Reenqueue(ctx context.Context, rec models.JobRecord) (bool, error)

	// Heartbeat refreshes the record's liveness signal.
	Heartbeat(ctx context.Context, jobID string) error

	// Dispose detaches event consumers and stops mirroring. Idempotent.
	Dispose(ctx context.Context) error
}

// New builds the adapter for the configured broker family.
func New(
	queueType models.QueueType,
	client *redis.Client,
	queue string,
	store Store,
	limits config.LimitsConfig,
	log *slog.Logger,
) (Adapter, error) {
	b := newBase(queueType, client, queue, store, limits, log)
	switch queueType {
	case models.QueueBull:
		return newBullAdapter(b), nil
	case models.QueueBullMQ:
		return newBullMQAdapter(b), nil
	case models.QueueBee:
		return newBeeAdapter(b), nil
	default:
		return nil, faults.Newf(faults.KindUnsupportedQueue, "no adapter for queue type %q", queueType)
	}
}

// Capabilities describes the shape of a broker object for hosts that cannot
// name the family outright.
type Capabilities struct {
	HasJobBuilder bool // createJob-style builder API
	HasProcess    bool // legacy process() entry point
	HasSubmit     bool // add()-style submission
}

// Detect maps an observed capability set onto a queue type: job-builder means
// Bee, a process method means Bull, and a bare submit means BullMQ.
func Detect(caps Capabilities) (models.QueueType, error) {
	switch {
	case caps.HasJobBuilder:
		return models.QueueBee, nil
	case caps.HasProcess:
		return models.QueueBull, nil
	case caps.HasSubmit:
		return models.QueueBullMQ, nil
	default:
		return "", faults.New(faults.KindUnsupportedQueue, "broker exposes no recognized capability")
	}
}
