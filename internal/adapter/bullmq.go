package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/models"
)

// bullmqAdapter speaks the BullMQ Redis layout. Storage mirrors Bull's
// (same "bull:" prefix, hash-per-job, wait list, terminal zsets); lifecycle
// events come from the queue's event stream instead of pub/sub, consumed by
// a dedicated subscriber that is shut down at dispose.
type bullmqAdapter struct {
	*base
	prefix string
	events *bullmqEventStream
}

func newBullMQAdapter(b *base) *bullmqAdapter {
	a := &bullmqAdapter{base: b, prefix: "bull:" + b.queue + ":"}
	a.events = &bullmqEventStream{
		client: b.client,
		stream: a.prefix + "events",
		log:    b.log,
	}
	return a
}

func (a *bullmqAdapter) jobKey(id string) string { return a.prefix + id }
func (a *bullmqAdapter) waitKey() string { return a.prefix + "wait" }
func (a *bullmqAdapter) pausedKey() string { return a.prefix + "paused" }
func (a *bullmqAdapter) activeKey() string { return a.prefix + "active" }
func (a *bullmqAdapter) completedKey() string { return a.prefix + "completed" }
func (a *bullmqAdapter) failedKey() string { return a.prefix + "failed" }
func (a *bullmqAdapter) markerKey() string { return a.prefix + "marker" }

// AttachEvents starts the stream subscriber.
func (a *bullmqAdapter) AttachEvents(ctx context.Context) error {
	return a.startEvents(ctx, func(ctx context.Context) {
		a.events.run(ctx, func(event, jobID, reason string) {
			switch event {
			case "active":
				a.onActive(ctx, jobID)
			case "completed":
				a.onCompleted(ctx, jobID)
			case "failed":
				a.onFailed(ctx, jobID, reason)
			}
		})
	})
}

func (a *bullmqAdapter) takeKeys(id string) []string {
	return []string{
		a.jobKey(id), a.waitKey(), a.pausedKey(), a.activeKey(),
		a.completedKey(), a.failedKey(),
	}
}

func (a *bullmqAdapter) takeUnprocessed(ctx context.Context, id string) (bool, error) {
	// The job-state checks are identical to Bull's; the script is shared.
	res, err := bullTakeScript.Run(ctx, a.client, a.takeKeys(id), id).Int()
	if err == nil {
		return res == 1, nil
	}
	a.log.Warn("atomic removal script failed; using non-atomic fallback", "job_id", id, "error", err)
	return a.takeFallback(ctx, id)
}

func (a *bullmqAdapter) takeFallback(ctx context.Context, id string) (bool, error) {
	exists, err := a.client.Exists(ctx, a.jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("probe job hash: %w", err)
	}
	if exists == 0 {
		return false, nil
	}
	vals, err := a.client.HMGet(ctx, a.jobKey(id), "finishedOn", "failedReason").Result()
	if err != nil {
		return false, fmt.Errorf("read job markers: %w", err)
	}
	if vals[0] != nil || vals[1] != nil {
		return false, nil
	}
	for _, key := range []string{a.completedKey(), a.failedKey()} {
		if _, err := a.client.ZScore(ctx, key, id).Result(); err == nil {
			return false, nil
		} else if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("read terminal set: %w", err)
		}
	}

	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, a.waitKey(), 0, id)
	pipe.LRem(ctx, a.pausedKey(), 0, id)
	pipe.LRem(ctx, a.activeKey(), 0, id)
	pipe.Del(ctx, a.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	return true, nil
}

// resubmit recreates the job under the same id, pushes it onto wait, bumps
// the marker workers block on, and appends a waiting event to the stream.
func (a *bullmqAdapter) resubmit(ctx context.Context, rec models.JobRecord) error {
	name := "__default__"
	if rec.JobName != nil {
		name = *rec.JobName
	}
	opts := fmt.Sprintf(`{"jobId":%q,"attempts":%d}`, rec.JobID, rec.MaxAttempts)

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, a.jobKey(rec.JobID), map[string]any{
		"name":         name,
		"data":         string(rec.Data),
		"opts":         opts,
		"attemptsMade": rec.Attempts + 1,
		"timestamp":    time.Now().UnixMilli(),
	})
	pipe.LPush(ctx, a.waitKey(), rec.JobID)
	pipe.ZAdd(ctx, a.markerKey(), redis.Z{Score: 0, Member: "0"})
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: a.events.stream,
		Values: map[string]any{"event": "waiting", "jobId": rec.JobID},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resubmit job %s: %w", rec.JobID, err)
	}
	return nil
}

func (a *bullmqAdapter) Reenqueue(ctx context.Context, rec models.JobRecord) (bool, error) {
	ok, err := a.reverify(ctx, rec)
	if err != nil || !ok {
		return false, err
	}

	taken, err := a.takeUnprocessed(ctx, rec.JobID)
	if err != nil {
		a.noteReenqueueFailure(rec.JobID, err)
		return false, err
	}
	if !taken {
		a.log.Debug("broker already processed job; skipping re-enqueue", "job_id", rec.JobID)
		return false, nil
	}

	if err := a.resubmit(ctx, rec); err != nil {
		a.noteReenqueueFailure(rec.JobID, err)
		return false, err
	}
	if err := a.recordReenqueued(ctx, rec.JobID); err != nil {
		return false, err
	}
	a.log.Info("re-enqueued stuck job", "job_id", rec.JobID, "attempts", rec.Attempts+1)
	return true, nil
}

// Dispose marks the adapter disposed, which cancels the event subscriber's
// context and waits for it to exit, then closes the subscriber.
func (a *bullmqAdapter) Dispose(context.Context) error {
	if a.dispose() {
		a.events.close()
		a.log.Debug("bullmq adapter disposed")
	}
	return nil
}

// bullmqEventStream tails the queue's event stream. It is a separate object
// so disposal has something concrete to shut down.
type bullmqEventStream struct {
	client *redis.Client
	stream string
	log    *slog.Logger
	closed bool
}

func (s *bullmqEventStream) run(ctx context.Context, handle func(event, jobID, reason string)) {
	lastID := "$"
	for ctx.Err() == nil {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   128,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.log.Warn("event stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				event, _ := msg.Values["event"].(string)
				jobID, _ := msg.Values["jobId"].(string)
				reason, _ := msg.Values["failedReason"].(string)
				if jobID == "" {
					continue
				}
				handle(event, jobID, reason)
			}
		}
	}
}

func (s *bullmqEventStream) close() {
	// The reader exits with its context; this only records that the
	// subscriber was closed. A re-attach after dispose is rejected by the
	// base adapter's disposed flag, not by this field.
	s.closed = true
}
