package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/models"
)

// beeAdapter speaks the Bee-Queue Redis layout: a single bq:<queue>:jobs
// hash keyed by id, list-based waiting/active, set-based succeeded/failed,
// and one pub/sub events channel carrying JSON envelopes.
//
// Bee cannot honor externally chosen job ids, so re-enqueue creates a fresh
// job and marks the superseded record failed to keep active-uniqueness.
type beeAdapter struct {
	*base
	prefix string
}

func newBeeAdapter(b *base) *beeAdapter {
	return &beeAdapter{base: b, prefix: "bq:" + b.queue + ":"}
}

func (a *beeAdapter) jobsKey() string { return a.prefix + "jobs" }
func (a *beeAdapter) waitingKey() string { return a.prefix + "waiting" }
func (a *beeAdapter) activeKey() string { return a.prefix + "active" }
func (a *beeAdapter) succeededKey() string { return a.prefix + "succeeded" }
func (a *beeAdapter) failedKey() string { return a.prefix + "failed" }
func (a *beeAdapter) idKey() string { return a.prefix + "id" }
func (a *beeAdapter) eventsChannel() string { return a.prefix + "events" }

// AttachEvents subscribes to the queue's events channel. Bee publishes
// "started", "succeeded" and "failed" envelopes.
func (a *beeAdapter) AttachEvents(ctx context.Context) error {
	return a.startEvents(ctx, func(ctx context.Context) {
		sub := a.client.Subscribe(ctx, a.eventsChannel())
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				jobID, event, reason := parseEventPayload(msg.Payload)
				if jobID == "" {
					continue
				}
				switch event {
				case "started":
					a.onActive(ctx, jobID)
				case "succeeded":
					a.onCompleted(ctx, jobID)
				case "failed":
					a.onFailed(ctx, jobID, reason)
				}
			}
		}
	})
}

// beeTakeScript atomically removes an unprocessed job from Bee's store.
// KEYS: jobs hash, waiting, active, succeeded, failed. ARGV: job id.
var beeTakeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
if redis.call('SISMEMBER', KEYS[4], ARGV[1]) == 1 then return 0 end
if redis.call('SISMEMBER', KEYS[5], ARGV[1]) == 1 then return 0 end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

func (a *beeAdapter) takeUnprocessed(ctx context.Context, id string) (bool, error) {
	keys := []string{a.jobsKey(), a.waitingKey(), a.activeKey(), a.succeededKey(), a.failedKey()}
	res, err := beeTakeScript.Run(ctx, a.client, keys, id).Int()
	if err == nil {
		return res == 1, nil
	}
	a.log.Warn("atomic removal script failed; using non-atomic fallback", "job_id", id, "error", err)
	return a.takeFallback(ctx, id)
}

func (a *beeAdapter) takeFallback(ctx context.Context, id string) (bool, error) {
	exists, err := a.client.HExists(ctx, a.jobsKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("probe jobs hash: %w", err)
	}
	if !exists {
		return false, nil
	}
	for _, key := range []string{a.succeededKey(), a.failedKey()} {
		member, err := a.client.SIsMember(ctx, key, id).Result()
		if err != nil {
			return false, fmt.Errorf("read terminal set: %w", err)
		}
		if member {
			return false, nil
		}
	}

	pipe := a.client.TxPipeline()
	pipe.LRem(ctx, a.waitingKey(), 0, id)
	pipe.LRem(ctx, a.activeKey(), 0, id)
	pipe.HDel(ctx, a.jobsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	return true, nil
}

// createJob inserts a fresh broker job carrying the same payload and returns
// its broker-assigned id.
func (a *beeAdapter) createJob(ctx context.Context, rec models.JobRecord) (string, error) {
	seq, err := a.client.Incr(ctx, a.idKey()).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	newID := strconv.FormatInt(seq, 10)

	body, err := json.Marshal(map[string]any{
		"data":    json.RawMessage(rec.Data),
		"options": map[string]any{"retries": rec.MaxAttempts},
		"status":  "created",
	})
	if err != nil {
		return "", fmt.Errorf("marshal job body: %w", err)
	}

	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, a.jobsKey(), newID, body)
	pipe.LPush(ctx, a.waitingKey(), newID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return newID, nil
}

// Reenqueue for Bee supersedes the stuck record: the old row is marked
// failed (never re-pending, its job id is gone from the broker) and a new
// pending row tracks the replacement job.
func (a *beeAdapter) Reenqueue(ctx context.Context, rec models.JobRecord) (bool, error) {
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

	newID, err := a.createJob(ctx, rec)
	if err != nil {
		a.noteReenqueueFailure(rec.JobID, err)
		return false, err
	}

	if err := a.store.UpdateJobStatus(ctx, a.queue, a.queueType, rec.JobID, models.StatusFailed); err != nil {
		return false, err
	}
	if _, err := a.store.InsertJob(ctx, a.queue, a.queueType, newID, rec.JobName, rec.Data, rec.MaxAttempts); err != nil {
		a.log.Error("failed to mirror replacement job", "job_id", newID, "error", err)
	}
	a.log.Info("re-enqueued stuck job as replacement", "job_id", rec.JobID, "replacement_id", newID)
	return true, nil
}

func (a *beeAdapter) Dispose(context.Context) error {
	if a.dispose() {
		a.log.Debug("bee adapter disposed")
	}
	return nil
}
