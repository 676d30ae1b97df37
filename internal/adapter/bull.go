package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/models"
)

// bullAdapter speaks the Bull (v3) Redis layout: one hash per job under
// bull:<queue>:<id>, list-based wait/paused/active, zset-based
// completed/failed, and global events over pub/sub.
type bullAdapter struct {
	*base
	prefix string
}

func newBullAdapter(b *base) *bullAdapter {
	return &bullAdapter{base: b, prefix: "bull:" + b.queue + ":"}
}

func (a *bullAdapter) jobKey(id string) string { return a.prefix + id }
func (a *bullAdapter) waitKey() string { return a.prefix + "wait" }
func (a *bullAdapter) pausedKey() string { return a.prefix + "paused" }
func (a *bullAdapter) activeKey() string { return a.prefix + "active" }
func (a *bullAdapter) completedKey() string { return a.prefix + "completed" }
func (a *bullAdapter) failedKey() string { return a.prefix + "failed" }
func (a *bullAdapter) eventChannel(kind string) string {
	return a.prefix + "global:" + kind
}

// AttachEvents subscribes to Bull's global lifecycle channels.
func (a *bullAdapter) AttachEvents(ctx context.Context) error {
	return a.startEvents(ctx, func(ctx context.Context) {
		sub := a.client.Subscribe(ctx,
			a.eventChannel("active"),
			a.eventChannel("completed"),
			a.eventChannel("failed"),
		)
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
				jobID, _, reason := parseEventPayload(msg.Payload)
				if jobID == "" {
					continue
				}
				switch msg.Channel {
				case a.eventChannel("active"):
					a.onActive(ctx, jobID)
				case a.eventChannel("completed"):
					a.onCompleted(ctx, jobID)
				case a.eventChannel("failed"):
					a.onFailed(ctx, jobID, reason)
				}
			}
		}
	})
}

// bullTakeScript atomically removes an unprocessed job from Bull's store.
// KEYS: job hash, wait, paused, active, completed, failed. ARGV: job id.
// Returns 1 only when the job existed and carried no finished/failed marker.
var bullTakeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'finishedOn') == 1 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'failedReason') == 1 then return 0 end
if redis.call('ZSCORE', KEYS[5], ARGV[1]) then return 0 end
if redis.call('ZSCORE', KEYS[6], ARGV[1]) then return 0 end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

func (a *bullAdapter) takeKeys(id string) []string {
	return []string{
		a.jobKey(id), a.waitKey(), a.pausedKey(), a.activeKey(),
		a.completedKey(), a.failedKey(),
	}
}

func (a *bullAdapter) takeUnprocessed(ctx context.Context, id string) (bool, error) {
	res, err := bullTakeScript.Run(ctx, a.client, a.takeKeys(id), id).Int()
	if err == nil {
		return res == 1, nil
	}
	// Scripting unavailable: fall back to the non-atomic path and accept the
	// small double-processing window.
	a.log.Warn("atomic removal script failed; using non-atomic fallback", "job_id", id, "error", err)
	return a.takeFallback(ctx, id)
}

func (a *bullAdapter) takeFallback(ctx context.Context, id string) (bool, error) {
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

// resubmit recreates the job hash under the same id and pushes it back onto
// the wait list with the attempt spent.
func (a *bullAdapter) resubmit(ctx context.Context, rec models.JobRecord) error {
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
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resubmit job %s: %w", rec.JobID, err)
	}
	return nil
}

// Reenqueue implements the check-and-remove protocol against Bull's store.
func (a *bullAdapter) Reenqueue(ctx context.Context, rec models.JobRecord) (bool, error) {
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

func (a *bullAdapter) Dispose(context.Context) error {
	if a.dispose() {
		a.log.Debug("bull adapter disposed")
	}
	return nil
}
