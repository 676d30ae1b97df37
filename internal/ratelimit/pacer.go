package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "jobguard:pace:"

// Pacer spaces broker re-injections at a fixed per-second rate. The next
// free slot is tracked in Redis per queue, so the cap holds even when
// several coordinators share one broker.
type Pacer struct {
	client   *redis.Client
	interval time.Duration
	keyTTL   time.Duration
}

// NewPacer builds a pacer allowing perSecond re-enqueues per queue.
func NewPacer(client *redis.Client, perSecond int) *Pacer {
	if perSecond <= 0 {
		perSecond = 20
	}
	interval := time.Second / time.Duration(perSecond)
	ttl := 10 * interval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &Pacer{
		client:   client,
		interval: interval,
		keyTTL:   ttl,
	}
}

// Interval is the spacing between two granted slots.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Reserve claims the next free slot for the queue and returns how long the
// caller must wait before using it. Zero means go now. An idle queue's slot
// clock snaps back to the present, so the first re-enqueue after a quiet
// spell is never delayed.
func (p *Pacer) Reserve(ctx context.Context, queue string) (time.Duration, error) {
	res, err := reserveScript.Run(ctx, p.client,
		[]string{keyPrefix + queue},
		p.interval.Milliseconds(),
		time.Now().UnixMilli(),
		p.keyTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(res) * time.Millisecond, nil
}

// Wait blocks until the queue's next slot arrives or ctx is done. When the
// reservation itself fails (Redis trouble must not stall recovery), it falls
// back to sleeping one full interval.
func (p *Pacer) Wait(ctx context.Context, queue string) error {
	delay, err := p.Reserve(ctx, queue)
	if err != nil {
		delay = p.interval
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserveScript advances the queue's slot clock by one interval and returns
// the milliseconds until the claimed slot. A clock in the past collapses to
// now rather than granting a burst of stale slots.
var reserveScript = redis.NewScript(`
local slot = tonumber(redis.call('GET', KEYS[1]))
local interval = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

if slot == nil or slot < now then
  slot = now
end
redis.call('SET', KEYS[1], slot + interval, 'PX', tonumber(ARGV[3]))
return slot - now
`)
