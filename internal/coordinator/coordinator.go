package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobguard/internal/adapter"
	"jobguard/internal/archive"
	"jobguard/internal/breaker"
	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/logging"
	"jobguard/internal/models"
	"jobguard/internal/ops"
	"jobguard/internal/postgres"
	"jobguard/internal/ratelimit"
	"jobguard/internal/reconciler"
	"jobguard/internal/repository"
	"jobguard/internal/telemetry"
)

const (
	breakerThreshold = 5
	breakerRecovery  = 30 * time.Second

	maxCleanupFailures = 3
)

// Coordinator wires the durability pipeline around one queue: pool, breaker,
// repository, adapter, reconciler, and the retention cleanup timer.
type Coordinator struct {
	cfg config.Config
	log *slog.Logger

	client    *redis.Client
	ownClient bool

	manager  *postgres.Manager
	cb       *breaker.Breaker
	repo     *repository.Repository
	adapter  adapter.Adapter
	recon    *reconciler.Reconciler
	archiver *archive.Archiver
	opsSrv   *ops.Server

	initOnce sync.Once
	initErr  error

	shutdownOnce   sync.Once
	stopCleanup    chan struct{}
	cleanupStarted bool
	cleanupDone    chan struct{}
}

// New validates the configuration and returns an uninitialized coordinator.
// Initialization happens in Init (or via Create) exactly once.
func New(cfg config.Config) (*Coordinator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:         cfg,
		log:         logging.New(cfg.Logging),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}, nil
}

// Create builds and initializes a ready coordinator. The broker connection
// is opened from cfg.Redis.
func Create(ctx context.Context, cfg config.Config) (*Coordinator, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c.ownClient = true
	if err := c.Init(ctx); err != nil {
		c.client.Close()
		return nil, err
	}
	return c, nil
}

// CreateWithClient is Create for hosts that already hold the broker's Redis
// client. The client is not closed at shutdown.
func CreateWithClient(ctx context.Context, client *redis.Client, cfg config.Config) (*Coordinator, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.client = client
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Init performs the one-time async initialization: DB probe, schema, adapter
// wiring, reconciler start, cleanup timer. Concurrent callers share the same
// in-flight initialization.
func (c *Coordinator) Init(ctx context.Context) error {
	c.initOnce.Do(func() { c.initErr = c.init(ctx) })
	return c.initErr
}

func (c *Coordinator) init(ctx context.Context) error {
	telemetry.Register()

	manager, err := postgres.NewManager(ctx, c.cfg.Postgres, c.log)
	if err != nil {
		return err
	}
	c.manager = manager

	if err := manager.TestConnection(ctx); err != nil {
		manager.Close()
		return err
	}
	if err := postgres.EnsureSchema(ctx, manager.Pool()); err != nil {
		manager.Close()
		return err
	}

	c.cb = breaker.New(breakerThreshold, breakerRecovery)
	c.repo = repository.New(manager.Pool(), c.cb, c.log)

	ad, err := adapter.New(c.cfg.QueueType, c.client, c.cfg.QueueName, c.repo, c.cfg.Limits, c.log)
	if err != nil {
		manager.Close()
		return err
	}
	c.adapter = ad
	if err := ad.AttachEvents(ctx); err != nil {
		manager.Close()
		return err
	}

	pacer := ratelimit.NewPacer(c.client, c.cfg.Reconciliation.RateLimitPerSecond)
	c.recon = reconciler.New(c.cfg.QueueName, c.cfg.Reconciliation, c.repo, ad, pacer, c.log)
	c.recon.Start()

	c.archiver, err = archive.New(ctx, c.cfg.Archive, c.log)
	if err != nil {
		c.log.Warn("archiver disabled", "error", err)
	}

	if c.cfg.Persistence.CleanupEnabled {
		c.cleanupStarted = true
		go c.cleanupLoop()
	}

	if c.cfg.OpsAddr != "" {
		c.opsSrv = ops.New(c.cfg.OpsAddr, c.Stats, c.health, c.log)
		c.opsSrv.Start()
	}

	c.log.Info("jobguard coordinator ready",
		"queue", c.cfg.QueueName, "queue_type", string(c.cfg.QueueType))
	return nil
}

// WrapSubmit decorates the broker's submit so every accepted job is mirrored.
func (c *Coordinator) WrapSubmit(next adapter.SubmitFunc) adapter.SubmitFunc {
	return c.adapter.WrapSubmit(next)
}

// Stats returns per-status counts for the configured queue.
func (c *Coordinator) Stats(ctx context.Context) (*models.Statistics, error) {
	telemetry.BreakerStateGauge.Set(breakerGaugeValue(c.cb.State()))
	return c.repo.GetStatistics(ctx, c.cfg.QueueName)
}

// ForceReconciliation runs one recovery cycle now, clearing any quarantine.
func (c *Coordinator) ForceReconciliation(ctx context.Context) error {
	return c.recon.ForceRun(ctx)
}

// Heartbeat refreshes a processing job's liveness signal. Failures are
// swallowed: a missed heartbeat only risks a premature stuck classification.
func (c *Coordinator) Heartbeat(ctx context.Context, jobID string) {
	if err := c.adapter.Heartbeat(ctx, jobID); err != nil {
		c.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
	}
}

// health backs the ops server's /healthz endpoint.
func (c *Coordinator) health() error {
	if err := c.manager.CheckPoolHealth(); err != nil {
		return err
	}
	if c.cb.State() == breaker.StateOpen {
		return faults.New(faults.KindCircuitOpen, "circuit breaker is open")
	}
	return nil
}

// cleanupLoop deletes terminal rows past retention at the configured
// cadence. Like the reconciler, it quarantines itself after three
// consecutive failures, staying down until process restart.
func (c *Coordinator) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cfg.Persistence.CleanupInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
		}

		telemetry.BreakerStateGauge.Set(breakerGaugeValue(c.cb.State()))

		if err := c.runCleanup(); err != nil {
			failures++
			c.log.Error("cleanup failed", "error", err, "failures", failures)
			if failures >= maxCleanupFailures {
				c.log.Error("cleanup disabled after repeated failures")
				return
			}
			continue
		}
		failures = 0
	}
}

func (c *Coordinator) runCleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Postgres.StatementTimeout*2)
	defer cancel()

	if c.archiver != nil {
		recs, err := c.repo.GetExpiredJobs(ctx, c.cfg.Persistence.RetentionDays, c.cfg.Reconciliation.BatchSize*10)
		if err != nil {
			c.log.Warn("skipping archive; could not list expired jobs", "error", err)
		} else if err := c.archiver.Archive(ctx, c.cfg.QueueName, recs); err != nil {
			c.log.Warn("archive failed; deleting anyway", "error", err)
		}
	}

	deleted, err := c.repo.DeleteOldJobs(ctx, c.cfg.Persistence.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		c.log.Info("cleaned up old jobs", "deleted", deleted)
	}
	return nil
}

// Shutdown stops timers, disposes the adapter, and closes the pool.
// Idempotent; in-flight statements finish within their own timeouts.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		if c.recon != nil {
			c.recon.Stop()
		}
		close(c.stopCleanup)
		if c.cleanupStarted {
			<-c.cleanupDone
		}

		if c.opsSrv != nil {
			if e := c.opsSrv.Shutdown(ctx); e != nil {
				err = e
			}
		}
		if c.adapter != nil {
			if e := c.adapter.Dispose(ctx); e != nil && err == nil {
				err = e
			}
		}
		if c.manager != nil {
			c.manager.Close()
		}
		if c.ownClient && c.client != nil {
			if e := c.client.Close(); e != nil && err == nil {
				err = e
			}
		}
		c.log.Info("jobguard coordinator shut down")
	})
	return err
}

func breakerGaugeValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
