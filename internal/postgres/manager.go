package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobguard/internal/config"
	"jobguard/internal/faults"
	"jobguard/internal/telemetry"
)

const (
	monitorInterval   = 5 * time.Second
	exhaustionStrikes = 3
)

// Manager owns the pgx connection pool and watches it for exhaustion.
type Manager struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu        sync.Mutex
	strikes   int
	exhausted bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager connects the pool and starts the health monitor. The config may
// carry either a URL or structured connection fields.
func NewManager(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (*Manager, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode(cfg.SSLMode))
	}

	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, faults.Wrap(faults.KindPostgresConnection, "parse postgres config", err)
	}
	pc.MaxConns = cfg.MaxConns
	pc.MaxConnIdleTime = cfg.IdleTimeout
	pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	pc.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, faults.Wrap(faults.KindPostgresConnection, "connect postgres", err)
	}

	m := &Manager{
		pool: pool,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.monitor()
	return m, nil
}

func sslMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}

// Pool exposes the underlying pool to the repository.
func (m *Manager) Pool() *pgxpool.Pool { return m.pool }

// TestConnection probes the database; used once at startup.
func (m *Manager) TestConnection(ctx context.Context) error {
	if err := m.pool.Ping(ctx); err != nil {
		return faults.Wrap(faults.KindPostgresConnection, "connection test failed", err)
	}
	return nil
}

// Stats is a plain snapshot of pool utilization.
type Stats struct {
	Total   int32
	Idle    int32
	Max     int32
	Waiting int64
}

// Stats reads current pool utilization.
func (m *Manager) Stats() Stats {
	st := m.pool.Stat()
	return Stats{
		Total:   st.TotalConns(),
		Idle:    st.IdleConns(),
		Max:     st.MaxConns(),
		Waiting: st.EmptyAcquireCount(),
	}
}

// CheckPoolHealth fails while the pool is critically exhausted.
func (m *Manager) CheckPoolHealth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exhausted {
		return faults.New(faults.KindPostgresConnection, "connection pool critically exhausted")
	}
	return nil
}

// monitor samples pool stats every 5 seconds. Three consecutive samples with
// zero idle connections at full capacity flip the exhausted flag; any
// recovered sample clears it.
func (m *Manager) monitor() {
	defer close(m.done)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		st := m.Stats()
		telemetry.PoolInUseGauge.Set(float64(st.Total - st.Idle))

		m.mu.Lock()
		if st.Idle == 0 && st.Total >= st.Max {
			m.strikes++
			if m.strikes == exhaustionStrikes {
				m.exhausted = true
				m.log.Error("connection pool critically exhausted",
					"total", st.Total, "max", st.Max, "waiting", st.Waiting)
			} else if !m.exhausted {
				m.log.Warn("connection pool saturated",
					"total", st.Total, "max", st.Max, "strikes", m.strikes)
			}
		} else {
			if m.exhausted {
				m.log.Info("connection pool recovered", "idle", st.Idle, "total", st.Total)
			}
			m.strikes = 0
			m.exhausted = false
		}
		m.mu.Unlock()
	}
}

// Close stops the monitor and closes the pool.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.pool.Close()
	})
}
