package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitsTracked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_submits_tracked_total", Help: "Broker submits mirrored into Postgres"})
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobguard_status_transitions_total", Help: "Record status transitions applied"}, []string{"status"})
	StuckDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_stuck_detected_total", Help: "Processing rows harvested as stuck"})
	StuckRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_stuck_recovered_total", Help: "Stuck jobs re-enqueued into the broker"})
	JobsDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_jobs_dead_total", Help: "Jobs dead-lettered after exhausting attempts"})
	ReenqueueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_reenqueue_failures_total", Help: "Re-enqueue attempts that failed"})
	ReconcileCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_reconcile_cycles_total", Help: "Reconciliation cycles run"})
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobguard_reconcile_duration_seconds",
		Help:    "Duration of one reconciliation cycle",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12)})
	CleanupDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobguard_cleanup_deleted_total", Help: "Terminal rows deleted by retention cleanup"})
	BreakerStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobguard_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"})
	PoolInUseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobguard_pool_in_use", Help: "Postgres connections currently in use"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register installs the jobguard collectors exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitsTracked,
			StatusTransitions,
			StuckDetected,
			StuckRecovered,
			JobsDead,
			ReenqueueFailures,
			ReconcileCycles,
			ReconcileDuration,
			CleanupDeleted,
			BreakerStateGauge,
			PoolInUseGauge,
		)
	})
}
