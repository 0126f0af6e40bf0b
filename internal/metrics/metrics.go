// ============================================================================
// proctor-guard Metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: expose supervisor, permission gate and aggregator state to
//          Prometheus.
//
// Metrics:
//
//   1. Counters (labelled by worker):
//      - proctor_worker_starts_total
//      - proctor_worker_restarts_total
//      - proctor_worker_stale_total
//      - proctor_worker_heartbeats_total
//      - proctor_violations_total{worker,severity}
//
//   2. Gauges:
//      - proctor_worker_up{worker}            1 while running
//      - proctor_permission_granted{permission}
//      - proctor_active_violations{worker}
//
// Example queries:
//
//   # workers that keep crashing
//   increase(proctor_worker_restarts_total[10m]) > 3
//
//   # critical findings this session
//   sum(proctor_violations_total{severity="CRITICAL"})
//
// HTTP endpoint: /metrics on metrics.port (default 9090).
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/proctor-guard/internal/aggregator"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements supervisor.Observer and receives permission and
// aggregator updates.
type Collector struct {
	workerStarts     *prometheus.CounterVec
	workerRestarts   *prometheus.CounterVec
	workerStale      *prometheus.CounterVec
	heartbeats       *prometheus.CounterVec
	workerUp         *prometheus.GaugeVec
	permission       *prometheus.GaugeVec
	violations       *prometheus.CounterVec
	activeViolations *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		workerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_worker_starts_total",
			Help: "Worker processes spawned by the supervisor",
		}, []string{"worker"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_worker_restarts_total",
			Help: "Worker processes respawned after a crash or hang",
		}, []string{"worker"}),
		workerStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_worker_stale_total",
			Help: "Workers killed for missing heartbeats",
		}, []string{"worker"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_worker_heartbeats_total",
			Help: "Heartbeats received from workers",
		}, []string{"worker"}),
		workerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proctor_worker_up",
			Help: "1 while the worker is running",
		}, []string{"worker"}),
		permission: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proctor_permission_granted",
			Help: "1 when the permission is granted",
		}, []string{"permission"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Violations recorded in history",
		}, []string{"worker", "severity"}),
		activeViolations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proctor_active_violations",
			Help: "Violations in the worker's latest sample",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		c.workerStarts,
		c.workerRestarts,
		c.workerStale,
		c.heartbeats,
		c.workerUp,
		c.permission,
		c.violations,
		c.activeViolations,
	)
	return c
}

// ----------------------------------------------------------------------------
// supervisor.Observer
// ----------------------------------------------------------------------------

func (c *Collector) WorkerStarted(key string) {
	c.workerStarts.WithLabelValues(key).Inc()
}

func (c *Collector) WorkerRestarted(key string) {
	c.workerRestarts.WithLabelValues(key).Inc()
}

func (c *Collector) WorkerStale(key string) {
	c.workerStale.WithLabelValues(key).Inc()
}

func (c *Collector) HeartbeatReceived(key string) {
	c.heartbeats.WithLabelValues(key).Inc()
}

func (c *Collector) WorkerUp(key string, up bool) {
	c.workerUp.WithLabelValues(key).Set(boolFloat(up))
}

// ----------------------------------------------------------------------------
// Permission gate and aggregator hooks
// ----------------------------------------------------------------------------

// PermissionChanged is installed as the gate's OnChange callback.
func (c *Collector) PermissionChanged(p types.Permission) {
	c.permission.WithLabelValues(p.Key).Set(boolFloat(p.Status == types.PermissionGranted))
}

// ObserveUpdate is subscribed to the aggregator.
func (c *Collector) ObserveUpdate(u aggregator.Update) {
	for _, v := range u.New {
		c.violations.WithLabelValues(v.Worker, v.Severity.String()).Inc()
	}
	c.activeViolations.WithLabelValues(u.Worker).Set(float64(len(u.Active)))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// HTTP endpoint
// ============================================================================

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// StartServer serves /metrics on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
