package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fleet registry metrics.
var (
	ActiveServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_active_servers",
		Help: "Number of relay servers currently in the active set",
	})

	FleetUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_utilization_ratio",
		Help: "Fleet-wide tunnel slot utilization (0..1)",
	})

	ServerLoadReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_server_load_reports_total",
		Help: "Total load reports received from relay servers",
	})

	ServerRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_server_registrations_total",
		Help: "Total relay server registration requests",
	})
)

// Capacity manager metrics.
var (
	CapacityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capacity_checks_total",
		Help: "Admission checks by outcome",
	}, []string{"outcome"}) // allowed, system_denied, quota_denied, fail_open

	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capacity_quota_denials_total",
		Help: "User quota denials by reason",
	}, []string{"reason"})
)

// Status engine metrics.
var (
	HeartbeatsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "status_heartbeats_processed_total",
		Help: "Total heartbeats accepted and evaluated",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_transitions_total",
		Help: "Status changes by new status",
	}, []string{"status"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "status_sweep_duration_seconds",
		Help:    "Duration of the periodic heartbeat staleness sweep",
		Buckets: prometheus.DefBuckets,
	})

	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dispatched_total",
		Help: "Status-change events delivered to subscribers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Status-change events dropped due to slow subscribers",
	})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_fired_total",
		Help: "Alerts fired by template",
	}, []string{"template"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alerts_suppressed_total",
		Help: "Alerts suppressed by the per-instance cooldown",
	})
)

// Store metrics.
var (
	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_operations_total",
		Help: "Database operations by result",
	}, []string{"result"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_errors_total",
		Help: "Database errors by category",
	}, []string{"category"})

	StateStoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statestore_operations_total",
		Help: "Shared state store operations by kind",
	}, []string{"op"})
)

// Serve exposes the prometheus registry on its own port. It blocks until the
// server fails, so callers run it in a goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
