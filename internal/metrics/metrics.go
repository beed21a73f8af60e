// Package metrics holds the Prometheus collectors of the engine. Collectors register on
// the default registry at init and are served by the API on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "liqsentry"

// ============ Scans ============

// ScansTotal counts completed scan passes by kind (full, recheck).
var ScansTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "scans_total",
		Help:      "Completed scan passes",
	},
	[]string{"kind"},
)

// ScanDuration observes wall time of one scan pass.
var ScanDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "scan_duration_seconds",
		Help:      "Duration of one scan pass in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"kind"},
)

// PositionChecks counts per-position checks by result (ok, error, evicted).
var PositionChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "position_checks_total",
		Help:      "Per-position checks by result",
	},
	[]string{"result"},
)

// TrackedPositions is the number of borrowers under active tracking.
var TrackedPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "tracked_positions",
		Help:      "Borrowers under active tracking",
	},
)

// ============ Simulation ============

// SimulationsTotal counts simulation runs by outcome (sampled, boundary, error).
var SimulationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "simulation",
		Name:      "simulations_total",
		Help:      "Monte Carlo runs by outcome",
	},
	[]string{"outcome"},
)

// SimulationDuration observes the CPU time of a single run.
var SimulationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "simulation",
		Name:      "simulation_duration_seconds",
		Help:      "Duration of one Monte Carlo run in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	},
)

// ============ Alerts ============

// AlertsDispatched counts alerts handed to the delivery queue.
var AlertsDispatched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "alerts_dispatched_total",
		Help:      "Alerts handed to delivery",
	},
	[]string{"type", "severity"},
)

// AlertsSuppressed counts eligible alerts held back by an active cooldown or the
// minimum severity.
var AlertsSuppressed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "alerts_suppressed_total",
		Help:      "Eligible alerts not delivered",
	},
	[]string{"type"},
)

// AlertDeliveries counts sink delivery attempts by sink and result.
var AlertDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "alert_deliveries_total",
		Help:      "Alert deliveries by sink and result",
	},
	[]string{"sink", "result"},
)

// AlertQueueDropped counts alerts dropped because the delivery queue was full.
var AlertQueueDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "alert_queue_dropped_total",
		Help:      "Alerts dropped on a full delivery queue",
	},
)

// ============ Upstream ============

// MarketRefreshErrors counts failed price refreshes per asset.
var MarketRefreshErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "market",
		Name:      "market_refresh_errors_total",
		Help:      "Failed market refreshes per asset",
	},
	[]string{"asset"},
)

// LiquidationEvents counts liquidation events consumed from the ledger.
var LiquidationEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "liquidation_events_total",
		Help:      "Liquidation events observed on the ledger",
	},
)
