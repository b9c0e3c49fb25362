package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the reconciliation engine.
// Collectors are registered on the registerer given to NewMetrics; a nil
// registerer keeps them unregistered.
type Metrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	retriesTotal      prometheus.Counter
	faultsTotal       prometheus.Counter
	conflictsTotal    prometheus.Counter
	droppedTotal      *prometheus.CounterVec
	movesPairedTotal  *prometheus.CounterVec
	actions           prometheus.Gauge
	inFlight          prometheus.Gauge
}

// NewMetrics creates the engine collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peersync_executions_total",
				Help: "Total executed actions by state and result",
			},
			[]string{"state", "result"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peersync_execution_duration_seconds",
				Help:    "Duration of remote operations by state",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		retriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peersync_retries_total",
				Help: "Total retries scheduled after transient failures",
			},
		),
		faultsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peersync_protocol_faults_total",
				Help: "Total events rejected by the state machine",
			},
		),
		conflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peersync_conflicts_total",
				Help: "Total conflicts detected",
			},
		),
		droppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peersync_dropped_events_total",
				Help: "Total events dropped before reaching an action",
			},
			[]string{"reason"},
		),
		movesPairedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peersync_moves_paired_total",
				Help: "Total delete and create pairs recognized as moves",
			},
			[]string{"origin"},
		),
		actions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peersync_actions",
				Help: "Number of actions in the index",
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peersync_executions_in_flight",
				Help: "Number of remote operations currently running",
			},
		),
	}
}
