package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	PendingChecks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_pending_checks",
			Help: "Number of checks currently executing or queued for a worker",
		},
	)

	ChecksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_checks_skipped_total",
			Help: "Checks not dispatched, by admission reason",
		},
		[]string{"reason"},
	)

	CheckResultsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_check_results_total",
			Help: "Processed check results by state",
		},
		[]string{"state"},
	)

	CheckLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_check_latency_seconds",
			Help:    "Delay between scheduled and actual check execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_check_duration_seconds",
			Help:    "Check command execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// State machine metrics
	StateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_state_changes_total",
			Help: "Hard state changes by checkable kind",
		},
		[]string{"kind"},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notifications_sent_total",
			Help: "Notifications delivered to users, by type",
		},
		[]string{"type"},
	)

	// Cluster metrics
	EndpointsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_cluster_endpoints_connected",
			Help: "Number of cluster endpoints with an established connection",
		},
	)

	ClusterMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cluster_messages_sent_total",
			Help: "Cluster messages queued toward peers, by method",
		},
		[]string{"method"},
	)

	ClusterSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_cluster_send_failures_total",
			Help: "Cluster messages dropped because the peer was unavailable",
		},
	)

	// Persistence metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_snapshot_duration_seconds",
			Help:    "State snapshot write time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_snapshots_total",
			Help: "State snapshots by outcome",
		},
		[]string{"outcome"},
	)

	// External command metrics
	ExternalCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_external_commands_total",
			Help: "External commands by name and outcome",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(PendingChecks)
	prometheus.MustRegister(ChecksSkipped)
	prometheus.MustRegister(CheckResultsProcessed)
	prometheus.MustRegister(CheckLatency)
	prometheus.MustRegister(CheckDuration)
	prometheus.MustRegister(StateChanges)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(EndpointsConnected)
	prometheus.MustRegister(ClusterMessagesSent)
	prometheus.MustRegister(ClusterSendFailures)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(ExternalCommands)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
