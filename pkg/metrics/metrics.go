package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksReserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_reserved_total",
			Help: "Total number of task reservations granted",
		},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_tasks_finished_total",
			Help: "Total number of tasks finished by terminal state",
		},
		[]string{"state"},
	)

	ReservationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_reservation_latency_seconds",
			Help:    "Time taken to reserve a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lease metrics
	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_leases_active",
			Help: "Number of currently active leases",
		},
	)

	LeasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_leases_reclaimed_total",
			Help: "Total number of expired leases reclaimed",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_queue_depth",
			Help: "Queued items by priority class",
		},
		[]string{"priority"},
	)

	QueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_queue_dropped_total",
			Help: "Total number of items dropped by reason",
		},
		[]string{"reason"},
	)

	// Rate limiter metrics
	LimiterTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_limiter_tokens",
			Help: "Remaining tokens by provider",
		},
		[]string{"provider"},
	)

	LimiterThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_limiter_throttled_total",
			Help: "Total number of throttled requests by provider",
		},
		[]string{"provider"},
	)

	// Reservation conflict metrics
	FileConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_file_conflicts_total",
			Help: "Total number of reservations rolled back over file conflicts",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksReserved)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(ReservationLatency)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(LeasesReclaimed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueDropped)
	prometheus.MustRegister(LimiterTokens)
	prometheus.MustRegister(LimiterThrottled)
	prometheus.MustRegister(FileConflicts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
