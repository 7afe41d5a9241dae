package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch cycle metrics
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farmd_cycle_duration_seconds",
			Help:    "Duration of one full dispatch cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CyclePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farmd_cycle_phase_duration_seconds",
			Help:    "Duration of one dispatch cycle phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_cycles_total",
			Help: "Total number of dispatch cycles run",
		},
	)

	// Scheduling metrics
	CommandsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_commands_assigned_total",
			Help: "Total number of commands assigned to render nodes",
		},
	)

	AssignmentsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_assignments_failed_total",
			Help: "Total number of assignments cleared after a delivery failure",
		},
	)

	CommandsAutoRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_commands_autoretried_total",
			Help: "Total number of commands re-queued by autoretry",
		},
	)

	// Fleet metrics
	RenderNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmd_render_nodes_total",
			Help: "Number of render nodes by status",
		},
		[]string{"status"},
	)

	RenderNodesQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmd_render_nodes_quarantined",
			Help: "Number of render nodes currently in quarantine",
		},
	)

	// Tree metrics
	GraphsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_graphs_submitted_total",
			Help: "Total number of graphs accepted",
		},
	)

	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmd_nodes_total",
			Help: "Number of live nodes in the dispatch tree",
		},
	)

	// License metrics
	LicenseUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmd_license_used",
			Help: "Seats in use per license",
		},
		[]string{"license"},
	)

	LicenseMaximum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farmd_license_maximum",
			Help: "Seat capacity per license",
		},
		[]string{"license"},
	)

	// Ingress metrics
	IngressQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farmd_ingress_queue_depth",
			Help: "Work items waiting for the dispatcher goroutine",
		},
	)

	IngressRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farmd_ingress_rejected_total",
			Help: "Ingress requests rejected because the work queue was full",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farmd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(CyclePhaseDuration)
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CommandsAssigned)
	prometheus.MustRegister(AssignmentsFailed)
	prometheus.MustRegister(CommandsAutoRetried)
	prometheus.MustRegister(RenderNodesTotal)
	prometheus.MustRegister(RenderNodesQuarantined)
	prometheus.MustRegister(GraphsSubmitted)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(LicenseUsed)
	prometheus.MustRegister(LicenseMaximum)
	prometheus.MustRegister(IngressQueueDepth)
	prometheus.MustRegister(IngressRejected)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
