package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector on a private registry.
type Prometheus struct {
	stateTransitions *prometheus.CounterVec
	portNegotiation  *prometheus.HistogramVec
	healthAttempts   *prometheus.HistogramVec
	healthDuration   *prometheus.HistogramVec
	provisionRuns    *prometheus.HistogramVec
	assetFiles       *prometheus.CounterVec
	stopDuration     prometheus.Histogram
	errors           *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus creates a collector whose metric names are prefixed with
// namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "sidecar"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_state_transitions_total",
			Help:      "Total number of backend supervisor state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	p.portNegotiation = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_port_negotiation_seconds",
			Help:      "Time from spawn until the backend reported its port",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	p.healthAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_health_attempts",
			Help:      "Health check attempts used before readiness or giving up",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	p.healthDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_health_duration_seconds",
			Help:      "Duration of the readiness poll",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	p.provisionRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "environment_provision_duration_seconds",
			Help:      "Duration of environment provisioning passes",
			Buckets:   []float64{0.01, 0.1, 1, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	p.assetFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_files_written_total",
			Help:      "Files written by asset synchronization",
		},
		[]string{"dir"},
	)

	p.stopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_stop_duration_seconds",
			Help:      "Duration of backend termination",
			Buckets:   prometheus.DefBuckets,
		},
	)

	p.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of supervisor errors",
		},
		[]string{"kind"},
	)

	p.registry.MustRegister(
		p.stateTransitions,
		p.portNegotiation,
		p.healthAttempts,
		p.healthDuration,
		p.provisionRuns,
		p.assetFiles,
		p.stopDuration,
		p.errors,
	)

	return p
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *Prometheus) StateTransition(from, to string) {
	p.stateTransitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) PortNegotiation(duration time.Duration, err error) {
	p.portNegotiation.WithLabelValues(status(err)).Observe(duration.Seconds())
}

func (p *Prometheus) HealthCheck(attempts int, duration time.Duration, err error) {
	s := status(err)
	p.healthAttempts.WithLabelValues(s).Observe(float64(attempts))
	p.healthDuration.WithLabelValues(s).Observe(duration.Seconds())
}

func (p *Prometheus) ProvisionRun(outcome string, duration time.Duration) {
	p.provisionRuns.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *Prometheus) AssetSync(dir string, written int) {
	p.assetFiles.WithLabelValues(dir).Add(float64(written))
}

func (p *Prometheus) StopDuration(duration time.Duration) {
	p.stopDuration.Observe(duration.Seconds())
}

func (p *Prometheus) Error(kind string) {
	p.errors.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
