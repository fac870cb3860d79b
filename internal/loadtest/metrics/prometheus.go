package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chakload"

var phaseValues = map[Phase]float64{
	PhaseInit:     0,
	PhaseRampUp:   1,
	PhaseSteady:   2,
	PhaseDraining: 3,
	PhaseDone:     4,
}

// Prometheus exports run events as Prometheus metrics.
// Create at most one per registry.
type Prometheus struct {
	requests    *prometheus.CounterVec
	statusCodes *prometheus.CounterVec
	latency     prometheus.Histogram
	bytes       prometheus.Counter
	activeUsers prometheus.Gauge
	phase       prometheus.Gauge
}

// NewPrometheus registers the run collectors on reg. testType is attached to
// every series as a constant label.
func NewPrometheus(reg prometheus.Registerer, testType string) *Prometheus {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"test_type": testType}

	return &Prometheus{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Request attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		statusCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "responses_total",
			Help:        "HTTP responses by status code",
			ConstLabels: labels,
		}, []string{"code"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "response_time_seconds",
			Help:        "Response time of requests that got a response",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "received_bytes_total",
			Help:        "Response body bytes received",
			ConstLabels: labels,
		}),
		activeUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_users",
			Help:        "Virtual users currently running",
			ConstLabels: labels,
		}),
		phase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_phase",
			Help:        "Run phase: 0 init, 1 ramp-up, 2 steady, 3 draining, 4 done",
			ConstLabels: labels,
		}),
	}
}

func (p *Prometheus) ObserveOutcome(r OutcomeRecord) {
	p.requests.WithLabelValues(string(r.Outcome())).Inc()
	if r.StatusCode > 0 {
		p.statusCodes.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()
	}
	if r.ResponseTime > 0 {
		p.latency.Observe(r.ResponseTime.Seconds())
	}
	p.bytes.Add(float64(r.Size))
}

func (p *Prometheus) SetActiveUsers(n int) {
	p.activeUsers.Set(float64(n))
}

func (p *Prometheus) SetPhase(phase Phase) {
	p.phase.Set(phaseValues[phase])
}
