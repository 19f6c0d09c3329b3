// Package metrics exposes volume agent metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cloud_volume_agent"

// Collector is a prometheus.Collector for provider requests, state
// transitions and running operations. It implements blockdevice.Observer.
type Collector struct {
	providerRequests        *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	transitionDuration      *prometheus.HistogramVec
	operationsInFlight      prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_requests_total",
				Help:      "The number of requests made to the block storage provider.",
			}, []string{"operation", "outcome"},
		),
		providerRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_request_duration_seconds",
				Help:      "The time taken by block storage provider requests.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"operation"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "state_transition_duration_seconds",
				Help:      "The time volumes took to reach the end state of an operation.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			}, []string{"operation", "outcome"},
		),
		operationsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "operations_in_flight",
				Help:      "The number of volume operations currently running.",
			},
		),
	}
}

// ProviderRequest records one provider call.
func (c *Collector) ProviderRequest(operation, outcome string, d time.Duration) {
	c.providerRequests.WithLabelValues(operation, outcome).Inc()
	c.providerRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Transition records the end of one wait for a state change.
func (c *Collector) Transition(operation, outcome string, d time.Duration) {
	c.transitionDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// OperationStarted marks an operation as running.
func (c *Collector) OperationStarted() {
	c.operationsInFlight.Inc()
}

// OperationFinished marks an operation as done.
func (c *Collector) OperationFinished() {
	c.operationsInFlight.Dec()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.providerRequests.Describe(ch)
	c.providerRequestDuration.Describe(ch)
	c.transitionDuration.Describe(ch)
	c.operationsInFlight.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.providerRequests.Collect(ch)
	c.providerRequestDuration.Collect(ch)
	c.transitionDuration.Collect(ch)
	c.operationsInFlight.Collect(ch)
}
