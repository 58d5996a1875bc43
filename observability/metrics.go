package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the marketplace service. A
// dedicated registry keeps the scrape surface limited to what this process
// actually exports.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	activeListings prometheus.Gauge
	benefits       prometheus.Gauge
}

// NewMetrics builds and registers the service collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusy",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total JSON-RPC requests segmented by method and outcome.",
	}, []string{"method", "outcome"})
	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fusy",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for JSON-RPC handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	m.activeListings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fusy",
		Subsystem: "market",
		Name:      "active_listings",
		Help:      "Number of listings currently open for sale.",
	})
	m.benefits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fusy",
		Subsystem: "market",
		Name:      "benefits_accumulated",
		Help:      "Protocol fees retained and not yet withdrawn.",
	})
	m.registry.MustRegister(m.requests, m.latency, m.activeListings, m.benefits)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records the outcome and latency of one JSON-RPC request.
func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetActiveListings updates the open-listings gauge.
func (m *Metrics) SetActiveListings(count uint64) {
	if m == nil {
		return
	}
	m.activeListings.Set(float64(count))
}

// SetBenefits updates the retained-fees gauge. Precision loss on very large
// amounts is acceptable for a gauge.
func (m *Metrics) SetBenefits(amount float64) {
	if m == nil {
		return
	}
	m.benefits.Set(amount)
}
