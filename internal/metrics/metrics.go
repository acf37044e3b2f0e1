// Package metrics holds the Prometheus collectors shared by the resolve path,
// the validator and maintenance. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "topicimg"

type Metrics struct {
	Validations        *prometheus.CounterVec
	ValidationDuration prometheus.Histogram
	Lookups            *prometheus.CounterVec
	Resolves           *prometheus.CounterVec
	GenerationAttempts *prometheus.CounterVec
	Evictions          prometheus.Counter
	MaintenanceRemoved *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "url_validations_total",
			Help:      "URL validation checks by result.",
		}, []string{"result"}),
		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "url_validation_duration_seconds",
			Help:      "Latency of single URL validation checks.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		Resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Resolve calls by how they were satisfied.",
		}, []string{"outcome"}),
		GenerationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Candidate generation attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted to keep topics under the per-topic cap.",
		}),
		MaintenanceRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Rows removed by maintenance steps.",
		}, []string{"step"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.Validations, m.ValidationDuration, m.Lookups, m.Resolves,
		m.GenerationAttempts, m.Evictions, m.MaintenanceRemoved,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

func (m *Metrics) ObserveValidation(valid bool, d time.Duration) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(result(valid, "valid", "invalid")).Inc()
	m.ValidationDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveLookup(hit bool) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result(hit, "hit", "miss")).Inc()
}

func (m *Metrics) ObserveResolve(outcome string) {
	if m == nil {
		return
	}
	m.Resolves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGeneration(strategy string, ok bool) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(strategy, result(ok, "success", "failure")).Inc()
}

func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

func (m *Metrics) AddRemoved(step string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.MaintenanceRemoved.WithLabelValues(step).Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
