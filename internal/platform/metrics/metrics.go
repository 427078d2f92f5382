// Package metrics holds the Prometheus collectors of the gatekeeper service.
//
// Collectors are registered on a private registry so tests and the CLI can
// create independent instances.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

const namespace = "gatekeeper"

type Metrics struct {
	registry *prometheus.Registry

	// VerdictsTotal counts published verdicts. Labels: kind, model_name.
	VerdictsTotal *prometheus.CounterVec
	// RuleFailuresTotal counts failed threshold rules on Reject. Labels: model_name, metric.
	RuleFailuresTotal *prometheus.CounterVec
	// DecisionErrorsTotal counts engine calls that ended in an error. Labels: operation, reason.
	DecisionErrorsTotal *prometheus.CounterVec
	// HTTPRequestsTotal labels: method, route, status.
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration labels: method, route.
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verdicts published by kind and model",
		}, []string{"kind", "model_name"}),
		RuleFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Threshold rule failures on rejected candidates",
		}, []string{"model_name", "metric"}),
		DecisionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_errors_total",
			Help:      "Gate and rollback calls that returned an error",
		}, []string{"operation", "reason"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveVerdict(v domain.Verdict) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(string(v.Kind), v.ModelName).Inc()
	for _, f := range v.Failures {
		m.RuleFailuresTotal.WithLabelValues(v.ModelName, f.Metric).Inc()
	}
}

func (m *Metrics) ObserveDecisionError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.DecisionErrorsTotal.WithLabelValues(operation, ErrorReason(err)).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ErrorReason maps an engine error onto a bounded label value.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, domain.ErrNoRollbackTarget):
		return "no_rollback_target"
	case errors.Is(err, domain.ErrIncompleteMetrics):
		return "incomplete_metrics"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
