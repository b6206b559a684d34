package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpfed/internal/domain"
)

type PrometheusMetrics struct {
	probeDuration   *prometheus.HistogramVec
	forwardDuration *prometheus.HistogramVec
	healthChecks    *prometheus.CounterVec
	mergeConflicts  prometheus.Counter
	gatewaysTotal   prometheus.Gauge
	gatewaysUp      prometheus.Gauge
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpfed_probe_duration_seconds",
				Help:    "Duration of gateway connectivity probes in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"transport", "outcome"},
		),
		forwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpfed_forward_duration_seconds",
				Help:    "Duration of forwarded JSON-RPC requests in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		healthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfed_health_checks_total",
				Help: "Total number of health checks by outcome",
			},
			[]string{"outcome"},
		),
		mergeConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcpfed_tool_merge_conflicts_total",
				Help: "Total number of tool declarations skipped during federation",
			},
		),
		gatewaysTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpfed_gateways_registered",
				Help: "Current number of registered gateways",
			},
		),
		gatewaysUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpfed_gateways_reachable",
				Help: "Current number of reachable gateways",
			},
		),
	}
}

func (p *PrometheusMetrics) ObserveProbe(transport domain.Transport, duration time.Duration, failure domain.FailureKind) {
	outcome := "ok"
	if failure != domain.FailureNone {
		outcome = string(failure)
	}
	p.probeDuration.WithLabelValues(string(transport), outcome).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveForward(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = string(domain.CodeFrom(err))
	}
	p.forwardDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveHealthCheck(ok bool) {
	outcome := "up"
	if !ok {
		outcome = "down"
	}
	p.healthChecks.WithLabelValues(outcome).Inc()
}

func (p *PrometheusMetrics) ObserveMergeConflicts(count int) {
	if count > 0 {
		p.mergeConflicts.Add(float64(count))
	}
}

func (p *PrometheusMetrics) SetGatewayCounts(registered, reachable int) {
	p.gatewaysTotal.Set(float64(registered))
	p.gatewaysUp.Set(float64(reachable))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
