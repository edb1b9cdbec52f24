package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics. Construct it once per process: promauto registers into the
// default registry.
type PrometheusRecorder struct {
	requestsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	costsTotal       *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	throttleTotal    *prometheus.CounterVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, instance, state, and status",
			},
			[]string{"model", "instance_id", "state", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "instance_id", "state", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "instance_id", "state"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "instance_id", "state"},
		),
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transitions_total",
				Help: "Total number of state transitions routed by the loop",
			},
			[]string{"source", "target", "trigger"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_throttle_total",
				Help: "Total number of LLM throttling events",
			},
			[]string{"model", "reason"},
		),
	}
}

// ObserveRequest records metrics for a completed model call.
func (p *PrometheusRecorder) ObserveRequest(
	model, instanceID, state string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, instanceID, state, status, errorType).Inc()

	// Tokens and costs only exist on success.
	if success {
		p.tokensTotal.WithLabelValues(model, instanceID, state, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, instanceID, state, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, instanceID, state).Add(cost)
	}

	p.requestDuration.WithLabelValues(model, instanceID, state).Observe(duration.Seconds())
}

// ObserveTransition records one routed state transition.
func (p *PrometheusRecorder) ObserveTransition(source, target, trigger string) {
	p.transitionsTotal.WithLabelValues(source, target, trigger).Inc()
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}
