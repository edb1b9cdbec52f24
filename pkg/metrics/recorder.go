// Package metrics provides Prometheus-based metrics recording for agent runs
// and a query service for aggregating them per evaluation instance.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording run metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed model call.
	ObserveRequest(
		model, instanceID, state string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// ObserveTransition records one routed state transition.
	ObserveTransition(source, target, trigger string)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(
	_, _, _ string,
	_, _ int,
	_ float64,
	_ bool,
	_ string,
	_ time.Duration,
) {
	// No-op
}

// ObserveTransition does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTransition(_, _, _ string) {
	// No-op
}

// IncThrottle does nothing in the no-op recorder.
func (n *NoopRecorder) IncThrottle(_, _ string) {
	// No-op
}
