// Package metrics provides the Prometheus collectors for the prediction pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catdog"

// Metrics holds the prediction pipeline collectors.
type Metrics struct {
	Predictions         *prometheus.CounterVec
	InferenceDuration   prometheus.Histogram
	FeedbackUpdates     *prometheus.CounterVec
	RecordWriteFailures prometheus.Counter
	ModelLoaded         prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Inference requests by outcome (cat, dog, error, invalid_input, unavailable).",
		}, []string{"result"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent preprocessing and scoring an image.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FeedbackUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_updates_total",
			Help:      "Feedback update attempts by outcome.",
		}, []string{"outcome"}),
		RecordWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_write_failures_total",
			Help:      "Prediction records that could not be persisted.",
		}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when the classifier artifact is loaded, 0 otherwise.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Predictions, m.InferenceDuration, m.FeedbackUpdates, m.RecordWriteFailures, m.ModelLoaded,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// ObservePrediction records one inference outcome. A nil receiver is a no-op so
// callers without metrics need no guards.
func (m *Metrics) ObservePrediction(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(result).Inc()
	if elapsed > 0 {
		m.InferenceDuration.Observe(elapsed.Seconds())
	}
}

// ObserveFeedback records one feedback update outcome.
func (m *Metrics) ObserveFeedback(outcome string) {
	if m == nil {
		return
	}
	m.FeedbackUpdates.WithLabelValues(outcome).Inc()
}

// RecordWriteFailed counts a prediction record that was lost.
func (m *Metrics) RecordWriteFailed() {
	if m == nil {
		return
	}
	m.RecordWriteFailures.Inc()
}

// SetModelLoaded updates the model availability gauge.
func (m *Metrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.ModelLoaded.Set(1)
	} else {
		m.ModelLoaded.Set(0)
	}
}
