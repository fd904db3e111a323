// Package metrics defines the Prometheus metrics exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector for the service.
type Metrics struct {
	PredictionsTotal  *prometheus.CounterVec // by predicted label
	PredictionErrors  prometheus.Counter
	PredictionScores  prometheus.Histogram
	CacheHits         prometheus.Counter
	UploadRowsTotal   prometheus.Counter
	UploadRowErrors   prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec // by path
	HistoryAppends    prometheus.Counter
}

// New registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers against a custom registry, which keeps tests
// isolated from the global one.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served, by predicted label",
		}, []string{"label"}),
		PredictionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_errors_total",
			Help: "Total number of failed prediction attempts",
		}),
		PredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_confidence",
			Help:    "Distribution of winning-class confidence scores",
			Buckets: prometheus.LinearBuckets(0.3, 0.05, 14),
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_cache_hits_total",
			Help: "Predictions answered from the result cache",
		}),
		UploadRowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_rows_total",
			Help: "Rows successfully parsed from uploaded files",
		}),
		UploadRowErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_row_errors_total",
			Help: "Rows rejected while parsing uploaded files",
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by path",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		HistoryAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "history_appends_total",
			Help: "Prediction records appended to history",
		}),
	}
}

// PredictionMade implements predictor.MetricsSink.
func (m *Metrics) PredictionMade(label string, confidence float64) {
	m.PredictionsTotal.WithLabelValues(label).Inc()
	m.PredictionScores.Observe(confidence)
}

// PredictionFailed implements predictor.MetricsSink.
func (m *Metrics) PredictionFailed() {
	m.PredictionErrors.Inc()
}

// CacheHit implements predictor.MetricsSink.
func (m *Metrics) CacheHit() {
	m.CacheHits.Inc()
}
