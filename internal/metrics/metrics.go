// Package metrics exposes Prometheus collectors for the toonify service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	PipelineRunsTotal    *prometheus.CounterVec
	PipelineRunDuration  *prometheus.HistogramVec
	StreamFramesTotal    *prometheus.CounterVec
	SweptImagesTotal     prometheus.Counter
	ProviderCallsTotal   *prometheus.CounterVec
	EventPublishFailures prometheus.Counter
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toonify_pipeline_runs_total",
			Help: "Pipeline runs by terminal status and failure kind",
		}, []string{"status", "kind"}),

		PipelineRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toonify_pipeline_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		}, []string{"status"}),

		StreamFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toonify_stream_frames_total",
			Help: "Transformation stream frames by outcome",
		}, []string{"outcome"}),

		SweptImagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toonify_swept_images_total",
			Help: "Stranded records forced to FAILED by the sweeper",
		}),

		ProviderCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toonify_identity_provider_calls_total",
			Help: "Identity provider token exchanges by grant and outcome",
		}, []string{"grant", "outcome"}),

		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toonify_event_publish_failures_total",
			Help: "Status events that could not be published",
		}),
	}

	m.HTTPRequestTotal = registerOrGet(m.HTTPRequestTotal).(*prometheus.CounterVec)
	m.HTTPRequestDuration = registerOrGet(m.HTTPRequestDuration).(*prometheus.HistogramVec)
	m.PipelineRunsTotal = registerOrGet(m.PipelineRunsTotal).(*prometheus.CounterVec)
	m.PipelineRunDuration = registerOrGet(m.PipelineRunDuration).(*prometheus.HistogramVec)
	m.StreamFramesTotal = registerOrGet(m.StreamFramesTotal).(*prometheus.CounterVec)
	m.SweptImagesTotal = registerOrGet(m.SweptImagesTotal).(prometheus.Counter)
	m.ProviderCallsTotal = registerOrGet(m.ProviderCallsTotal).(*prometheus.CounterVec)
	m.EventPublishFailures = registerOrGet(m.EventPublishFailures).(prometheus.Counter)

	globalMetrics = m
	return m
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
