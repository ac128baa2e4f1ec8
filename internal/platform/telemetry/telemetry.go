// Package telemetry exposes Prometheus metrics for the webhook API and
// workers: HTTP server metrics, database pool gauges and the delivery
// pipeline counters.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds the static labels attached to every series.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "rcm-webhooks"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// defaultDurationBuckets are HTTP request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// deliveryBuckets cover outbound calls up to the 30s delivery timeout.
var deliveryBuckets = []float64{
	0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// TelemetryProvider owns a dedicated registry and the collectors on it.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge

	pipelineEvents   *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
}

// NewTelemetryProvider creates a provider with Go and process collectors
// already registered.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	constLabels := prometheus.Labels{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_server_requests_total",
			Help:        "HTTP requests by method, route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "HTTP request duration in seconds.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "In-flight HTTP requests.",
			ConstLabels: constLabels,
		}),
		dbPoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_active_connections",
			Help:        "Acquired database connections.",
			ConstLabels: constLabels,
		}),
		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_idle_connections",
			Help:        "Idle database connections.",
			ConstLabels: constLabels,
		}),
		pipelineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "webhook_pipeline_events_total",
			Help:        "Webhook pipeline counters by metric name.",
			ConstLabels: constLabels,
		}, []string{"metric", "event_environment", "event_type", "error_type"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "webhook_pipeline_duration_seconds",
			Help:        "Webhook pipeline timings by metric name.",
			Buckets:     deliveryBuckets,
			ConstLabels: constLabels,
		}, []string{"metric", "event_environment", "event_type"}),
	}

	tp.registry.MustRegister(
		tp.httpRequests,
		tp.httpDuration,
		tp.activeRequests,
		tp.dbPoolActive,
		tp.dbPoolIdle,
		tp.pipelineEvents,
		tp.pipelineDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return tp
}

// Registry exposes the provider's registry for tests and extra collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// MetricsMiddleware records request counts, durations and in-flight requests.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			// Route pattern keeps label cardinality bounded.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			tp.httpRequests.WithLabelValues(labels...).Inc()
			tp.httpDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

// HealthMetricsRecorder updates database pool gauges.
type HealthMetricsRecorder struct {
	tp *TelemetryProvider
}

func (tp *TelemetryProvider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) { h.tp.dbPoolActive.Set(float64(n)) }
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64)   { h.tp.dbPoolIdle.Set(float64(n)) }

// PipelineEmitter adapts the provider to the webhook pipeline's metrics
// interface. Per-webhook and per-organization dimensions are dropped to
// keep series bounded; CloudWatch carries those.
type PipelineEmitter struct {
	tp *TelemetryProvider
}

func (tp *TelemetryProvider) PipelineEmitter() *PipelineEmitter {
	return &PipelineEmitter{tp: tp}
}

func (e *PipelineEmitter) Count(_ context.Context, name string, value float64, dims map[string]string) error {
	e.tp.pipelineEvents.
		WithLabelValues(name, dims["Environment"], dims["EventType"], dims["ErrorType"]).
		Add(value)
	return nil
}

func (e *PipelineEmitter) Duration(_ context.Context, name string, d time.Duration, dims map[string]string) error {
	e.tp.pipelineDuration.
		WithLabelValues(name, dims["Environment"], dims["EventType"]).
		Observe(d.Seconds())
	return nil
}
