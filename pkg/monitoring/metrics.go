package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for the service
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec

	customMetrics map[string]prometheus.Collector
}

// NewMetricsCollector creates a new metrics collector for a service
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	// Prometheus metric names cannot contain hyphens
	sanitizedServiceName := strings.ReplaceAll(serviceName, "-", "_")

	mc := &MetricsCollector{
		serviceName:   sanitizedServiceName,
		customMetrics: make(map[string]prometheus.Collector),
	}

	mc.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	mc.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_service_info",
			Help: "Service information",
		},
		[]string{"version", "commit"},
	)

	prometheus.MustRegister(mc.httpRequestsTotal)
	prometheus.MustRegister(mc.httpRequestDuration)
	prometheus.MustRegister(mc.serviceInfo)

	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// RegisterCustomMetric registers a custom Prometheus metric
func (mc *MetricsCollector) RegisterCustomMetric(name string, metric prometheus.Collector) {
	mc.customMetrics[name] = metric
	prometheus.MustRegister(metric)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// NewCounter creates a new counter metric for the service
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, counter)
	return counter
}

// NewGauge creates a new gauge metric for the service
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mc.serviceName + "_" + name,
			Help: help,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, gauge)
	return gauge
}

// NewHistogram creates a new histogram metric for the service
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    mc.serviceName + "_" + name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
	mc.RegisterCustomMetric(name, histogram)
	return histogram
}

// CreatePipelineMetrics creates the standard per-item pipeline metrics
func (mc *MetricsCollector) CreatePipelineMetrics() (
	*prometheus.CounterVec, // items_total by topic/outcome
	*prometheus.GaugeVec, // stage_invocations by stage
	*prometheus.HistogramVec, // pipeline_duration_seconds
) {
	items := mc.NewCounter("items_total", "Items processed by outcome", []string{"topic", "outcome"})
	stages := mc.NewGauge("stage_invocations", "Pipeline stage invocations since start", []string{"stage"})
	duration := mc.NewHistogram("pipeline_duration_seconds", "Full pipeline run duration", []string{"topic"}, nil)

	return items, stages, duration
}

// CreateDeliveryMetrics creates the standard delivery queue metrics
func (mc *MetricsCollector) CreateDeliveryMetrics() (
	*prometheus.GaugeVec, // queue_depth by sink
	*prometheus.CounterVec, // sends_total by sink/status
	*prometheus.CounterVec, // dropped_total by sink/reason
) {
	depth := mc.NewGauge("queue_depth", "Pending messages per sink", []string{"sink"})
	sends := mc.NewCounter("sends_total", "Send attempts by result", []string{"sink", "status"})
	dropped := mc.NewCounter("dropped_total", "Messages dropped after exhausting retries", []string{"sink", "reason"})

	return depth, sends, dropped
}

// CreateUpstreamMetrics creates metrics for the upstream fetch path
func (mc *MetricsCollector) CreateUpstreamMetrics() (
	*prometheus.CounterVec, // upstream_requests_total by status
	*prometheus.GaugeVec, // breaker_state
	*prometheus.GaugeVec, // rate_limit_current_rps
) {
	requests := mc.NewCounter("upstream_requests_total", "Upstream API requests by classified outcome", []string{"outcome"})
	breaker := mc.NewGauge("breaker_state", "Circuit breaker state (0=closed 1=half-open 2=open)", []string{"name"})
	rate := mc.NewGauge("rate_limit_current_rps", "Current adaptive request rate", []string{"limiter"})

	return requests, breaker, rate
}
