package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector manages Prometheus metrics for a service
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates a collector with its own registry. The default
// registry is gathered too so package-level metrics stay visible.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		// Prometheus names cannot contain hyphens
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
		registry:    prometheus.NewRegistry(),
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

	mc.registry.MustRegister(mc.httpRequestsTotal, mc.httpRequestDuration, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)
	return mc
}

// Registry exposes the collector's registry, mainly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// RegisterCustomMetric registers a custom Prometheus metric
func (mc *MetricsCollector) RegisterCustomMetric(metric prometheus.Collector) {
	mc.registry.MustRegister(metric)
}

// MetricsMiddleware returns middleware that collects HTTP metrics
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		mc.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	gatherers := prometheus.Gatherers{mc.registry, prometheus.DefaultGatherer}
	handler := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
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
	mc.RegisterCustomMetric(counter)
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
	mc.RegisterCustomMetric(gauge)
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
	mc.RegisterCustomMetric(histogram)
	return histogram
}

// EngineMetrics are the sync engine's metrics. A nil *EngineMetrics is
// valid and records nothing.
type EngineMetrics struct {
	SyncState         *prometheus.GaugeVec
	SyncFailures      *prometheus.CounterVec
	SyncUpdates       *prometheus.CounterVec
	StreamsTracked    *prometheus.GaugeVec
	ScrollbackFetches *prometheus.CounterVec
	RPCCalls          *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	RPCRetries        *prometheus.CounterVec
	NodeFailovers     *prometheus.CounterVec
	StoreReadRetries  *prometheus.CounterVec
	WarmStarts        *prometheus.CounterVec
}

// CreateEngineMetrics registers the engine metric set.
func (mc *MetricsCollector) CreateEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		SyncState:         mc.NewGauge("sync_state", "Current sync subscription state (1 for the active state label)", []string{"state"}),
		SyncFailures:      mc.NewCounter("sync_failures_total", "Sync subscription transport failures", []string{"reason"}),
		SyncUpdates:       mc.NewCounter("sync_updates_total", "Sync operations received", []string{"op"}),
		StreamsTracked:    mc.NewGauge("streams_tracked", "Streams held in memory", []string{"kind"}),
		ScrollbackFetches: mc.NewCounter("scrollback_fetches_total", "Scrollback batches by source and outcome", []string{"source", "outcome"}),
		RPCCalls:          mc.NewCounter("rpc_calls_total", "Node RPC calls", []string{"method", "code"}),
		RPCDuration:       mc.NewHistogram("rpc_call_duration_seconds", "Node RPC duration including retries", []string{"method"}, nil),
		RPCRetries:        mc.NewCounter("rpc_retries_total", "Node RPC retries", []string{"method"}),
		NodeFailovers:     mc.NewCounter("node_failovers_total", "Node address refreshes", []string{"outcome"}),
		StoreReadRetries:  mc.NewCounter("store_read_retries_total", "Store reads retried after a transient abort", []string{"table"}),
		WarmStarts:        mc.NewCounter("warm_starts_total", "Stream warm starts from the local store", []string{"outcome"}),
	}
}

// SetSyncState marks state as the only active state label.
func (m *EngineMetrics) SetSyncState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SyncState.WithLabelValues(s).Set(v)
	}
}

func (m *EngineMetrics) SyncFailure(reason string) {
	if m != nil {
		m.SyncFailures.WithLabelValues(reason).Inc()
	}
}

func (m *EngineMetrics) SyncUpdate(op string) {
	if m != nil {
		m.SyncUpdates.WithLabelValues(op).Inc()
	}
}

func (m *EngineMetrics) SetStreamsTracked(kind string, n int) {
	if m != nil {
		m.StreamsTracked.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *EngineMetrics) ScrollbackFetch(source, outcome string) {
	if m != nil {
		m.ScrollbackFetches.WithLabelValues(source, outcome).Inc()
	}
}

func (m *EngineMetrics) RPCCall(method, code string, d time.Duration) {
	if m != nil {
		m.RPCCalls.WithLabelValues(method, code).Inc()
		m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *EngineMetrics) RPCRetry(method string) {
	if m != nil {
		m.RPCRetries.WithLabelValues(method).Inc()
	}
}

func (m *EngineMetrics) NodeFailover(outcome string) {
	if m != nil {
		m.NodeFailovers.WithLabelValues(outcome).Inc()
	}
}

func (m *EngineMetrics) StoreReadRetry(table string) {
	if m != nil {
		m.StoreReadRetries.WithLabelValues(table).Inc()
	}
}

func (m *EngineMetrics) WarmStart(outcome string) {
	if m != nil {
		m.WarmStarts.WithLabelValues(outcome).Inc()
	}
}
