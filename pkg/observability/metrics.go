package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created lazily and registered on the supplied registerer.
type PrometheusMetricsClient struct {
	namespace  string
	registerer prometheus.Registerer

	mu       sync.RWMutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec

	cacheOps  *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client on the given registerer.
// Passing nil uses the default registerer.
func NewPrometheusMetricsClient(namespace string, registerer prometheus.Registerer) *PrometheusMetricsClient {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetricsClient{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		cacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total cache operations by operation and outcome",
		}, []string{"operation", "status"}),
		latencies: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordCacheOperation records a cache operation with its outcome and duration
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.cacheOps.WithLabelValues(operation, status).Inc()
	c.latencies.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordLatency records the duration of a named operation
func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.latencies.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementCounterWithLabels increments a named counter
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.getOrCreateCounter(name, labelKeys(labels)).With(labels).Add(value)
}

// RecordGauge sets a named gauge
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.getOrCreateGauge(name, labelKeys(labels)).With(labels).Set(value)
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}
	counter = promauto.With(c.registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      name,
	}, labels)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}
	gauge = promauto.With(c.registerer).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      name,
	}, labels)
	c.gauges[name] = gauge
	return gauge
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewMetricsClient creates a no-op metrics client, useful for tests and for
// components constructed without an explicit client.
func NewMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (c *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (c *NoopMetricsClient) RecordLatency(operation string, duration time.Duration) {}
func (c *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}
