// Package metrics collects prometheus metrics for the cataloger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns the service's metric vectors. It satisfies the
// workflow's Metrics dependency.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Workflow
	workflowRunsTotal   *prometheus.CounterVec
	workflowRunDuration *prometheus.HistogramVec

	// Agent tasks
	taskOutcomesTotal *prometheus.CounterVec
	taskIterations    *prometheus.HistogramVec
	taskTokensUsed    *prometheus.CounterVec

	// Runtime pool
	poolIdle        prometheus.Gauge
	poolAcquired    prometheus.Gauge
	executionsTotal *prometheus.CounterVec
	runtimeReplaced prometheus.Counter
	acquireWaitTime prometheus.Histogram

	// Cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers all metric vectors on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.workflowRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of catalog workflow runs",
		},
		[]string{"prefix", "status"},
	)

	c.workflowRunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Catalog workflow run duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"prefix", "status"},
	)

	c.taskOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Total number of agent task outcomes by kind",
		},
		[]string{"kind"},
	)

	c.taskIterations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_iterations",
			Help:      "Model requests issued per agent task",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 50, 75, 100},
		},
		[]string{"kind"},
	)

	c.taskTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_tokens_used_total",
			Help:      "Completion tokens consumed by agent tasks",
		},
		[]string{"kind"},
	)

	c.poolIdle = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_idle_runtimes",
		Help:      "Number of idle evaluation runtimes",
	})

	c.poolAcquired = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_acquired_runtimes",
		Help:      "Number of acquired evaluation runtimes",
	})

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_executions_total",
			Help:      "Total number of code executions by outcome",
		},
		[]string{"outcome"}, // ok, failed, infra_error
	)

	c.runtimeReplaced = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runtime_replacements_total",
		Help:      "Total number of unhealthy runtimes destroyed and replaced",
	})

	c.acquireWaitTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pool_acquire_wait_seconds",
		Help:      "Time spent waiting to acquire a runtime",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 15, 30, 60},
	})

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWorkflowRun records one workflow run outcome.
func (c *Collector) RecordWorkflowRun(prefix, status string, duration time.Duration) {
	c.workflowRunsTotal.WithLabelValues(prefix, status).Inc()
	c.workflowRunDuration.WithLabelValues(prefix, status).Observe(duration.Seconds())
}

// RecordTaskOutcome records one agent task outcome.
func (c *Collector) RecordTaskOutcome(kind string, iterations, tokens int) {
	c.taskOutcomesTotal.WithLabelValues(kind).Inc()
	c.taskIterations.WithLabelValues(kind).Observe(float64(iterations))
	c.taskTokensUsed.WithLabelValues(kind).Add(float64(tokens))
}

// RecordPoolState updates the pool occupancy gauges.
func (c *Collector) RecordPoolState(idle, acquired int) {
	c.poolIdle.Set(float64(idle))
	c.poolAcquired.Set(float64(acquired))
}

// RecordExecution records one code execution outcome.
func (c *Collector) RecordExecution(outcome string) {
	c.executionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRuntimeReplacement records an unhealthy runtime being replaced.
func (c *Collector) RecordRuntimeReplacement() {
	c.runtimeReplaced.Inc()
}

// RecordAcquireWait records how long an acquire blocked.
func (c *Collector) RecordAcquireWait(d time.Duration) {
	c.acquireWaitTime.Observe(d.Seconds())
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
