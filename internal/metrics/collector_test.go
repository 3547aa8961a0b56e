package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("cataloger", reg, zap.NewNop()), reg
}

func TestRecordWorkflowRun(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordWorkflowRun("sales_db", "completed", 90*time.Second)
	c.RecordWorkflowRun("sales_db", "completed", 120*time.Second)
	c.RecordWorkflowRun("sales_db", "failed", 10*time.Second)

	expected := `
		# HELP cataloger_workflow_runs_total Total number of catalog workflow runs
		# TYPE cataloger_workflow_runs_total counter
		cataloger_workflow_runs_total{prefix="sales_db",status="completed"} 2
		cataloger_workflow_runs_total{prefix="sales_db",status="failed"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cataloger_workflow_runs_total"))
}

func TestRecordTaskOutcome(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordTaskOutcome("submitted", 12, 4500)
	c.RecordTaskOutcome("submitted", 8, 1500)
	c.RecordTaskOutcome("iterations_exceeded", 50, 20000)

	expected := `
		# HELP cataloger_task_tokens_used_total Completion tokens consumed by agent tasks
		# TYPE cataloger_task_tokens_used_total counter
		cataloger_task_tokens_used_total{kind="iterations_exceeded"} 20000
		cataloger_task_tokens_used_total{kind="submitted"} 6000
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "cataloger_task_tokens_used_total"))

	assert.Equal(t, 2, testutil.CollectAndCount(c.taskOutcomesTotal), "two outcome kinds")
}

func TestRecordPoolState(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordPoolState(3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolAcquired))

	c.RecordPoolState(0, 4)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.poolIdle))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolAcquired))
}

func TestRecordExecutionOutcomes(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordExecution("ok")
	c.RecordExecution("ok")
	c.RecordExecution("failed")
	c.RecordExecution("infra_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("infra_error")))
}

func TestRecordRuntimeReplacement(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordRuntimeReplacement()
	c.RecordRuntimeReplacement()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.runtimeReplaced))
}

func TestRecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("POST", "/api/v1/catalog", 202, 5*time.Millisecond)
	c.RecordHTTPRequest("GET", "/api/v1/catalogs", 200, time.Millisecond)
	c.RecordHTTPRequest("GET", "/api/v1/catalogs", 500, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/v1/catalog", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/v1/catalogs", "5xx")))
}

func TestRecordCache(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCacheHit("context")
	c.RecordCacheMiss("context")
	c.RecordCacheMiss("context")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("context")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("context")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(42))
}
