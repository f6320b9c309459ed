// Package metrics records workflow run, node and LLM usage metrics in prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a prometheus registry so that independent collectors
// (one per test, for example) never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	orderDegraded  prometheus.Counter
	llmTokens      *prometheus.CounterVec
	llmCost        *prometheus.CounterVec
	chainRunsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with metrics under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_runs_total",
		Help:      "Workflow runs by final outcome",
	}, []string{"outcome"})

	c.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_run_duration_seconds",
		Help:      "Wall-clock duration of workflow runs",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"outcome"})

	c.nodeExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_executions_total",
		Help:      "Node executions by type and terminal status",
	}, []string{"node_type", "status"})

	c.nodeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "node_execution_duration_seconds",
		Help:      "Node execution duration by type",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type"})

	c.orderDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_degraded_total",
		Help:      "Runs whose execution order fell back because of cycles or unreachable nodes",
	})

	c.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "LLM tokens consumed",
	}, []string{"model", "kind"})

	c.llmCost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_cost_usd_total",
		Help:      "Estimated LLM cost in USD",
	}, []string{"model"})

	c.chainRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_runs_total",
		Help:      "Prompt-chain runs by status",
	}, []string{"status"})

	reg.MustRegister(
		c.runsTotal, c.runDuration,
		c.nodeExecutions, c.nodeDuration, c.orderDegraded,
		c.llmTokens, c.llmCost, c.chainRunsTotal,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRun records a finished workflow run. All Record methods are no-ops
// on a nil Collector.
func (c *Collector) RecordRun(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordNode records one node reaching a terminal status.
func (c *Collector) RecordNode(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutions.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordOrderDegraded counts a best-effort (fallback) execution order.
func (c *Collector) RecordOrderDegraded() {
	if c == nil {
		return
	}
	c.orderDegraded.Inc()
}

// RecordLLMUsage records token usage and estimated cost for one call.
func (c *Collector) RecordLLMUsage(model string, promptTokens, completionTokens int, cost float64) {
	if c == nil {
		return
	}
	c.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if cost > 0 {
		c.llmCost.WithLabelValues(model).Add(cost)
	}
}

// RecordChainRun records a finished prompt-chain run.
func (c *Collector) RecordChainRun(status string) {
	if c == nil {
		return
	}
	c.chainRunsTotal.WithLabelValues(status).Inc()
}
