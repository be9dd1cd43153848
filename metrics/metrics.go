// Package metrics holds the Prometheus instruments of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retail_ai_workflow_runs_total",
			Help: "Total number of workflow runs",
		},
		[]string{"intent", "outcome"},
	)

	workflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retail_ai_workflow_duration_seconds",
			Help:    "Workflow duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"intent"},
	)

	sqlAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retail_ai_sql_attempts_total",
			Help: "Total number of SQL attempts by outcome",
		},
		[]string{"provenance", "outcome"},
	)

	repairExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retail_ai_sql_repair_exhausted_total",
			Help: "Total number of queries that failed every attempt",
		},
	)

	sqlQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retail_ai_sql_query_duration_seconds",
			Help:    "Warehouse query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retail_ai_llm_calls_total",
			Help: "Total number of LLM calls",
		},
		[]string{"model", "status", "reason"},
	)

	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retail_ai_llm_call_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	campaignExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retail_ai_campaign_executions_total",
			Help: "Total number of campaign executions by outcome",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retail_ai_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)

// RecordWorkflow records one finished workflow run.
func RecordWorkflow(intent, outcome string, duration time.Duration) {
	workflowRunsTotal.WithLabelValues(intent, outcome).Inc()
	workflowDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// RecordSQLAttempt records one repair loop attempt.
func RecordSQLAttempt(provenance, outcome string) {
	sqlAttemptsTotal.WithLabelValues(provenance, outcome).Inc()
}

// RecordRepairExhausted records a query that never succeeded.
func RecordRepairExhausted() {
	repairExhaustedTotal.Inc()
}

// RecordQuery records warehouse query latency.
func RecordQuery(duration time.Duration) {
	sqlQueryDuration.Observe(duration.Seconds())
}

// RecordLLMCall records one completion request. reason is empty on success.
func RecordLLMCall(model, status, reason string, duration time.Duration) {
	llmCallsTotal.WithLabelValues(model, status, reason).Inc()
	llmCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordCampaign records a campaign executor outcome.
func RecordCampaign(outcome string) {
	campaignExecutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request by status class.
func RecordHTTPRequest(method, endpoint string, status int) {
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, class).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
