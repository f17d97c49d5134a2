package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 批次处理耗时（秒）
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detection_batch_duration_seconds",
			Help:    "Wall time spent processing one detection batch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
		[]string{"outcome"}, // outcome: completed, failed, aborted
	)

	// Oracle 调用延迟（毫秒）
	OracleCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_call_latency_ms",
			Help:    "Enrichment oracle call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	// Oracle token 用量
	OracleTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_tokens_total",
			Help: "Total tokens consumed by oracle calls",
		},
		[]string{"provider", "kind"}, // kind: prompt, completion
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails processed by the pipeline",
		},
		[]string{"outcome"}, // outcome: completed, failed, skipped, non_booking
	)

	// Reconcile 决策计数
	ReconcileDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_decisions_total",
			Help: "Version reconciler decisions by kind",
		},
		[]string{"decision"}, // decision: insert, supersede, cancel, noop
	)

	// Trip 变更计数
	TripChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trip_changes_total",
			Help: "Trips created or extended by the boundary resolver",
		},
		[]string{"change"}, // change: created, extended, recomputed
	)

	// Pipeline 运行状态
	PipelineRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detection_pipeline_running",
			Help: "1 while a detection run is in flight",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
	)
)

// RecordBatchDuration 记录批次处理耗时
func RecordBatchDuration(outcome string, duration time.Duration) {
	BatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordOracleCall 记录一次 oracle 调用的延迟
func RecordOracleCall(provider, status string, duration time.Duration) {
	OracleCallLatency.WithLabelValues(provider, status).Observe(float64(duration.Milliseconds()))
}

// RecordOracleTokens 记录 oracle token 用量
func RecordOracleTokens(provider string, prompt, completion int64) {
	OracleTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	OracleTokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(outcome string) {
	EmailProcessedCount.WithLabelValues(outcome).Inc()
}

// IncrementReconcileDecision 增加 reconcile 决策计数
func IncrementReconcileDecision(decision string) {
	ReconcileDecisions.WithLabelValues(decision).Inc()
}

// IncrementTripChange 增加 trip 变更计数
func IncrementTripChange(change string) {
	TripChanges.WithLabelValues(change).Inc()
}

// SetPipelineRunning 设置 pipeline 运行状态
func SetPipelineRunning(running bool) {
	if running {
		PipelineRunning.Set(1)
	} else {
		PipelineRunning.Set(0)
	}
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}
