package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contextcache_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIRequestsInFlight 正在处理的请求数
	APIRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextcache_api_requests_in_flight",
			Help: "正在处理的 API 请求数",
		},
	)
)

// 历史记录存储指标
var (
	// HistorySavesTotal 保存次数
	HistorySavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_history_saves_total",
			Help: "历史记录保存次数",
		},
		[]string{"status", "kind"}, // status: success, failed
	)

	// HistoryLoadsTotal 读取次数
	HistoryLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_history_loads_total",
			Help: "历史记录读取次数",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	// HistoryEvictionsTotal 淘汰的会话数
	HistoryEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_history_evictions_total",
			Help: "被淘汰的会话数",
		},
		[]string{"reason"}, // reason: smart, emergency
	)

	// HistoryCleanupDuration 清理耗时（秒）
	HistoryCleanupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contextcache_history_cleanup_duration_seconds",
			Help:    "清理耗时分布",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"reason"},
	)

	// HistoryStorageUsage 存储用量比例
	HistoryStorageUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextcache_history_storage_usage_ratio",
			Help: "存储用量占容量比例",
		},
	)

	// HistoryKeys 已登记的会话数
	HistoryKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextcache_history_keys",
			Help: "索引中登记的会话数",
		},
	)
)

// 存储后端指标
var (
	// PortOperationDuration 后端操作耗时（秒）
	PortOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contextcache_port_operation_duration_seconds",
			Help:    "存储后端操作耗时分布",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"backend", "operation"}, // operation: get, set, remove, usage
	)

	// PortErrorsTotal 后端错误数
	PortErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_port_errors_total",
			Help: "存储后端错误数",
		},
		[]string{"backend", "operation"},
	)
)

// 上下文优化指标
var (
	// OptimizerRunsTotal 上下文优化次数
	OptimizerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextcache_optimizer_runs_total",
			Help: "上下文优化次数",
		},
		[]string{"outcome"}, // outcome: unchanged, truncated, summarized
	)

	// PromptTokens 组装后的提示词估算 Token 数
	PromptTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contextcache_prompt_estimated_tokens",
			Help:    "组装后的提示词估算 Token 数分布",
			Buckets: []float64{250, 500, 1000, 2000, 4000, 6000, 8000, 12000},
		},
	)
)

// ObservePort 记录一次后端操作
func ObservePort(backend, operation string, seconds float64, err error) {
	PortOperationDuration.WithLabelValues(backend, operation).Observe(seconds)
	if err != nil {
		PortErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}
