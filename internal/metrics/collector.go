package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UsageSource 可以报告用量的存储后端
type UsageSource interface {
	BytesInUse(ctx context.Context) (int64, error)
	CapacityBytes() int64
}

// UsageCollector 定期采集后端用量与 Go 运行时指标
type UsageCollector struct {
	source   UsageSource
	interval time.Duration
	timeout  time.Duration
}

// NewUsageCollector 创建采集器，interval <= 0 时取 15s
func NewUsageCollector(source UsageSource, interval time.Duration) *UsageCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &UsageCollector{source: source, interval: interval, timeout: 5 * time.Second}
}

// Run 阻塞直到 ctx 取消
func (c *UsageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce 采集一次；后端不可用时只记错误数，保留上一次的用量值
func (c *UsageCollector) CollectOnce(ctx context.Context) {
	c.collectUsage(ctx)
	c.collectRuntimeStats()
}

func (c *UsageCollector) collectUsage(ctx context.Context) {
	if c.source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	used, err := c.source.BytesInUse(ctx)
	if err != nil {
		collectorErrors.Inc()
		return
	}
	capacity := c.source.CapacityBytes()

	StorageBytesInUse.Set(float64(used))
	StorageCapacityBytes.Set(float64(capacity))
	if capacity > 0 {
		HistoryStorageUsage.Set(float64(used) / float64(capacity))
	}
}

// collectRuntimeStats 收集 Go 运行时统计信息
func (c *UsageCollector) collectRuntimeStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goMemoryUsage.Set(float64(m.Alloc))
	goGoroutines.Set(float64(runtime.NumGoroutine()))
	goGCCount.Set(float64(m.NumGC))
}

var (
	// StorageBytesInUse 后端已用字节数
	StorageBytesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contextcache_storage_bytes_in_use",
		Help: "存储后端已用字节数",
	})

	// StorageCapacityBytes 后端容量
	StorageCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contextcache_storage_capacity_bytes",
		Help: "存储后端容量（字节）",
	})

	collectorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextcache_usage_collector_errors_total",
		Help: "用量采集失败次数",
	})

	goMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contextcache_go_memory_alloc_bytes",
		Help: "当前堆内存使用量",
	})

	goGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contextcache_go_goroutines",
		Help: "当前 Goroutine 数量",
	})

	goGCCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contextcache_go_gc_count",
		Help: "GC 次数",
	})
)
