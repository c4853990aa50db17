// Package storage 提供 history.PersistencePort 的各类后端实现
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contextcache/internal/history"
	"contextcache/internal/metrics"
)

// 后端名称，与配置 storage.backend 对应
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendGorm   = "gorm"
	BackendBolt   = "bolt"
	BackendRelay  = "relay"
)

// DefaultCapacityBytes 未配置容量时使用的默认值（10MB）
const DefaultCapacityBytes int64 = 10 * 1024 * 1024

// entrySize 单条键值占用的字节数，所有后端统一按 len(key)+len(value) 计
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// observe 记录后端操作耗时与错误
func observe(backend, op string, start time.Time, err error) {
	metrics.ObservePort(backend, op, time.Since(start).Seconds(), err)
}

// unavailable 包装为 ErrBackendUnavailable，同时保留 context 错误以便识别超时
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, history.ErrCapacityExceeded) || errors.Is(err, history.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", history.ErrBackendUnavailable, op, err)
}

// capacityExceeded 容量不足错误
func capacityExceeded(used, incoming, capacity int64) error {
	return fmt.Errorf("%w: used %d + incoming %d > capacity %d", history.ErrCapacityExceeded, used, incoming, capacity)
}

// checkCapacity 写入后总量超过容量时拒绝；capacity<=0 表示不限制
func checkCapacity(used, incoming, capacity int64) error {
	if capacity > 0 && used+incoming > capacity {
		return capacityExceeded(used, incoming, capacity)
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable("context", err)
	}
	return nil
}
