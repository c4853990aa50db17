package history

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// 淘汰策略默认参数
const (
	DefaultMaxKeys       = 300
	DefaultStaleAfter    = 30 * 24 * time.Hour
	EmergencyEvictionPct = 50
)

// keyClearer 淘汰时通过 Store.Clear 删除记录，保证记录与索引同步移除
type keyClearer interface {
	Clear(ctx context.Context, key string) bool
}

// CleanupResult 清理结果
type CleanupResult struct {
	Candidates   int      `json:"candidates"`
	RemovedCount int      `json:"removedCount"`
	Removed      []string `json:"removed,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

// EvictionPolicy 按最近访问时间挑选淘汰对象
// 不按字节精确计算：单条记录大小在删除前无法廉价得知，按固定比例删除保证每次都有进展
type EvictionPolicy struct {
	maxKeys    int
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewEvictionPolicy 创建淘汰策略
func NewEvictionPolicy(maxKeys int, staleAfter time.Duration, logger *zap.Logger) *EvictionPolicy {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvictionPolicy{maxKeys: maxKeys, staleAfter: staleAfter, logger: logger}
}

// SmartVictims 过期键与超出键数上限的最旧键的并集（去重，按访问时间升序）
func (p *EvictionPolicy) SmartVictims(idx *StorageIndex, now time.Time) []string {
	ordered := idx.ByLastAccess()
	cutoff := now.Add(-p.staleAfter).UnixMilli()

	selected := make(map[string]struct{})
	for _, k := range ordered {
		if idx.LastAccess(k) < cutoff {
			selected[k] = struct{}{}
		}
	}
	if excess := len(ordered) - p.maxKeys; excess > 0 {
		for _, k := range ordered[:excess] {
			selected[k] = struct{}{}
		}
	}

	victims := make([]string, 0, len(selected))
	for _, k := range ordered {
		if _, ok := selected[k]; ok {
			victims = append(victims, k)
		}
	}
	return victims
}

// EmergencyVictims 最旧的一半键（向下取整）
func (p *EvictionPolicy) EmergencyVictims(idx *StorageIndex) []string {
	ordered := idx.ByLastAccess()
	n := len(ordered) * EmergencyEvictionPct / 100
	return ordered[:n]
}

// SmartCleanup 机会式清理
func (p *EvictionPolicy) SmartCleanup(ctx context.Context, idx *StorageIndex, now time.Time, store keyClearer) CleanupResult {
	return p.evict(ctx, "smart", p.SmartVictims(idx, now), store)
}

// EmergencyCleanup 紧急清理；索引为空时 RemovedCount=0，不视为错误
func (p *EvictionPolicy) EmergencyCleanup(ctx context.Context, idx *StorageIndex, store keyClearer) CleanupResult {
	return p.evict(ctx, "emergency", p.EmergencyVictims(idx), store)
}

// evict 逐个删除，部分失败可以容忍
func (p *EvictionPolicy) evict(ctx context.Context, reason string, victims []string, store keyClearer) CleanupResult {
	result := CleanupResult{Candidates: len(victims)}
	for _, key := range victims {
		if store.Clear(ctx, key) {
			result.Removed = append(result.Removed, key)
			continue
		}
		result.Failed = append(result.Failed, key)
	}
	result.RemovedCount = len(result.Removed)

	if result.Candidates > 0 {
		p.logger.Info("历史记录清理完成",
			zap.String("reason", reason),
			zap.Int("candidates", result.Candidates),
			zap.Int("removed", result.RemovedCount),
			zap.Int("failed", len(result.Failed)),
		)
	}
	return result
}
