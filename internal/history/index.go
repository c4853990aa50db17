package history

import (
	"encoding/json"
	"sort"
	"time"
)

// StorageIndex 进程级元数据索引：已保存的键及其最近访问时间
// 每个持久化的 HistoryRecord 都必须在这里有对应条目，反之亦然
type StorageIndex struct {
	keys          map[string]struct{}
	lastAccess    map[string]int64
	lastCleanupAt int64
}

// indexDocument 索引的持久化格式
type indexDocument struct {
	Keys          []string         `json:"keys"`
	LastAccess    map[string]int64 `json:"lastAccess"`
	LastCleanupAt int64            `json:"lastCleanupAt"`
}

// NewStorageIndex 创建空索引
func NewStorageIndex() *StorageIndex {
	return &StorageIndex{
		keys:       make(map[string]struct{}),
		lastAccess: make(map[string]int64),
	}
}

// Touch 登记键并刷新最近访问时间
func (idx *StorageIndex) Touch(key string, now time.Time) {
	idx.keys[key] = struct{}{}
	idx.lastAccess[key] = now.UnixMilli()
}

// Forget 同时移除键与访问时间
func (idx *StorageIndex) Forget(key string) {
	delete(idx.keys, key)
	delete(idx.lastAccess, key)
}

// Has 是否登记了该键
func (idx *StorageIndex) Has(key string) bool {
	_, ok := idx.keys[key]
	return ok
}

// Len 已登记的键数量
func (idx *StorageIndex) Len() int {
	return len(idx.keys)
}

// LastAccess 最近访问时间（毫秒），未登记返回 0
func (idx *StorageIndex) LastAccess(key string) int64 {
	return idx.lastAccess[key]
}

// LastCleanupAt 最近一次清理时间
func (idx *StorageIndex) LastCleanupAt() time.Time {
	if idx.lastCleanupAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(idx.lastCleanupAt).UTC()
}

// MarkCleanup 记录清理时间
func (idx *StorageIndex) MarkCleanup(now time.Time) {
	idx.lastCleanupAt = now.UnixMilli()
}

// Keys 按键名排序返回
func (idx *StorageIndex) Keys() []string {
	out := make([]string, 0, len(idx.keys))
	for k := range idx.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ByLastAccess 按最近访问时间升序（最旧在前），时间相同按键名排序保证确定性
func (idx *StorageIndex) ByLastAccess() []string {
	keys := idx.Keys()
	sort.SliceStable(keys, func(i, j int) bool {
		return idx.lastAccess[keys[i]] < idx.lastAccess[keys[j]]
	})
	return keys
}

// Clone 拷贝，供清理策略在快照上计算
func (idx *StorageIndex) Clone() *StorageIndex {
	out := NewStorageIndex()
	for k := range idx.keys {
		out.keys[k] = struct{}{}
	}
	for k, v := range idx.lastAccess {
		out.lastAccess[k] = v
	}
	out.lastCleanupAt = idx.lastCleanupAt
	return out
}

// MarshalJSON 持久化格式
func (idx *StorageIndex) MarshalJSON() ([]byte, error) {
	return json.Marshal(indexDocument{
		Keys:          idx.Keys(),
		LastAccess:    idx.lastAccess,
		LastCleanupAt: idx.lastCleanupAt,
	})
}

// UnmarshalJSON 读取持久化格式；keys 与 lastAccess 任一侧缺失的条目会被补齐
func (idx *StorageIndex) UnmarshalJSON(data []byte) error {
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	idx.keys = make(map[string]struct{}, len(doc.Keys))
	idx.lastAccess = make(map[string]int64, len(doc.Keys))
	for _, k := range doc.Keys {
		idx.keys[k] = struct{}{}
		idx.lastAccess[k] = doc.LastAccess[k]
	}
	for k, v := range doc.LastAccess {
		if _, ok := idx.keys[k]; !ok {
			idx.keys[k] = struct{}{}
			idx.lastAccess[k] = v
		}
	}
	idx.lastCleanupAt = doc.LastCleanupAt
	return nil
}
