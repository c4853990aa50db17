package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"contextcache/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 后端中的键名空间；记录键总带冒号，索引键不带，二者不会冲突
const (
	recordKeyPrefix = "history:"
	indexKey        = "history_index"
)

// Stats 存储统计
type Stats struct {
	Usage     float64 `json:"usage"`
	BytesUsed int64   `json:"bytesUsed"`
	MaxBytes  int64   `json:"maxBytes"`
	KeyCount  int     `json:"keyCount"`
}

// MessagePatch 模型调用完成后的回填内容
type MessagePatch struct {
	ResponseID string `json:"responseId,omitempty"`
	// TokenCount 为 0 时由 Store 的 TokenCounter 计算
	TokenCount int `json:"tokenCount,omitempty"`
}

// Store 会话历史缓存门面
// 持有元数据索引，在写入前后调用 QuotaManager 与 EvictionPolicy
type Store struct {
	port    PersistencePort
	quota   *QuotaManager
	policy  *EvictionPolicy
	clock   TimeSource
	counter TokenCounter
	logger  *zap.Logger
	tracer  trace.Tracer

	soft, hard        float64
	maxMessages       int
	maxKeys           int
	staleAfter        time.Duration
	timeout           time.Duration
	backgroundCleanup bool

	// mu 保护索引，并串行化所有写路径，保证记录与索引成对变更
	mu          sync.Mutex
	index       *StorageIndex
	indexLoaded bool

	cleanupWG sync.WaitGroup
}

// NewStore 创建会话历史缓存
func NewStore(port PersistencePort, opts ...Option) *Store {
	s := &Store{
		port:        port,
		clock:       SystemClock,
		counter:     EstimateCounter{},
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("contextcache/internal/history"),
		soft:        SoftThreshold,
		hard:        HardThreshold,
		maxMessages: DefaultMaxMessagesPerKey,
		maxKeys:     DefaultMaxKeys,
		staleAfter:  DefaultStaleAfter,
		index:       NewStorageIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.quota = NewQuotaManager(port, s.soft, s.hard, s.logger)
	s.policy = NewEvictionPolicy(s.maxKeys, s.staleAfter, s.logger)
	return s
}

// Save 用完整消息列表替换会话记录
func (s *Store) Save(ctx context.Context, key string, messages []Message, subject SubjectInfo, owner OwnerInfo, opts ...SaveOption) SaveResult {
	ctx, span := s.tracer.Start(ctx, "ChatHistoryStore.Save")
	defer span.End()
	span.SetAttributes(attribute.String("history.key", key), attribute.Int("history.messages", len(messages)))

	if strings.TrimSpace(key) == "" {
		return s.observeSave(span, failed(ErrInvalidKey, false, nil))
	}

	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readRecord(ctx, key)
	switch {
	case errors.Is(err, ErrCorruptRecord):
		// 整条记录会被替换，损坏的旧值不应阻塞写入
		s.logger.Warn("旧记录损坏，按不存在处理", zap.String("key", key), zap.Error(err))
		prev = nil
	case err != nil:
		return s.observeSave(span, failed(err, false, nil))
	}
	if o.expectedVersion != nil {
		current := int64(0)
		if prev != nil {
			current = prev.Version
		}
		if current != *o.expectedVersion {
			err := fmt.Errorf("%w: expected %d, current %d", ErrConflict, *o.expectedVersion, current)
			return s.observeSave(span, failed(err, false, nil))
		}
	}

	now := s.clock.Now()
	record := &HistoryRecord{
		Key:         key,
		SourceURL:   o.sourceURL,
		Messages:    s.prepareMessages(messages, now),
		LastUpdated: now.UTC(),
		OwnerInfo:   owner,
		SubjectInfo: subject.capped(),
		Version:     1,
	}
	if prev != nil {
		record.Version = prev.Version + 1
		if record.SourceURL == "" {
			record.SourceURL = prev.SourceURL
		}
		record.ContextSummary = prev.ContextSummary
		record.LastSummaryIndex = prev.LastSummaryIndex
		record.TotalTokensUsed = prev.TotalTokensUsed
	}

	return s.observeSave(span, s.persistLocked(ctx, record))
}

// UpdateMessage 回填单条消息的 ResponseID / TokenCount
func (s *Store) UpdateMessage(ctx context.Context, key, messageID string, patch MessagePatch) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.readRecord(ctx, key)
	if errors.Is(err, ErrCorruptRecord) {
		return fmt.Errorf("%w: key %s: %w", ErrMessageNotFound, key, err)
	}
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: key %s", ErrMessageNotFound, key)
	}

	found := false
	for i := range record.Messages {
		if record.Messages[i].ID != messageID {
			continue
		}
		if patch.ResponseID != "" {
			record.Messages[i].ResponseID = patch.ResponseID
		}
		tokens := patch.TokenCount
		if tokens <= 0 {
			tokens = s.counter.Count(record.Messages[i].Content)
		}
		record.Messages[i].TokenCount = tokens
		found = true
		break
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrMessageNotFound, key, messageID)
	}

	record.Version++
	record.LastUpdated = s.clock.Now().UTC()

	res := s.persistLocked(ctx, record)
	if !res.Success {
		return res.Err
	}
	return nil
}

// Load 读取会话消息；键不存在或任何失败都返回空切片
func (s *Store) Load(ctx context.Context, key string) []Message {
	record, ok := s.LoadRecord(ctx, key)
	if !ok {
		return []Message{}
	}
	return record.Messages
}

// LoadRecord 读取完整记录并刷新最近访问时间
func (s *Store) LoadRecord(ctx context.Context, key string) (*HistoryRecord, bool) {
	ctx, span := s.tracer.Start(ctx, "ChatHistoryStore.Load")
	defer span.End()
	span.SetAttributes(attribute.String("history.key", key))

	if strings.TrimSpace(key) == "" {
		return nil, false
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	record, err := s.readRecord(ctx, key)
	if err != nil {
		span.RecordError(err)
		metrics.HistoryLoadsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("读取会话历史失败", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if record == nil {
		metrics.HistoryLoadsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.HistoryLoadsTotal.WithLabelValues("hit").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureIndexLocked(ctx); err == nil {
		next := s.index.Clone()
		next.Touch(key, s.clock.Now())
		if err := s.persistIndexLocked(ctx, next); err != nil {
			s.logger.Warn("刷新访问时间失败", zap.String("key", key), zap.Error(err))
		}
	}

	if record.Messages == nil {
		record.Messages = []Message{}
	}
	return record, true
}

// Clear 删除记录及其索引条目；后端失败返回 false
// 未知键视为删除成功并且不改动索引
func (s *Store) Clear(ctx context.Context, key string) bool {
	ctx, span := s.tracer.Start(ctx, "ChatHistoryStore.Clear")
	defer span.End()
	span.SetAttributes(attribute.String("history.key", key))

	if strings.TrimSpace(key) == "" {
		return false
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, key)
}

// ClearAll 清空所有已登记的会话，然后清空索引本身
func (s *Store) ClearAll(ctx context.Context) bool {
	ctx, span := s.tracer.Start(ctx, "ChatHistoryStore.ClearAll")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("加载索引失败", zap.Error(err))
		return false
	}

	ok := true
	for _, key := range s.index.Keys() {
		if !s.clearLocked(ctx, key) {
			ok = false
		}
	}
	if !ok {
		return false
	}

	if err := s.port.Remove(ctx, []string{indexKey}); err != nil {
		span.RecordError(err)
		s.logger.Warn("删除索引失败", zap.Error(err))
		return false
	}
	s.index = NewStorageIndex()
	metrics.HistoryKeys.Set(0)
	return true
}

// Stats 用量与会话数
func (s *Store) Stats(ctx context.Context) Stats {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	usage := s.checkUsage(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	keyCount := 0
	if err := s.ensureIndexLocked(ctx); err == nil {
		keyCount = s.index.Len()
	}
	return Stats{
		Usage:     usage.Fraction,
		BytesUsed: usage.BytesUsed,
		MaxBytes:  usage.MaxBytes,
		KeyCount:  keyCount,
	}
}

// RunSmartCleanup 立即执行一次智能清理
func (s *Store) RunSmartCleanup(ctx context.Context) (CleanupResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smartCleanupLocked(ctx)
}

// RunEmergencyCleanup 立即执行一次紧急清理
func (s *Store) RunEmergencyCleanup(ctx context.Context) (CleanupResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyCleanupLocked(ctx)
}

// WaitCleanup 等待后台清理结束，供关闭流程与测试使用
func (s *Store) WaitCleanup() {
	s.cleanupWG.Wait()
}

// persistLocked 配额检查 → 写入 → 容量失败时紧急清理并重试一次
func (s *Store) persistLocked(ctx context.Context, record *HistoryRecord) SaveResult {
	usage := s.checkUsage(ctx)
	cleaned := false

	switch s.quota.Classify(usage) {
	case SeverityHard:
		res, err := s.emergencyCleanupLocked(ctx)
		if err != nil {
			return failed(err, false, &usage)
		}
		if res.RemovedCount == 0 {
			return failed(fmt.Errorf("%w: usage %.2f", ErrStorageFull, usage.Fraction), false, &usage)
		}
		cleaned = true
	case SeveritySoft:
		s.scheduleSmartCleanupLocked(ctx)
	}

	err := s.writeRecordLocked(ctx, record)
	if errors.Is(err, ErrCapacityExceeded) && !cleaned {
		s.logger.Warn("写入超出容量，执行紧急清理后重试", zap.String("key", record.Key), zap.Error(err))
		cleaned = true
		if _, cerr := s.emergencyCleanupLocked(ctx); cerr != nil {
			return failed(cerr, cleaned, &usage)
		}
		err = s.writeRecordLocked(ctx, record)
		if err != nil {
			after := s.checkUsage(ctx)
			return failed(err, cleaned, &after)
		}
	}
	if err != nil {
		return failed(err, cleaned, &usage)
	}

	return SaveResult{Success: true, Cleaned: cleaned, Usage: &usage}
}

// scheduleSmartCleanupLocked 软阈值清理：尽力而为，结果不影响写入
func (s *Store) scheduleSmartCleanupLocked(ctx context.Context) {
	if !s.backgroundCleanup {
		if _, err := s.smartCleanupLocked(ctx); err != nil {
			s.logger.Warn("智能清理失败", zap.Error(err))
		}
		return
	}

	s.cleanupWG.Add(1)
	go func() {
		defer s.cleanupWG.Done()
		bg, cancel := s.withTimeout(context.WithoutCancel(ctx))
		defer cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.smartCleanupLocked(bg); err != nil {
			s.logger.Warn("后台智能清理失败", zap.Error(err))
		}
	}()
}

func (s *Store) smartCleanupLocked(ctx context.Context) (CleanupResult, error) {
	if err := s.ensureIndexLocked(ctx); err != nil {
		return CleanupResult{}, err
	}
	start := time.Now()
	now := s.clock.Now()
	res := s.policy.SmartCleanup(ctx, s.index.Clone(), now, lockedClearer{s})
	s.finishCleanupLocked(ctx, "smart", res, start)
	return res, nil
}

func (s *Store) emergencyCleanupLocked(ctx context.Context) (CleanupResult, error) {
	if err := s.ensureIndexLocked(ctx); err != nil {
		return CleanupResult{}, err
	}
	start := time.Now()
	res := s.policy.EmergencyCleanup(ctx, s.index.Clone(), lockedClearer{s})
	s.finishCleanupLocked(ctx, "emergency", res, start)
	return res, nil
}

func (s *Store) finishCleanupLocked(ctx context.Context, reason string, res CleanupResult, start time.Time) {
	metrics.HistoryCleanupDuration.WithLabelValues(reason).Observe(time.Since(start).Seconds())
	metrics.HistoryEvictionsTotal.WithLabelValues(reason).Add(float64(res.RemovedCount))

	next := s.index.Clone()
	next.MarkCleanup(s.clock.Now())
	if res.RemovedCount == 0 {
		// 没有删除任何键时不单独写索引，清理时间随下一次写入落盘
		s.index = next
		return
	}
	if err := s.persistIndexLocked(ctx, next); err != nil {
		s.logger.Warn("记录清理时间失败", zap.Error(err))
	}
}

// lockedClearer 在已持有 s.mu 时供淘汰策略回调
type lockedClearer struct{ s *Store }

func (c lockedClearer) Clear(ctx context.Context, key string) bool {
	return c.s.clearLocked(ctx, key)
}

// clearLocked 先删记录再删索引条目；索引只在后端删除成功后更新
// 索引持久化失败返回 false，持久化索引中残留的条目在下次加载时修复
func (s *Store) clearLocked(ctx context.Context, key string) bool {
	if err := s.ensureIndexLocked(ctx); err != nil {
		s.logger.Warn("加载索引失败", zap.String("key", key), zap.Error(err))
		return false
	}

	if err := s.port.Remove(ctx, []string{recordKey(key)}); err != nil {
		s.logger.Warn("删除会话历史失败", zap.String("key", key), zap.Error(err))
		return false
	}

	if !s.index.Has(key) {
		return true
	}

	next := s.index.Clone()
	next.Forget(key)
	if err := s.persistIndexLocked(ctx, next); err != nil {
		// 记录已删除，内存索引仍需同步
		s.logger.Warn("持久化索引失败", zap.String("key", key), zap.Error(err))
		s.index = next
		metrics.HistoryKeys.Set(float64(next.Len()))
		return false
	}
	return true
}

// writeRecordLocked 记录与索引在同一次 Set 中写入
func (s *Store) writeRecordLocked(ctx context.Context, record *HistoryRecord) error {
	if err := s.ensureIndexLocked(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化会话历史失败: %w", err)
	}

	next := s.index.Clone()
	next.Touch(record.Key, s.clock.Now())
	idxData, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("序列化索引失败: %w", err)
	}

	if err := s.port.Set(ctx, map[string][]byte{
		recordKey(record.Key): data,
		indexKey:              idxData,
	}); err != nil {
		return err
	}

	s.index = next
	metrics.HistoryKeys.Set(float64(next.Len()))
	return nil
}

func (s *Store) persistIndexLocked(ctx context.Context, next *StorageIndex) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("序列化索引失败: %w", err)
	}
	if err := s.port.Set(ctx, map[string][]byte{indexKey: data}); err != nil {
		return err
	}
	s.index = next
	metrics.HistoryKeys.Set(float64(next.Len()))
	return nil
}

// ensureIndexLocked 首次使用时从后端加载索引
func (s *Store) ensureIndexLocked(ctx context.Context) error {
	if s.indexLoaded {
		return nil
	}

	items, err := s.port.Get(ctx, []string{indexKey})
	if err != nil {
		return err
	}

	idx := NewStorageIndex()
	if data, ok := items[indexKey]; ok && len(data) > 0 {
		if err := json.Unmarshal(data, idx); err != nil {
			// 索引损坏时从空索引重建，孤立记录会在下次读取时重新登记
			s.logger.Warn("索引损坏，重建为空索引", zap.Error(err))
			idx = NewStorageIndex()
		}
	}

	if err := s.dropMissingLocked(ctx, idx); err != nil {
		return err
	}

	s.index = idx
	s.indexLoaded = true
	metrics.HistoryKeys.Set(float64(idx.Len()))
	return nil
}

// dropMissingLocked 移除记录已不存在的索引条目，并尽力写回
func (s *Store) dropMissingLocked(ctx context.Context, idx *StorageIndex) error {
	keys := idx.Keys()
	if len(keys) == 0 {
		return nil
	}
	recordKeys := make([]string, len(keys))
	for i, k := range keys {
		recordKeys[i] = recordKey(k)
	}
	items, err := s.port.Get(ctx, recordKeys)
	if err != nil {
		return err
	}

	var dropped []string
	for _, k := range keys {
		if _, ok := items[recordKey(k)]; !ok {
			idx.Forget(k)
			dropped = append(dropped, k)
		}
	}
	if len(dropped) == 0 {
		return nil
	}

	s.logger.Warn("索引中存在无记录的条目，已移除", zap.Strings("keys", dropped))
	data, err := json.Marshal(idx)
	if err != nil {
		return nil
	}
	if err := s.port.Set(ctx, map[string][]byte{indexKey: data}); err != nil {
		s.logger.Warn("写回修复后的索引失败", zap.Error(err))
	}
	return nil
}

// readRecord 读取并解码记录，不存在返回 (nil, nil)
func (s *Store) readRecord(ctx context.Context, key string) (*HistoryRecord, error) {
	items, err := s.port.Get(ctx, []string{recordKey(key)})
	if err != nil {
		return nil, err
	}
	data, ok := items[recordKey(key)]
	if !ok || len(data) == 0 {
		return nil, nil
	}

	var record HistoryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrBackendUnavailable, ErrCorruptRecord, err)
	}
	if record.Key == "" {
		record.Key = key
	}
	return &record, nil
}

func (s *Store) checkUsage(ctx context.Context) Usage {
	usage := s.quota.CheckUsage(ctx)
	if !usage.Estimated {
		metrics.HistoryStorageUsage.Set(usage.Fraction)
	}
	return usage
}

// prepareMessages 截断到最新的 maxMessages 条，补齐缺失的 ID 与时间戳
func (s *Store) prepareMessages(messages []Message, now time.Time) []Message {
	out := TruncateMessages(messages, s.maxMessages)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		if out[i].Timestamp.IsZero() {
			out[i].Timestamp = now.UTC()
		}
	}
	return out
}

func (s *Store) observeSave(span trace.Span, res SaveResult) SaveResult {
	status := "success"
	if !res.Success {
		status = "failed"
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Kind))
		s.logger.Warn("保存会话历史失败",
			zap.String("kind", string(res.Kind)),
			zap.Bool("cleaned", res.Cleaned),
			zap.Error(res.Err),
		)
	}
	span.SetAttributes(attribute.Bool("history.cleaned", res.Cleaned))
	metrics.HistorySavesTotal.WithLabelValues(status, string(res.Kind)).Inc()
	return res
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func recordKey(key string) string {
	return recordKeyPrefix + key
}
