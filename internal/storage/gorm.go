package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoryEntry 关系库中的一条键值
// 引擎写入的值（会话记录与索引）都是 JSON，因此用 JSON 列保存，便于在库中直接查询
type HistoryEntry struct {
	EntryKey  string         `gorm:"primaryKey;size:255" json:"entryKey"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	SizeBytes int64          `gorm:"not null;default:0" json:"sizeBytes"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TableName 表名
func (HistoryEntry) TableName() string {
	return "history_entries"
}

// GormPort 基于 gorm 的后端，支持 sqlite 与 postgres
type GormPort struct {
	db       *gorm.DB
	capacity int64
}

// NewGormPort 创建 gorm 后端
func NewGormPort(db *gorm.DB, capacity int64) *GormPort {
	if capacity <= 0 {
		capacity = DefaultCapacityBytes
	}
	return &GormPort{db: db, capacity: capacity}
}

// Migrate 建表
func (p *GormPort) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&HistoryEntry{}); err != nil {
		return fmt.Errorf("迁移 history_entries 失败: %w", err)
	}
	return nil
}

func (p *GormPort) Get(ctx context.Context, keys []string) (out map[string][]byte, err error) {
	start := time.Now()
	defer func() { observe(BackendGorm, "get", start, err) }()

	out = make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var entries []HistoryEntry
	if err = p.db.WithContext(ctx).Where("entry_key IN ?", keys).Find(&entries).Error; err != nil {
		return nil, unavailable("查询 history_entries 失败", err)
	}
	for _, e := range entries {
		out[e.EntryKey] = []byte(e.Payload)
	}
	return out, nil
}

// Set 事务内检查容量并 upsert
func (p *GormPort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendGorm, "set", start, err) }()

	if len(items) == 0 {
		return nil
	}

	keys := make([]string, 0, len(items))
	entries := make([]HistoryEntry, 0, len(items))
	var incoming int64
	now := time.Now().UTC()
	for k, v := range items {
		if !json.Valid(v) {
			return fmt.Errorf("%s 的值不是合法 JSON", k)
		}
		size := entrySize(k, v)
		keys = append(keys, k)
		entries = append(entries, HistoryEntry{
			EntryKey:  k,
			Payload:   datatypes.JSON(v),
			SizeBytes: size,
			UpdatedAt: now,
		})
		incoming += size
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var others int64
		if err := tx.Model(&HistoryEntry{}).
			Where("entry_key NOT IN ?", keys).
			Select("COALESCE(SUM(size_bytes), 0)").
			Scan(&others).Error; err != nil {
			return unavailable("统计容量失败", err)
		}
		if err := checkCapacity(others, incoming, p.capacity); err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "size_bytes", "updated_at"}),
		}).Create(&entries).Error
	})
	return unavailable("写入 history_entries 失败", err)
}

func (p *GormPort) Remove(ctx context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { observe(BackendGorm, "remove", start, err) }()

	if len(keys) == 0 {
		return nil
	}
	if err = p.db.WithContext(ctx).Where("entry_key IN ?", keys).Delete(&HistoryEntry{}).Error; err != nil {
		return unavailable("删除 history_entries 失败", err)
	}
	return nil
}

func (p *GormPort) BytesInUse(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.WithContext(ctx).Model(&HistoryEntry{}).Select("COALESCE(SUM(size_bytes), 0)").Scan(&total).Error
	if err != nil {
		return 0, unavailable("统计用量失败", err)
	}
	return total, nil
}

func (p *GormPort) CapacityBytes() int64 { return p.capacity }
