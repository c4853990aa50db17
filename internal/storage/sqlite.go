package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"contextcache/internal/history"

	"github.com/klauspost/compress/gzip"
)

// 压缩相关常量
const (
	// CompressionThreshold 超过此大小的值才进行压缩（1KB）
	CompressionThreshold = 1024
	// CompressionLevel gzip 压缩级别
	CompressionLevel = gzip.DefaultCompression
)

// SQLitePort 基于本地 sqlite 文件的键值后端
// 容量检查与写入在同一事务内完成
type SQLitePort struct {
	db        *sql.DB
	capacity  int64
	threshold int
}

// SQLiteOption SQLitePort 选项
type SQLiteOption func(*SQLitePort)

// WithCompressionThreshold 覆盖压缩阈值，<=0 表示关闭压缩
func WithCompressionThreshold(n int) SQLiteOption {
	return func(p *SQLitePort) {
		p.threshold = n
	}
}

// NewSQLitePort 在已打开的连接上建表
func NewSQLitePort(ctx context.Context, db *sql.DB, capacity int64, opts ...SQLiteOption) (*SQLitePort, error) {
	if capacity <= 0 {
		capacity = DefaultCapacityBytes
	}
	p := &SQLitePort{db: db, capacity: capacity, threshold: CompressionThreshold}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.initSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLitePort) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		entry_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		compressed BOOLEAN DEFAULT 0,
		size_bytes INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化数据库表结构失败: %w", err)
	}
	return nil
}

func (p *SQLitePort) Get(ctx context.Context, keys []string) (out map[string][]byte, err error) {
	start := time.Now()
	defer func() { observe(BackendSQLite, "get", start, err) }()

	out = make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `SELECT entry_key, value, compressed FROM kv_store WHERE entry_key IN (` + placeholders(len(keys)) + `)`
	rows, err := p.db.QueryContext(ctx, query, stringArgs(keys)...)
	if err != nil {
		return nil, unavailable("查询失败", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key        string
			value      []byte
			compressed bool
		)
		if err := rows.Scan(&key, &value, &compressed); err != nil {
			return nil, unavailable("读取行失败", err)
		}
		if compressed {
			if value, err = decompress(value); err != nil {
				return nil, unavailable("解压失败", err)
			}
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("遍历结果失败", err)
	}
	return out, nil
}

// Set 事务内：计算写入后的总量，超出容量则回滚
func (p *SQLitePort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendSQLite, "set", start, err) }()

	if len(items) == 0 {
		return nil
	}

	type row struct {
		key        string
		value      []byte
		compressed bool
		size       int64
	}
	rowsToWrite := make([]row, 0, len(items))
	keys := make([]string, 0, len(items))
	var incoming int64
	for k, v := range items {
		value, compressed := p.encode(v)
		size := entrySize(k, value)
		rowsToWrite = append(rowsToWrite, row{key: k, value: value, compressed: compressed, size: size})
		keys = append(keys, k)
		incoming += size
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("开启事务失败", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var others int64
	query := `SELECT COALESCE(SUM(size_bytes), 0) FROM kv_store WHERE entry_key NOT IN (` + placeholders(len(keys)) + `)`
	if err = tx.QueryRowContext(ctx, query, stringArgs(keys)...).Scan(&others); err != nil {
		return unavailable("统计容量失败", err)
	}
	if err = checkCapacity(others, incoming, p.capacity); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kv_store (entry_key, value, compressed, size_bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			size_bytes = excluded.size_bytes,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return unavailable("准备语句失败", err)
	}
	defer stmt.Close()

	for _, r := range rowsToWrite {
		if _, err = stmt.ExecContext(ctx, r.key, r.value, r.compressed, r.size); err != nil {
			return classifySQLiteWrite(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return classifySQLiteWrite(err)
	}
	return nil
}

func (p *SQLitePort) Remove(ctx context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { observe(BackendSQLite, "remove", start, err) }()

	if len(keys) == 0 {
		return nil
	}
	query := `DELETE FROM kv_store WHERE entry_key IN (` + placeholders(len(keys)) + `)`
	if _, err = p.db.ExecContext(ctx, query, stringArgs(keys)...); err != nil {
		return unavailable("删除失败", err)
	}
	return nil
}

func (p *SQLitePort) BytesInUse(ctx context.Context) (int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM kv_store`).Scan(&total); err != nil {
		return 0, unavailable("统计用量失败", err)
	}
	return total, nil
}

func (p *SQLitePort) CapacityBytes() int64 { return p.capacity }

// Vacuum 回收删除后的空闲页
func (p *SQLitePort) Vacuum(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close 关闭连接
func (p *SQLitePort) Close() error {
	return p.db.Close()
}

// encode 超过阈值且压缩后更小才使用压缩数据
func (p *SQLitePort) encode(v []byte) ([]byte, bool) {
	if p.threshold <= 0 || len(v) <= p.threshold {
		return v, false
	}
	compressed, err := compress(v)
	if err != nil || len(compressed) >= len(v) {
		return v, false
	}
	return compressed, true
}

// classifySQLiteWrite 磁盘写满映射为容量错误
func classifySQLiteWrite(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "sqlite_full") {
		return fmt.Errorf("%w: %v", history.ErrCapacityExceeded, err)
	}
	return unavailable("写入失败", err)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
