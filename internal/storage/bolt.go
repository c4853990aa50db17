package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltPort 单文件 bbolt 后端，所有键放在同一个 bucket
type BoltPort struct {
	db       *bolt.DB
	bucket   []byte
	capacity int64
}

// OpenBoltPort 打开（必要时创建）数据文件与 bucket
func OpenBoltPort(path, bucket string, capacity int64) (*BoltPort, error) {
	if bucket == "" {
		bucket = "history"
	}
	if capacity <= 0 {
		capacity = DefaultCapacityBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 bolt 文件失败: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 bucket 失败: %w", err)
	}

	return &BoltPort{db: db, bucket: []byte(bucket), capacity: capacity}, nil
}

func (p *BoltPort) Get(ctx context.Context, keys []string) (out map[string][]byte, err error) {
	start := time.Now()
	defer func() { observe(BackendBolt, "get", start, err) }()

	if err = ctxErr(ctx); err != nil {
		return nil, err
	}

	out = make(map[string][]byte, len(keys))
	err = p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(p.bucket)
		for _, k := range keys {
			// bolt 返回的切片只在事务内有效
			if v := b.Get([]byte(k)); v != nil {
				out[k] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("读取 bolt 失败", err)
	}
	return out, nil
}

// Set 在同一个写事务内统计用量并写入
func (p *BoltPort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendBolt, "set", start, err) }()

	if err = ctxErr(ctx); err != nil {
		return err
	}

	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(p.bucket)

		var used, released, incoming int64
		if err := b.ForEach(func(k, v []byte) error {
			used += int64(len(k) + len(v))
			return nil
		}); err != nil {
			return err
		}
		for k, v := range items {
			if old := b.Get([]byte(k)); old != nil {
				released += entrySize(k, old)
			}
			incoming += entrySize(k, v)
		}
		if err := checkCapacity(used-released, incoming, p.capacity); err != nil {
			return err
		}

		for k, v := range items {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	return unavailable("写入 bolt 失败", err)
}

func (p *BoltPort) Remove(ctx context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { observe(BackendBolt, "remove", start, err) }()

	if err = ctxErr(ctx); err != nil {
		return err
	}

	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(p.bucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	return unavailable("删除 bolt 失败", err)
}

func (p *BoltPort) BytesInUse(ctx context.Context) (int64, error) {
	var used int64
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(p.bucket).ForEach(func(k, v []byte) error {
			used += int64(len(k) + len(v))
			return nil
		})
	})
	if err != nil {
		return 0, unavailable("统计用量失败", err)
	}
	return used, nil
}

func (p *BoltPort) CapacityBytes() int64 { return p.capacity }

// Close 关闭数据文件
func (p *BoltPort) Close() error {
	return p.db.Close()
}
