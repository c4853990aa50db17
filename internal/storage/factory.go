package storage

import (
	"context"
	"fmt"

	"contextcache/internal/config"
	"contextcache/internal/history"
	"contextcache/internal/infra"

	"go.uber.org/zap"
)

// Closer 释放后端持有的连接或文件
type Closer func() error

func noopCloser() error { return nil }

// Open 按 storage.backend 创建后端
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (history.PersistencePort, Closer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sc := cfg.Storage
	capacity := sc.CapacityBytes

	switch sc.Backend {
	case "", BackendMemory:
		log.Info("使用内存存储后端", zap.Int64("capacity_bytes", capacity))
		return NewMemoryPort(capacity), noopCloser, nil

	case BackendRedis:
		client, err := infra.InitRedis(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("使用 Redis 存储后端", zap.String("prefix", sc.Redis.Prefix))
		return NewRedisPort(client, sc.Redis.Prefix, capacity), client.Close, nil

	case BackendSQLite:
		db, err := infra.OpenSQLite(sc.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		port, err := NewSQLitePort(ctx, db, capacity, WithCompressionThreshold(sc.SQLite.CompressionThreshold))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("使用 SQLite 存储后端", zap.String("path", sc.SQLite.Path))
		return port, port.Close, nil

	case BackendGorm:
		db, err := infra.InitDatabase(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		port := NewGormPort(db, capacity)
		if cfg.Database.AutoMigrate {
			if err := port.Migrate(ctx); err != nil {
				infra.CloseDatabase(db)
				return nil, nil, err
			}
		}
		log.Info("使用 gorm 存储后端", zap.String("driver", cfg.Database.Driver))
		return port, func() error { return infra.CloseDatabase(db) }, nil

	case BackendBolt:
		port, err := OpenBoltPort(sc.Bolt.Path, sc.Bolt.Bucket, capacity)
		if err != nil {
			return nil, nil, err
		}
		log.Info("使用 bolt 存储后端", zap.String("path", sc.Bolt.Path))
		return port, port.Close, nil

	case BackendRelay:
		port := NewRelayPort(sc.Relay.BaseURL, sc.Relay.Timeout, WithRelayToken(sc.Relay.Token))
		log.Info("使用转发存储后端", zap.String("base_url", sc.Relay.BaseURL))
		return port, noopCloser, nil

	default:
		return nil, nil, fmt.Errorf("不支持的存储后端: %s", sc.Backend)
	}
}
