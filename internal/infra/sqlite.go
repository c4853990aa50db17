package infra

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqlitePragmas 与磁盘缓存相同的性能参数
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",   // 写前日志，读写可并发
	"PRAGMA synchronous=NORMAL", // 正常同步模式
	"PRAGMA cache_size=-16000",  // 16MB 缓存
	"PRAGMA temp_store=MEMORY",  // 临时表存储在内存
	"PRAGMA busy_timeout=10000", // 10 秒忙等待
	"PRAGMA foreign_keys=ON",
}

// OpenSQLite 打开纯 Go 的 sqlite 连接（modernc），gorm 与键值后端共用
// path 为 ":memory:" 时只保留单连接，否则每个连接各有一份独立的内存库
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置数据库参数失败 [%s]: %w", pragma, err)
		}
	}
	return db, nil
}
