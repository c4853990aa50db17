package infra

import (
	"fmt"
	"time"

	"contextcache/internal/config"
	"contextcache/internal/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// InitDatabase 初始化 gorm 连接
// sqlite 方言复用 OpenSQLite 打开的 modernc 连接，不依赖 cgo 驱动
func InitDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	logLevel := gormLogger.Warn
	if cfg.Driver == "postgres" && cfg.SSLMode == "disable" {
		logLevel = gormLogger.Info
	}

	gormCfg := &gorm.Config{
		Logger: NewGormLogger(logger.Named("gorm"), logLevel, 200*time.Millisecond),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "", "sqlite":
		sqlDB, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		dialector = &gormsqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}

	if cfg.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	logger.Info("数据库连接成功",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
		zap.String("path", cfg.Path),
	)
	return db, nil
}

// AutoMigrate 执行自动迁移
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	logger.Info("数据库迁移完成", zap.Int("models", len(models)))
	return nil
}

// CloseDatabase 关闭底层连接
func CloseDatabase(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
