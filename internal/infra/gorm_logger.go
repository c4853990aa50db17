package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contextcache/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// maxLoggedSQL 单条 SQL 日志的最大长度；history_entries 的 value 可能很大
const maxLoggedSQL = 512

// gormZapLogger GORM 日志输出到 zap，携带请求上下文中的 request_id/trace_id
type gormZapLogger struct {
	log   *zap.Logger
	level gormLogger.LogLevel
	slow  time.Duration
}

// NewGormLogger 创建 GORM 日志适配器，slow <= 0 时不记录慢查询
func NewGormLogger(log *zap.Logger, level gormLogger.LogLevel, slow time.Duration) gormLogger.Interface {
	return &gormZapLogger{log: log, level: level, slow: slow}
}

func (l *gormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormZapLogger) with(ctx context.Context) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if id := logger.GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := logger.GetTraceID(ctx); id != "" {
		fields = append(fields, zap.String("trace_id", id))
	}
	return l.log.With(fields...)
}

func (l *gormZapLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormZapLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormZapLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace 错误（不含 RecordNotFound）提为 Error，慢查询提为 Warn，其余只在 Info 级别以 Debug 输出
func (l *gormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	failed := err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound)
	slow := l.slow > 0 && elapsed > l.slow
	if !failed && !slow && l.level < gormLogger.Info {
		return
	}

	sql, rows := fc()
	if len(sql) > maxLoggedSQL {
		sql = sql[:maxLoggedSQL] + "..."
	}
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	switch {
	case failed && l.level >= gormLogger.Error:
		l.with(ctx).Error("SQL 执行错误", append(fields, zap.Error(err))...)
	case slow && l.level >= gormLogger.Warn:
		l.with(ctx).Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		l.with(ctx).Debug("SQL 执行", fields...)
	}
}
