package history

import (
	"time"

	"go.uber.org/zap"
)

// DefaultMaxMessagesPerKey 单个会话最多保留的消息数
const DefaultMaxMessagesPerKey = 100

// Option Store 构造选项
type Option func(*Store)

// WithClock 注入时间源
func WithClock(clock TimeSource) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger 注入日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTokenCounter 回填 Token 数时使用的计数器
func WithTokenCounter(counter TokenCounter) Option {
	return func(s *Store) {
		if counter != nil {
			s.counter = counter
		}
	}
}

// WithThresholds 覆盖软/硬阈值
func WithThresholds(soft, hard float64) Option {
	return func(s *Store) {
		s.soft, s.hard = soft, hard
	}
}

// WithMaxMessages 单个会话最多保留的消息数
func WithMaxMessages(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithMaxKeys 智能清理保留的最大会话数
func WithMaxKeys(n int) Option {
	return func(s *Store) {
		s.maxKeys = n
	}
}

// WithStaleAfter 超过该时长未访问的会话在智能清理中被删除
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		s.staleAfter = d
	}
}

// WithOperationTimeout 每次存储操作的超时，0 表示只依赖调用方的 ctx
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithBackgroundCleanup 软阈值清理放到后台 goroutine 执行，不阻塞写入
func WithBackgroundCleanup(enabled bool) Option {
	return func(s *Store) {
		s.backgroundCleanup = enabled
	}
}

// SaveOption 单次保存选项
type SaveOption func(*saveOptions)

type saveOptions struct {
	sourceURL       string
	expectedVersion *int64
}

// WithSourceURL 记录会话来源页面
func WithSourceURL(url string) SaveOption {
	return func(o *saveOptions) {
		o.sourceURL = url
	}
}

// WithExpectedVersion 乐观并发：当前记录版本不等于 v 时返回 ErrConflict 而不是覆盖
// 不设置时保持后写覆盖（last-write-wins）
func WithExpectedVersion(v int64) SaveOption {
	return func(o *saveOptions) {
		o.expectedVersion = &v
	}
}
