package history

import (
	"context"
	"time"
)

// PersistencePort 存储后端抽象
// 直连存储与跨进程转发是两种可互换的实现，引擎不感知具体是哪一种
type PersistencePort interface {
	// Get 批量读取，不存在的键不出现在结果中
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	// Set 批量写入；容量/配额拒绝时必须返回包装了 ErrCapacityExceeded 的错误
	Set(ctx context.Context, items map[string][]byte) error
	// Remove 批量删除，不存在的键忽略
	Remove(ctx context.Context, keys []string) error
	// BytesInUse 当前已用字节数
	BytesInUse(ctx context.Context) (int64, error)
	// CapacityBytes 后端总容量，无上限的后端返回固定常量
	CapacityBytes() int64
}

// TimeSource 可注入的时间源
type TimeSource interface {
	Now() time.Time
}

// TimeSourceFunc 函数适配器
type TimeSourceFunc func() time.Time

func (f TimeSourceFunc) Now() time.Time { return f() }

// SystemClock 系统时间
var SystemClock TimeSource = TimeSourceFunc(time.Now)
