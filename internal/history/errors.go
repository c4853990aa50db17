package history

import (
	"context"
	"errors"
)

var (
	// ErrCapacityExceeded 后端因容量/配额拒绝写入，可通过一次紧急清理后重试恢复
	ErrCapacityExceeded = errors.New("storage capacity exceeded")

	// ErrBackendUnavailable 后端不可用（网络、权限等），本引擎不重试
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrStorageFull 紧急清理后仍无可释放空间
	ErrStorageFull = errors.New("storage full, cannot free space")

	// ErrMalformedTimestamp 时间戳格式无法识别
	ErrMalformedTimestamp = errors.New("malformed timestamp")

	// ErrInvalidKey 会话键为空
	ErrInvalidKey = errors.New("invalid history key")

	// ErrMessageNotFound 回填时找不到对应消息
	ErrMessageNotFound = errors.New("message not found")

	// ErrConflict 指定的期望版本与当前记录版本不一致
	ErrConflict = errors.New("history version conflict")

	// ErrCorruptRecord 已存记录无法解码；同时包装 ErrBackendUnavailable
	ErrCorruptRecord = errors.New("corrupt history record")
)

// FailureKind 失败分类，供调用方决定提示文案
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureStorageFull        FailureKind = "storage_full"
	FailureCapacityExceeded   FailureKind = "capacity_exceeded"
	FailureBackendUnavailable FailureKind = "backend_unavailable"
	FailureTimeout            FailureKind = "timeout"
	FailureInvalidArgument    FailureKind = "invalid_argument"
	FailureNotFound           FailureKind = "not_found"
	FailureConflict           FailureKind = "conflict"
)

// Classify 将底层错误映射为失败分类
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureTimeout
	case errors.Is(err, ErrStorageFull):
		return FailureStorageFull
	case errors.Is(err, ErrCapacityExceeded):
		return FailureCapacityExceeded
	case errors.Is(err, ErrInvalidKey):
		return FailureInvalidArgument
	case errors.Is(err, ErrMessageNotFound):
		return FailureNotFound
	case errors.Is(err, ErrConflict):
		return FailureConflict
	default:
		return FailureBackendUnavailable
	}
}

// SaveResult 保存结果，Save 从不 panic 也不返回 error
type SaveResult struct {
	Success bool        `json:"success"`
	Err     error       `json:"-"`
	Kind    FailureKind `json:"kind,omitempty"`
	// Cleaned 本次保存是否触发过紧急清理
	// Cleaned=true 且失败：清理后数据仍然过大；Cleaned=false 且失败：存储未被改动
	Cleaned bool   `json:"cleaned"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Message 面向用户的错误描述
func (r SaveResult) Message() string {
	if r.Success || r.Err == nil {
		return ""
	}
	switch r.Kind {
	case FailureStorageFull:
		return "Storage is full and no old conversations could be removed. Try deleting old items."
	case FailureCapacityExceeded:
		if r.Cleaned {
			return "Conversation is too large to store even after freeing space. Try deleting old items."
		}
		return "Storage quota exceeded. Try deleting old items."
	case FailureTimeout:
		return "Storage did not respond in time. Please retry later."
	case FailureInvalidArgument:
		return "Invalid conversation key."
	case FailureConflict:
		return "Conversation was changed elsewhere. Reload and try again."
	default:
		return "Storage is temporarily unavailable. Please retry later."
	}
}

func failed(err error, cleaned bool, usage *Usage) SaveResult {
	return SaveResult{
		Success: false,
		Err:     err,
		Kind:    Classify(err),
		Cleaned: cleaned,
		Usage:   usage,
	}
}
