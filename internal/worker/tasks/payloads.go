package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task Types
const (
	TypeHistoryCleanup = "history:cleanup"
)

// 清理模式
const (
	CleanupSmart     = "smart"
	CleanupEmergency = "emergency"
)

// HistoryCleanupPayload 历史记录清理任务载荷
type HistoryCleanupPayload struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason,omitempty"` // manual, schedule
}

// NewHistoryCleanupTask 构造清理任务
func NewHistoryCleanupTask(p HistoryCleanupPayload) (*asynq.Task, error) {
	if p.Mode == "" {
		p.Mode = CleanupSmart
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeHistoryCleanup, data), nil
}
