package history

import (
	"context"

	"go.uber.org/zap"
)

// 配额阈值
const (
	SoftThreshold = 0.85
	HardThreshold = 0.95

	// ConservativeFraction 后端无法报告用量时使用的保守估计
	ConservativeFraction = 0.1
)

// Usage 存储用量快照
type Usage struct {
	Fraction  float64 `json:"usage"`
	BytesUsed int64   `json:"bytesUsed"`
	MaxBytes  int64   `json:"maxBytes"`
	// Estimated 为 true 表示后端未能报告用量，Fraction 为保守估计
	Estimated bool `json:"estimated,omitempty"`
}

// Severity 清理等级
type Severity int

const (
	SeverityNone Severity = iota
	SeveritySoft
	SeverityHard
)

func (s Severity) String() string {
	switch s {
	case SeveritySoft:
		return "soft"
	case SeverityHard:
		return "hard"
	default:
		return "none"
	}
}

// QuotaManager 用量检查与清理等级判定
type QuotaManager struct {
	port   PersistencePort
	soft   float64
	hard   float64
	logger *zap.Logger
}

// NewQuotaManager 创建配额管理器，阈值非法时使用默认值
func NewQuotaManager(port PersistencePort, soft, hard float64, logger *zap.Logger) *QuotaManager {
	if soft <= 0 || soft >= 1 {
		soft = SoftThreshold
	}
	if hard <= 0 || hard > 1 || hard < soft {
		hard = HardThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaManager{port: port, soft: soft, hard: hard, logger: logger}
}

// CheckUsage 读取当前用量；后端无法报告时降级为保守估计而不是失败
func (q *QuotaManager) CheckUsage(ctx context.Context) Usage {
	// 先取用量：转发类后端在用量响应中顺带刷新容量
	used, err := q.port.BytesInUse(ctx)
	maxBytes := q.port.CapacityBytes()
	if err != nil || maxBytes <= 0 {
		if err != nil {
			q.logger.Debug("存储用量不可用，使用保守估计", zap.Error(err))
		}
		return Usage{
			Fraction:  ConservativeFraction,
			BytesUsed: used,
			MaxBytes:  maxBytes,
			Estimated: true,
		}
	}

	return Usage{
		Fraction:  float64(used) / float64(maxBytes),
		BytesUsed: used,
		MaxBytes:  maxBytes,
	}
}

// Classify 根据用量比例判定清理等级
func (q *QuotaManager) Classify(u Usage) Severity {
	switch {
	case u.Fraction > q.hard:
		return SeverityHard
	case u.Fraction > q.soft:
		return SeveritySoft
	default:
		return SeverityNone
	}
}
