package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"contextcache/internal/history"
	"contextcache/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// CleanupRunner 清理执行方抽象，便于注入 mock
type CleanupRunner interface {
	RunSmartCleanup(ctx context.Context) (history.CleanupResult, error)
	RunEmergencyCleanup(ctx context.Context) (history.CleanupResult, error)
}

type CleanupHandler struct {
	runner CleanupRunner
	logger *zap.Logger
}

func NewCleanupHandler(runner CleanupRunner, logger *zap.Logger) *CleanupHandler {
	return &CleanupHandler{
		runner: runner,
		logger: logger,
	}
}

func (h *CleanupHandler) HandleHistoryCleanup(ctx context.Context, t *asynq.Task) error {
	var p tasks.HistoryCleanupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	var run func(context.Context) (history.CleanupResult, error)
	switch p.Mode {
	case "", tasks.CleanupSmart:
		run = h.runner.RunSmartCleanup
	case tasks.CleanupEmergency:
		run = h.runner.RunEmergencyCleanup
	default:
		return fmt.Errorf("unknown cleanup mode %q: %w", p.Mode, asynq.SkipRetry)
	}

	res, err := run(ctx)
	if err != nil {
		h.logger.Error("历史记录清理失败",
			zap.String("mode", p.Mode),
			zap.String("reason", p.Reason),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("历史记录清理完成",
		zap.String("mode", p.Mode),
		zap.String("reason", p.Reason),
		zap.Int("removed", res.RemovedCount),
		zap.Int("failed", len(res.Failed)),
	)
	return nil
}
