// Package app 根据配置组装存储引擎与上下文优化器，供各个命令共用
package app

import (
	"context"
	"fmt"

	"contextcache/internal/config"
	"contextcache/internal/history"
	"contextcache/internal/logger"
	"contextcache/internal/optimizer"
	"contextcache/internal/storage"

	"go.uber.org/zap"
)

// Engine 已装配的存储引擎
type Engine struct {
	Port      history.PersistencePort
	Store     *history.Store
	Optimizer *optimizer.Optimizer

	closeBackend storage.Closer
}

// NewEngine 打开存储后端并按配置创建 Store 与 Optimizer
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	port, closer, err := storage.Open(ctx, cfg, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("打开存储后端失败: %w", err)
	}

	opts, err := StoreOptions(cfg)
	if err != nil {
		closer()
		return nil, err
	}

	return &Engine{
		Port:         port,
		Store:        history.NewStore(port, opts...),
		Optimizer:    NewOptimizer(cfg),
		closeBackend: closer,
	}, nil
}

// Close 等待后台清理结束后关闭后端
func (e *Engine) Close() error {
	e.Store.WaitCleanup()
	return e.closeBackend()
}

// StoreOptions engine.* 配置转换为 Store 选项
func StoreOptions(cfg *config.Config) ([]history.Option, error) {
	ec := cfg.Engine
	opts := []history.Option{
		history.WithLogger(logger.Named("history")),
		history.WithThresholds(ec.SoftThreshold, ec.HardThreshold),
		history.WithMaxMessages(ec.MaxMessages),
		history.WithMaxKeys(ec.MaxKeys),
		history.WithStaleAfter(ec.StaleAfter),
		history.WithOperationTimeout(ec.OperationTimeout),
		history.WithBackgroundCleanup(ec.BackgroundCleanup),
	}

	if ec.TokenizerModel != "" {
		counter, err := history.NewTiktokenCounter(ec.TokenizerModel)
		if err != nil {
			return nil, fmt.Errorf("初始化 tokenizer 失败 (%s): %w", ec.TokenizerModel, err)
		}
		opts = append(opts, history.WithTokenCounter(counter))
		logger.Info("使用 tiktoken 计算 Token", zap.String("model", ec.TokenizerModel))
	}
	return opts, nil
}

// NewOptimizer optimizer.* 配置转换为优化器
func NewOptimizer(cfg *config.Config) *optimizer.Optimizer {
	oc := cfg.Optimizer
	prompt := optimizer.PromptOptions()
	if oc.PromptMaxMessages > 0 {
		prompt.MaxMessages = oc.PromptMaxMessages
	}
	if oc.PromptMaxTokens > 0 {
		prompt.MaxTokens = oc.PromptMaxTokens
	}
	if oc.SummaryTokens > 0 {
		prompt.SummaryTokens = oc.SummaryTokens
	}
	prompt.PreserveUserMessages = oc.PreserveUserMessages

	return optimizer.New(
		optimizer.WithPromptOptions(prompt),
		optimizer.WithLogger(logger.Named("optimizer")),
	)
}

// OptimizeOptions optimizer.* 配置对应的默认窗口
func OptimizeOptions(cfg *config.Config) optimizer.Options {
	oc := cfg.Optimizer
	return optimizer.Options{
		MaxMessages:          oc.MaxMessages,
		MaxTokens:            oc.MaxTokens,
		SummaryTokens:        oc.SummaryTokens,
		PreserveUserMessages: oc.PreserveUserMessages,
	}
}
