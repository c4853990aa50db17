package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contextcache/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	// EnqueueCleanup 入队一次清理；去重窗口内的重复请求返回空 ID
	EnqueueCleanup(ctx context.Context, emergency bool) (string, error)
	Close() error
}

// TaskOptions 任务选项
type TaskOptions struct {
	MaxRetry int           // 最大重试次数
	Timeout  time.Duration // 超时时间
	Unique   time.Duration // 去重窗口
}

// DefaultCleanupOptions 清理任务默认选项
func DefaultCleanupOptions() TaskOptions {
	return TaskOptions{
		MaxRetry: 2,
		Timeout:  5 * time.Minute,
		Unique:   30 * time.Second,
	}
}

type asynqClient struct {
	client *asynq.Client
	queue  string
	opts   TaskOptions
}

// NewClient 创建任务队列客户端
func NewClient(redisOpt asynq.RedisConnOpt, queue string) Client {
	if queue == "" {
		queue = "maintenance"
	}
	return &asynqClient{
		client: asynq.NewClient(redisOpt),
		queue:  queue,
		opts:   DefaultCleanupOptions(),
	}
}

func (c *asynqClient) EnqueueCleanup(ctx context.Context, emergency bool) (string, error) {
	mode := tasks.CleanupSmart
	if emergency {
		mode = tasks.CleanupEmergency
	}
	task, err := tasks.NewHistoryCleanupTask(tasks.HistoryCleanupPayload{Mode: mode, Reason: "manual"})
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(ctx, task, c.options()...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) options() []asynq.Option {
	opts := []asynq.Option{asynq.Queue(c.queue)}
	if c.opts.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(c.opts.MaxRetry))
	}
	if c.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(c.opts.Timeout))
	}
	if c.opts.Unique > 0 {
		opts = append(opts, asynq.Unique(c.opts.Unique))
	}
	return opts
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
