package worker

import (
	"context"
	"fmt"
	"time"

	"contextcache/internal/config"
	"contextcache/internal/worker/handlers"
	"contextcache/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 后台清理 worker，附带定时调度
type Server struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *zap.Logger
}

func NewServer(
	redisOpt asynq.RedisConnOpt,
	cfg config.WorkerConfig,
	runner handlers.CleanupRunner,
	logger *zap.Logger,
) (*Server, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "maintenance"
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queue:     6,
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	cleanupHandler := handlers.NewCleanupHandler(runner, logger)
	mux.HandleFunc(tasks.TypeHistoryCleanup, cleanupHandler.HandleHistoryCleanup)

	s := &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}

	if cfg.CleanupCron != "" {
		task, err := tasks.NewHistoryCleanupTask(tasks.HistoryCleanupPayload{
			Mode:   tasks.CleanupSmart,
			Reason: "schedule",
		})
		if err != nil {
			return nil, err
		}
		s.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
		if _, err := s.scheduler.Register(cfg.CleanupCron, task,
			asynq.Queue(queue),
			asynq.MaxRetry(1),
			asynq.Timeout(5*time.Minute),
		); err != nil {
			return nil, fmt.Errorf("注册定时清理失败 (%s): %w", cfg.CleanupCron, err)
		}
	}

	return s, nil
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			s.server.Shutdown()
			return fmt.Errorf("启动定时调度失败: %w", err)
		}
	}
	return nil
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
}
