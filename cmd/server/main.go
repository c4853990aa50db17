package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contextcache/api"
	"contextcache/internal/app"
	"contextcache/internal/config"
	"contextcache/internal/infra"
	"contextcache/internal/infra/queue"
	"contextcache/internal/logger"
	"contextcache/internal/metrics"
	"contextcache/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	if path, err := config.LoadEnvFile(); err != nil {
		fmt.Println(err)
	} else if path != "" {
		fmt.Printf("已加载环境变量文件: %s\n", path)
	}

	env := config.AppEnv()

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
		zap.String("storage", cfg.Storage.Backend),
	)

	// 3. 存储引擎
	engine, err := app.NewEngine(context.Background(), cfg)
	if err != nil {
		logger.Fatal("初始化存储引擎失败", zap.Error(err))
	}

	// 4. 用量采集
	collectCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	go metrics.NewUsageCollector(engine.Port, cfg.Server.MetricsInterval).Run(collectCtx)

	// 5. 后台清理 worker（可选）
	var (
		workerServer *worker.Server
		queueClient  queue.Client
	)
	if cfg.Worker.Enabled {
		redisOpt := infra.AsynqRedisOpt(&cfg.Redis)
		workerServer, err = worker.NewServer(redisOpt, cfg.Worker, engine.Store, logger.Named("worker"))
		if err != nil {
			logger.Fatal("初始化 Worker 失败", zap.Error(err))
		}
		if err := workerServer.Start(); err != nil {
			logger.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
		queueClient = queue.NewClient(redisOpt, cfg.Worker.Queue)
	}

	// 6. 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 7. 创建路由
	deps := api.Dependencies{
		Store:     engine.Store,
		Port:      engine.Port,
		Optimizer: engine.Optimizer,
	}
	if queueClient != nil {
		deps.Queue = queueClient
	}
	router := api.SetupRouter(cfg, deps)

	// 8. 创建 HTTP 服务器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 9. 启动服务器（goroutine）
	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 10. 优雅关闭
	gracefulShutdown(server, workerServer, queueClient, engine)
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, workerServer *worker.Server, queueClient queue.Client, engine *app.Engine) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	if workerServer != nil {
		workerServer.Shutdown()
	}
	if queueClient != nil {
		if err := queueClient.Close(); err != nil {
			logger.Error("队列客户端关闭异常", zap.Error(err))
		}
	}

	if err := engine.Close(); err != nil {
		logger.Error("存储后端关闭异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}
