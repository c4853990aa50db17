package api

import (
	"contextcache/api/handlers/histories"
	"contextcache/internal/config"
	"contextcache/internal/history"
	"contextcache/internal/logger"
	"contextcache/internal/metrics"
	"contextcache/internal/middleware"
	"contextcache/internal/optimizer"
	"contextcache/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMountPath 转发接口挂载点，relay 后端的 base_url 指向这里
const RelayMountPath = "/internal/port"

// Dependencies 路由依赖
type Dependencies struct {
	Store     *history.Store
	Port      history.PersistencePort
	Optimizer *optimizer.Optimizer
	// Queue 可为 nil，此时不支持异步清理
	Queue histories.CleanupEnqueuer
}

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		RequestLogger(),
		CORS(),
		metrics.PrometheusMiddleware(),
	)

	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(deps.Port))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := histories.NewHistoryHandler(deps.Store, deps.Optimizer, deps.Queue)
	apiV1 := router.Group("/api/v1")
	registerHistoryRoutes(apiV1, h)

	if cfg.Server.EnableRelay {
		relay := storage.NewRelayHandler(deps.Port, cfg.Storage.Relay.Token, logger.Named("relay"))
		relay.Register(router.Group(RelayMountPath))
	}

	return router
}

// registerHistoryRoutes 注册会话历史路由
func registerHistoryRoutes(apiGroup *gin.RouterGroup, h *histories.HistoryHandler) {
	g := apiGroup.Group("/histories")
	{
		g.GET("/stats", h.Stats)
		g.POST("/cleanup", h.Cleanup)
		g.DELETE("", h.DeleteAll)

		g.GET("/:key", h.Get)
		g.PUT("/:key", h.Save)
		g.DELETE("/:key", h.Delete)
		g.PATCH("/:key/messages/:id", h.UpdateMessage)
		g.POST("/:key/optimize", h.Optimize)
		g.POST("/:key/context", h.PrepareContext)
	}
}
