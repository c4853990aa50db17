package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"contextcache/internal/history"

	"github.com/gin-gonic/gin"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Storage string `json:"storage,omitempty"`
}

// HealthCheck 健康检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:  "healthy",
			Service: "contextcache",
		})
	}
}

// ReadinessCheck 就绪检查：存储后端能报告用量才算就绪
func ReadinessCheck(port history.PersistencePort) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if _, err := port.BytesInUse(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, ReadinessResponse{
				Status: "not_ready",
				Reason: "storage backend unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, ReadinessResponse{
			Status:  "ready",
			Storage: "connected",
		})
	}
}

// --- 环境变量辅助函数 ---

// getEnvList 读取逗号分隔的环境变量列表
func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var res []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// defaultIfEmpty 返回非空列表或默认值
func defaultIfEmpty(list []string, def []string) []string {
	if len(list) == 0 {
		return def
	}
	return list
}
