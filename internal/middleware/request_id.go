package middleware

import (
	"contextcache/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HTTP 头常量
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// ginRequestIDKey gin 上下文中保存请求 ID 的键
const ginRequestIDKey = "request_id"

// RequestID 请求 ID 中间件
// 沿用上游传入的请求 ID，没有则生成；同时写入 logger 使用的 context 字段
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		c.Set(ginRequestIDKey, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		ctx = logger.WithTraceID(ctx, traceID)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)

		c.Next()
	}
}

// GetRequestID 从 Gin 上下文获取请求 ID
func GetRequestID(c *gin.Context) string {
	return c.GetString(ginRequestIDKey)
}
