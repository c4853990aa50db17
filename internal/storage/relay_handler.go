package storage

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"contextcache/internal/history"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RelayHandler 在本进程暴露 PersistencePort，供 RelayPort 远程调用
type RelayHandler struct {
	port   history.PersistencePort
	token  string
	logger *zap.Logger
}

// NewRelayHandler 创建转发处理器；token 为空时不校验
func NewRelayHandler(port history.PersistencePort, token string, logger *zap.Logger) *RelayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayHandler{port: port, token: token, logger: logger}
}

// Register 挂载路由
func (h *RelayHandler) Register(r gin.IRouter) {
	g := r.Group("", h.auth)
	g.POST(relayPathGet, h.Get)
	g.POST(relayPathSet, h.Set)
	g.POST(relayPathRemove, h.Remove)
	g.GET(relayPathUsage, h.Usage)
}

func (h *RelayHandler) auth(c *gin.Context) {
	if h.token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, relayError{Error: "unauthorized"})
		return
	}
	c.Next()
}

// Get 批量读取
func (h *RelayHandler) Get(c *gin.Context) {
	var req relayKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, relayError{Error: err.Error()})
		return
	}
	items, err := h.port.Get(c.Request.Context(), req.Keys)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, relayItems{Items: items})
}

// Set 批量写入
func (h *RelayHandler) Set(c *gin.Context) {
	var req relayItems
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, relayError{Error: err.Error()})
		return
	}
	if err := h.port.Set(c.Request.Context(), req.Items); err != nil {
		h.fail(c, "set", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Remove 批量删除
func (h *RelayHandler) Remove(c *gin.Context) {
	var req relayKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, relayError{Error: err.Error()})
		return
	}
	if err := h.port.Remove(c.Request.Context(), req.Keys); err != nil {
		h.fail(c, "remove", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Usage 用量与容量
func (h *RelayHandler) Usage(c *gin.Context) {
	used, err := h.port.BytesInUse(c.Request.Context())
	if err != nil {
		h.fail(c, "usage", err)
		return
	}
	c.JSON(http.StatusOK, relayUsage{BytesInUse: used, CapacityBytes: h.port.CapacityBytes()})
}

func (h *RelayHandler) fail(c *gin.Context, op string, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, history.ErrCapacityExceeded) {
		status = http.StatusInsufficientStorage
	}
	h.logger.Warn("转发存储操作失败", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	c.JSON(status, relayError{Error: err.Error(), Kind: string(history.Classify(err))})
}
