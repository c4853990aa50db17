package histories

import (
	"context"
	"net/http"

	"contextcache/internal/history"
	"contextcache/internal/logger"
	"contextcache/internal/optimizer"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CleanupEnqueuer 异步清理入队，未启用 worker 时为 nil
type CleanupEnqueuer interface {
	EnqueueCleanup(ctx context.Context, emergency bool) (string, error)
}

// HistoryHandler 会话历史 API 处理器
type HistoryHandler struct {
	store     *history.Store
	optimizer *optimizer.Optimizer
	queue     CleanupEnqueuer
}

// NewHistoryHandler 创建会话历史处理器
func NewHistoryHandler(store *history.Store, opt *optimizer.Optimizer, queue CleanupEnqueuer) *HistoryHandler {
	if opt == nil {
		opt = optimizer.New()
	}
	return &HistoryHandler{
		store:     store,
		optimizer: opt,
		queue:     queue,
	}
}

// SaveRequest 保存请求
type SaveRequest struct {
	Messages        []history.Message   `json:"messages"`
	Subject         history.SubjectInfo `json:"subject"`
	Owner           history.OwnerInfo   `json:"owner"`
	SourceURL       string              `json:"sourceUrl"`
	ExpectedVersion *int64              `json:"expectedVersion"`
}

// UpdateMessageRequest 回填请求
type UpdateMessageRequest struct {
	ResponseID string `json:"responseId"`
	TokenCount int    `json:"tokenCount"`
}

// ContextRequest 组装提示词请求
type ContextRequest struct {
	Message     string `json:"message" binding:"required"`
	SubjectBody string `json:"subjectBody"`
}

// CleanupRequest 清理请求
type CleanupRequest struct {
	Emergency bool `json:"emergency"`
	// Async 为 true 时交给后台 worker 执行
	Async bool `json:"async"`
}

// Get 读取会话记录
func (h *HistoryHandler) Get(c *gin.Context) {
	record, ok := h.store.LoadRecord(c.Request.Context(), c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "会话不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    record,
	})
}

// Save 用完整消息列表替换会话记录
func (h *HistoryHandler) Save(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "请求参数错误",
			"detail":  err.Error(),
		})
		return
	}

	var opts []history.SaveOption
	if req.SourceURL != "" {
		opts = append(opts, history.WithSourceURL(req.SourceURL))
	}
	if req.ExpectedVersion != nil {
		opts = append(opts, history.WithExpectedVersion(*req.ExpectedVersion))
	}

	key := c.Param("key")
	res := h.store.Save(c.Request.Context(), key, req.Messages, req.Subject, req.Owner, opts...)
	if !res.Success {
		logger.WithContext(c.Request.Context()).Warn("保存会话失败",
			zap.String("key", key),
			zap.String("kind", string(res.Kind)),
			zap.Error(res.Err),
		)
		c.JSON(statusForKind(res.Kind), gin.H{
			"success": false,
			"error":   res.Message(),
			"data":    res,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    res,
	})
}

// Delete 删除单个会话
func (h *HistoryHandler) Delete(c *gin.Context) {
	if !h.store.Clear(c.Request.Context(), c.Param("key")) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "删除会话失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteAll 清空所有会话
func (h *HistoryHandler) DeleteAll(c *gin.Context) {
	if !h.store.ClearAll(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "清空会话失败",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Stats 用量统计
func (h *HistoryHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.store.Stats(c.Request.Context()),
	})
}

// UpdateMessage 回填 ResponseID / TokenCount
func (h *HistoryHandler) UpdateMessage(c *gin.Context) {
	var req UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "请求参数错误",
			"detail":  err.Error(),
		})
		return
	}

	err := h.store.UpdateMessage(c.Request.Context(), c.Param("key"), c.Param("id"), history.MessagePatch{
		ResponseID: req.ResponseID,
		TokenCount: req.TokenCount,
	})
	if err != nil {
		c.JSON(statusForKind(history.Classify(err)), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Optimize 返回按窗口裁剪/摘要后的记录，不写回存储
func (h *HistoryHandler) Optimize(c *gin.Context) {
	opts := optimizer.DefaultOptions()
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "请求参数错误",
				"detail":  err.Error(),
			})
			return
		}
	}

	record, ok := h.store.LoadRecord(c.Request.Context(), c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "会话不存在",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.optimizer.OptimizeContext(record, opts),
	})
}

// PrepareContext 组装发送给模型的提示词；会话不存在时只包含新消息
func (h *HistoryHandler) PrepareContext(c *gin.Context) {
	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "请求参数错误",
			"detail":  err.Error(),
		})
		return
	}

	record, _ := h.store.LoadRecord(c.Request.Context(), c.Param("key"))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.optimizer.PrepareOptimizedContext(record, req.Message, req.SubjectBody),
	})
}

// Cleanup 立即清理，或交给后台 worker
func (h *HistoryHandler) Cleanup(c *gin.Context) {
	var req CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "请求参数错误",
				"detail":  err.Error(),
			})
			return
		}
	}

	ctx := c.Request.Context()
	if req.Async {
		if h.queue == nil {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "后台 worker 未启用",
			})
			return
		}
		taskID, err := h.queue.EnqueueCleanup(ctx, req.Emergency)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "清理任务入队失败",
				"detail":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"data":    gin.H{"taskId": taskID},
		})
		return
	}

	run := h.store.RunSmartCleanup
	if req.Emergency {
		run = h.store.RunEmergencyCleanup
	}
	res, err := run(ctx)
	if err != nil {
		c.JSON(statusForKind(history.Classify(err)), gin.H{
			"success": false,
			"error":   "清理失败",
			"detail":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    res,
	})
}

// statusForKind 失败分类对应的 HTTP 状态码
func statusForKind(kind history.FailureKind) int {
	switch kind {
	case history.FailureStorageFull, history.FailureCapacityExceeded:
		return http.StatusInsufficientStorage
	case history.FailureTimeout:
		return http.StatusGatewayTimeout
	case history.FailureInvalidArgument:
		return http.StatusBadRequest
	case history.FailureNotFound:
		return http.StatusNotFound
	case history.FailureConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
