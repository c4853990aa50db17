package histories

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"contextcache/internal/history"
	"contextcache/internal/optimizer"
	"contextcache/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	calls     int
	emergency bool
	err       error
}

func (q *fakeQueue) EnqueueCleanup(ctx context.Context, emergency bool) (string, error) {
	q.calls++
	q.emergency = emergency
	if q.err != nil {
		return "", q.err
	}
	return "task-1", nil
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T, capacity int64, queue CleanupEnqueuer) (*gin.Engine, *history.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := history.NewStore(storage.NewMemoryPort(capacity))
	h := NewHistoryHandler(store, optimizer.New(), queue)

	r := gin.New()
	g := r.Group("/api/v1/histories")
	g.GET("/stats", h.Stats)
	g.POST("/cleanup", h.Cleanup)
	g.DELETE("", h.DeleteAll)
	g.GET("/:key", h.Get)
	g.PUT("/:key", h.Save)
	g.DELETE("/:key", h.Delete)
	g.PATCH("/:key/messages/:id", h.UpdateMessage)
	g.POST("/:key/optimize", h.Optimize)
	g.POST("/:key/context", h.PrepareContext)
	return r, store
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func saveBody(contents ...string) SaveRequest {
	req := SaveRequest{Subject: history.SubjectInfo{Title: "Login fails", Status: "Open"}}
	for i, c := range contents {
		sender := history.SenderUser
		if i%2 == 1 {
			sender = history.SenderAssistant
		}
		req.Messages = append(req.Messages, history.Message{ID: fmt.Sprintf("m%d", i+1), Content: c, Sender: sender})
	}
	return req
}

func TestHistoryHandler_SaveAndGet(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)

	w, env := doJSON(t, r, http.MethodPut, "/api/v1/histories/PROJ-1", saveBody("hi", "hello"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.Success)

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/histories/PROJ-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var record history.HistoryRecord
	require.NoError(t, json.Unmarshal(env.Data, &record))
	assert.Equal(t, "PROJ-1", record.Key)
	assert.Equal(t, "Login fails", record.SubjectInfo.Title)
	require.Len(t, record.Messages, 2)
	assert.Equal(t, "hello", record.Messages[1].Content)
	assert.Equal(t, int64(1), record.Version)
}

func TestHistoryHandler_GetMissing(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/histories/NOPE-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)
}

func TestHistoryHandler_SaveBadJSON(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/histories/K", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryHandler_SaveVersionConflict(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)

	w, _ := doJSON(t, r, http.MethodPut, "/api/v1/histories/K", saveBody("one"))
	require.Equal(t, http.StatusOK, w.Code)

	body := saveBody("one", "two")
	stale := int64(0)
	body.ExpectedVersion = &stale
	w, env := doJSON(t, r, http.MethodPut, "/api/v1/histories/K", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)

	var res history.SaveResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, history.FailureConflict, res.Kind)
}

func TestHistoryHandler_SaveTooLarge(t *testing.T) {
	r, _ := setupRouter(t, 512, nil)

	w, env := doJSON(t, r, http.MethodPut, "/api/v1/histories/BIG", saveBody(strings.Repeat("x", 4096)))
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	assert.NotEmpty(t, env.Error)
}

func TestHistoryHandler_DeleteAndStats(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)

	doJSON(t, r, http.MethodPut, "/api/v1/histories/A", saveBody("a"))
	doJSON(t, r, http.MethodPut, "/api/v1/histories/B", saveBody("b"))

	_, env := doJSON(t, r, http.MethodGet, "/api/v1/histories/stats", nil)
	var stats history.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 2, stats.KeyCount)
	assert.Positive(t, stats.BytesUsed)

	w, _ := doJSON(t, r, http.MethodDelete, "/api/v1/histories/A", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/histories", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, env = doJSON(t, r, http.MethodGet, "/api/v1/histories/stats", nil)
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Zero(t, stats.KeyCount)
}

func TestHistoryHandler_UpdateMessage(t *testing.T) {
	r, store := setupRouter(t, 0, nil)
	doJSON(t, r, http.MethodPut, "/api/v1/histories/K", saveBody("q", "a"))

	w, _ := doJSON(t, r, http.MethodPatch, "/api/v1/histories/K/messages/m2",
		UpdateMessageRequest{ResponseID: "resp-9", TokenCount: 42})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msgs := store.Load(context.Background(), "K")
	require.Len(t, msgs, 2)
	assert.Equal(t, "resp-9", msgs[1].ResponseID)
	assert.Equal(t, 42, msgs[1].TokenCount)

	w, _ = doJSON(t, r, http.MethodPatch, "/api/v1/histories/K/messages/missing", UpdateMessageRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryHandler_Optimize(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)
	contents := make([]string, 12)
	for i := range contents {
		contents[i] = fmt.Sprintf("message %d", i+1)
	}
	doJSON(t, r, http.MethodPut, "/api/v1/histories/K", saveBody(contents...))

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/histories/K/optimize", optimizer.Options{MaxMessages: 4})
	require.Equal(t, http.StatusOK, w.Code)

	var record history.HistoryRecord
	require.NoError(t, json.Unmarshal(env.Data, &record))
	require.Len(t, record.Messages, 4)
	assert.Equal(t, "message 12", record.Messages[3].Content)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/histories/NONE/optimize", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryHandler_PrepareContext(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)
	doJSON(t, r, http.MethodPut, "/api/v1/histories/K", saveBody("How do I reset?", "Use the link."))

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/histories/K/context", ContextRequest{Message: "Thanks"})
	require.Equal(t, http.StatusOK, w.Code)

	var prepared optimizer.PreparedContext
	require.NoError(t, json.Unmarshal(env.Data, &prepared))
	assert.Contains(t, prepared.Context, "Title: Login fails")
	assert.Contains(t, prepared.Context, "User: How do I reset?")
	assert.True(t, strings.HasSuffix(prepared.Context, "User: Thanks\nAI:"))

	// 不存在的会话只包含新消息
	w, env = doJSON(t, r, http.MethodPost, "/api/v1/histories/NEW/context", ContextRequest{Message: "Hi"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &prepared))
	assert.Equal(t, "User: Hi\nAI:", prepared.Context)

	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/histories/K/context", ContextRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryHandler_CleanupSync(t *testing.T) {
	r, _ := setupRouter(t, 0, nil)
	for _, k := range []string{"A", "B", "C", "D"} {
		doJSON(t, r, http.MethodPut, "/api/v1/histories/"+k, saveBody(k))
	}

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/histories/cleanup", CleanupRequest{Emergency: true})
	require.Equal(t, http.StatusOK, w.Code)

	var res history.CleanupResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 2, res.RemovedCount)
}

func TestHistoryHandler_CleanupAsync(t *testing.T) {
	t.Run("未启用 worker", func(t *testing.T) {
		r, _ := setupRouter(t, 0, nil)
		w, _ := doJSON(t, r, http.MethodPost, "/api/v1/histories/cleanup", CleanupRequest{Async: true})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("入队", func(t *testing.T) {
		q := &fakeQueue{}
		r, _ := setupRouter(t, 0, q)
		w, _ := doJSON(t, r, http.MethodPost, "/api/v1/histories/cleanup", CleanupRequest{Async: true, Emergency: true})
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, 1, q.calls)
		assert.True(t, q.emergency)
	})

	t.Run("入队失败", func(t *testing.T) {
		q := &fakeQueue{err: errors.New("redis down")}
		r, _ := setupRouter(t, 0, q)
		w, _ := doJSON(t, r, http.MethodPost, "/api/v1/histories/cleanup", CleanupRequest{Async: true})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusInsufficientStorage, statusForKind(history.FailureStorageFull))
	assert.Equal(t, http.StatusGatewayTimeout, statusForKind(history.FailureTimeout))
	assert.Equal(t, http.StatusBadRequest, statusForKind(history.FailureInvalidArgument))
	assert.Equal(t, http.StatusServiceUnavailable, statusForKind(history.FailureBackendUnavailable))
}
