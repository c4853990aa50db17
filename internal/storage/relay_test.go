package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"contextcache/internal/history"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayMount = "/internal/port"

// newRelayPair 启动挂载了 RelayHandler 的测试服务，返回指向它的 RelayPort
func newRelayPair(t *testing.T, backend history.PersistencePort, serverToken, clientToken string) *RelayPort {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRelayHandler(backend, serverToken, nil).Register(r.Group(relayMount))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewRelayPort(srv.URL+relayMount, time.Second, WithRelayToken(clientToken))
}

func TestRelayPort(t *testing.T) {
	runPortSuite(t, func(t *testing.T, capacity int64) history.PersistencePort {
		return newRelayPair(t, NewMemoryPort(capacity), "", "")
	}, true)
}

func TestRelayPort_CapacityRefreshedFromUsage(t *testing.T) {
	port := newRelayPair(t, NewMemoryPort(4096), "", "")
	assert.Zero(t, port.CapacityBytes())

	_, err := port.BytesInUse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4096), port.CapacityBytes())
}

func TestRelayPort_StoreSeesRemoteCapacity(t *testing.T) {
	port := newRelayPair(t, NewMemoryPort(4096), "", "")
	store := history.NewStore(port)

	stats := store.Stats(context.Background())
	assert.Equal(t, int64(4096), stats.MaxBytes)
}

func TestRelayPort_Token(t *testing.T) {
	backend := NewMemoryPort(0)
	ctx := context.Background()

	ok := newRelayPair(t, backend, "secret", "secret")
	require.NoError(t, ok.Set(ctx, map[string][]byte{"a": []byte(`1`)}))

	bad := newRelayPair(t, backend, "secret", "wrong")
	err := bad.Set(ctx, map[string][]byte{"a": []byte(`2`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, history.ErrBackendUnavailable)

	got, err := backend.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "1", string(got["a"]))
}

func TestRelayPort_PeerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	port := NewRelayPort(url, 200*time.Millisecond)
	_, err := port.Get(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, history.FailureBackendUnavailable, history.Classify(err))
}

func TestRelayHandler_BadRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRelayHandler(NewMemoryPort(0), "", nil).Register(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, relayPathSet, nil)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
