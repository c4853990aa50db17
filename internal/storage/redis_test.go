package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"contextcache/internal/history"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisPort(t *testing.T) {
	runPortSuite(t, func(t *testing.T, capacity int64) history.PersistencePort {
		_, client := newTestRedis(t)
		return NewRedisPort(client, "{test}:", capacity)
	}, true)
}

func TestRedisPort_CapacityIgnoresOtherPrefixes(t *testing.T) {
	mr, client := newTestRedis(t)
	port := NewRedisPort(client, "{test}:", 64)
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", strings.Repeat("x", 200)))
	require.NoError(t, port.Set(ctx, map[string][]byte{"k": jsonValue(40)}))

	err := port.Set(ctx, map[string][]byte{"k2": jsonValue(40)})
	assert.ErrorIs(t, err, history.ErrCapacityExceeded)
	assert.False(t, mr.Exists("{test}:k2"))

	used, err := port.BytesInUse(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, port.CapacityBytes())
}

func TestRedisPort_PrefixIsolation(t *testing.T) {
	mr, client := newTestRedis(t)
	port := NewRedisPort(client, "{test}:", 0)
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", "0123456789"))
	require.NoError(t, port.Set(ctx, map[string][]byte{"history:A": []byte(`{"a":1}`)}))

	assert.True(t, mr.Exists("{test}:history:A"))

	used, err := port.BytesInUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len("history:A")+len(`{"a":1}`)), used)

	got, err := port.Get(ctx, []string{"unrelated", "history:A"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, DefaultCapacityBytes, port.CapacityBytes())
}

func TestRedisPort_ScanAcrossBatches(t *testing.T) {
	_, client := newTestRedis(t)
	port := NewRedisPort(client, "p:", 0)
	ctx := context.Background()

	items := make(map[string][]byte, scanBatch*2+5)
	var want int64
	for i := 0; i < scanBatch*2+5; i++ {
		items[fmt.Sprintf("k%03d", i)] = []byte("v")
	}
	for k, v := range items {
		want += entrySize(k, v)
	}
	require.NoError(t, port.Set(ctx, items))

	used, err := port.BytesInUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, used)
}

func TestRedisPort_ServerDown(t *testing.T) {
	mr, client := newTestRedis(t)
	port := NewRedisPort(client, "p:", 0)
	mr.Close()

	err := port.Set(context.Background(), map[string][]byte{"a": []byte("1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, history.ErrBackendUnavailable)

	_, err = port.BytesInUse(context.Background())
	assert.ErrorIs(t, err, history.ErrBackendUnavailable)
}

func TestClassifyRedisWrite(t *testing.T) {
	err := classifyRedisWrite(redis.Nil)
	assert.ErrorIs(t, err, history.ErrBackendUnavailable)

	other := classifyRedisWrite(assert.AnError)
	assert.NotErrorIs(t, other, history.ErrCapacityExceeded)

	full := classifyRedisWrite(redisErr("OOM command not allowed when used memory > 'maxmemory'."))
	assert.ErrorIs(t, full, history.ErrCapacityExceeded)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `\[a\]\*\?`, escapeGlob("[a]*?"))
	assert.Equal(t, "{tag}:", escapeGlob("{tag}:"))
}

type redisErr string

func (e redisErr) Error() string { return string(e) }
