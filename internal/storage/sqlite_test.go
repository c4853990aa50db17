package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"contextcache/internal/history"
	"contextcache/internal/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLitePort(t *testing.T, capacity int64, opts ...SQLiteOption) *SQLitePort {
	t.Helper()
	db, err := infra.OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)

	port, err := NewSQLitePort(context.Background(), db, capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return port
}

func TestSQLitePort(t *testing.T) {
	runPortSuite(t, func(t *testing.T, capacity int64) history.PersistencePort {
		return newTestSQLitePort(t, capacity)
	}, true)
}

func TestSQLitePort_CompressesLargeValues(t *testing.T) {
	port := newTestSQLitePort(t, DefaultCapacityBytes, WithCompressionThreshold(64))
	ctx := context.Background()

	large := []byte(`{"content":"` + strings.Repeat("hello world ", 500) + `"}`)
	small := []byte(`{"v":1}`)
	require.NoError(t, port.Set(ctx, map[string][]byte{"large": large, "small": small}))

	got, err := port.Get(ctx, []string{"large", "small"})
	require.NoError(t, err)
	assert.Equal(t, large, got["large"])
	assert.Equal(t, small, got["small"])

	// 用量按落盘后的大小计
	used, err := port.BytesInUse(ctx)
	require.NoError(t, err)
	assert.Less(t, used, entrySize("large", large))

	var compressed bool
	require.NoError(t, port.db.QueryRowContext(ctx,
		`SELECT compressed FROM kv_store WHERE entry_key = ?`, "large").Scan(&compressed))
	assert.True(t, compressed)
}

func TestSQLitePort_CompressionDisabled(t *testing.T) {
	port := newTestSQLitePort(t, DefaultCapacityBytes, WithCompressionThreshold(0))
	ctx := context.Background()

	large := []byte(`"` + strings.Repeat("a", 4096) + `"`)
	require.NoError(t, port.Set(ctx, map[string][]byte{"k": large}))

	used, err := port.BytesInUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, entrySize("k", large), used)
}

func TestSQLitePort_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	db, err := infra.OpenSQLite(path)
	require.NoError(t, err)
	port, err := NewSQLitePort(ctx, db, 0)
	require.NoError(t, err)
	require.NoError(t, port.Set(ctx, map[string][]byte{"history:A": []byte(`{"key":"A"}`)}))
	require.NoError(t, port.Remove(ctx, []string{"missing"}))
	require.NoError(t, port.Vacuum(ctx))
	require.NoError(t, port.Close())

	db, err = infra.OpenSQLite(path)
	require.NoError(t, err)
	reopened, err := NewSQLitePort(ctx, db, 0)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, []string{"history:A"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"A"}`, string(got["history:A"]))
}

func TestSQLitePort_ClosedDatabaseIsUnavailable(t *testing.T) {
	port := newTestSQLitePort(t, 0)
	require.NoError(t, port.db.Close())

	_, err := port.Get(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, history.FailureBackendUnavailable, history.Classify(err))
}
