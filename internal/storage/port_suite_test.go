package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"contextcache/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portFactory 创建指定容量的后端实例
type portFactory func(t *testing.T, capacity int64) history.PersistencePort

// jsonValue 生成长度为 n 的 JSON 字符串值，gorm 后端只接受 JSON
func jsonValue(n int) []byte {
	if n < 2 {
		n = 2
	}
	return []byte(`"` + strings.Repeat("x", n-2) + `"`)
}

// runPortSuite 所有后端共享的行为约束
func runPortSuite(t *testing.T, newPort portFactory, enforcesCapacity bool) {
	ctx := context.Background()

	t.Run("GetMissingKeys", func(t *testing.T) {
		port := newPort(t, DefaultCapacityBytes)

		got, err := port.Get(ctx, []string{"missing"})
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = port.Get(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SetThenGet", func(t *testing.T) {
		port := newPort(t, DefaultCapacityBytes)

		require.NoError(t, port.Set(ctx, map[string][]byte{
			"history:a":     []byte(`{"v":1}`),
			"history_index": []byte(`{"keys":["a"]}`),
		}))

		got, err := port.Get(ctx, []string{"history:a", "history_index", "history:b"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.JSONEq(t, `{"v":1}`, string(got["history:a"]))
		assert.JSONEq(t, `{"keys":["a"]}`, string(got["history_index"]))
	})

	t.Run("BytesInUseTracksOverwriteAndRemove", func(t *testing.T) {
		port := newPort(t, DefaultCapacityBytes)

		require.NoError(t, port.Set(ctx, map[string][]byte{"a": jsonValue(10), "b": jsonValue(20)}))
		used, err := port.BytesInUse(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1+10+1+20), used)

		require.NoError(t, port.Set(ctx, map[string][]byte{"a": jsonValue(30)}))
		used, err = port.BytesInUse(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1+30+1+20), used)

		require.NoError(t, port.Remove(ctx, []string{"b", "not-there"}))
		used, err = port.BytesInUse(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1+30), used)

		got, err := port.Get(ctx, []string{"b"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	if !enforcesCapacity {
		return
	}

	t.Run("RejectsWholeBatchOverCapacity", func(t *testing.T) {
		port := newPort(t, 64)

		err := port.Set(ctx, map[string][]byte{"small": jsonValue(10), "big": jsonValue(100)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, history.ErrCapacityExceeded), err)
		assert.Equal(t, history.FailureCapacityExceeded, history.Classify(err))

		got, err := port.Get(ctx, []string{"small", "big"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("OverwriteReleasesOldSize", func(t *testing.T) {
		port := newPort(t, 64)

		require.NoError(t, port.Set(ctx, map[string][]byte{"k": jsonValue(40)}))
		require.NoError(t, port.Set(ctx, map[string][]byte{"k": jsonValue(50)}))

		err := port.Set(ctx, map[string][]byte{"other": jsonValue(20)})
		assert.ErrorIs(t, err, history.ErrCapacityExceeded)
	})
}
