package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"contextcache/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig bolt 后端的临时配置，多次调用 run 共用同一份数据文件
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
storage:
  backend: bolt
  bolt:
    path: %s
log:
  level: error
`, filepath.Join(dir, "history.bolt"))
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func writeRecord(t *testing.T, key string, n int) string {
	t.Helper()
	record := history.HistoryRecord{Key: key, SubjectInfo: history.SubjectInfo{Title: "Broken build"}}
	for i := 0; i < n; i++ {
		sender := history.SenderUser
		if i%2 == 1 {
			sender = history.SenderAssistant
		}
		record.Messages = append(record.Messages, history.Message{
			ID:      fmt.Sprintf("m%d", i),
			Content: fmt.Sprintf("message %d", i),
			Sender:  sender,
		})
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), key+".json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestHistoryctl_ImportExportRoundTrip(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "-c", cfg, "import", writeRecord(t, "CI-1", 3))
	require.NoError(t, err)
	assert.Contains(t, out, "imported CI-1 (3 messages)")

	out, err = runCLI(t, "-c", cfg, "-o", "json", "export", "CI-1")
	require.NoError(t, err)
	var record history.HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, "Broken build", record.SubjectInfo.Title)
	require.Len(t, record.Messages, 3)

	// YAML 导出可以原样再导入
	out, err = runCLI(t, "-c", cfg, "export", "CI-1")
	require.NoError(t, err)
	assert.Contains(t, out, "key: CI-1")

	yamlPath := filepath.Join(t.TempDir(), "export.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(out), 0o600))
	_, err = runCLI(t, "-c", cfg, "import", yamlPath)
	require.NoError(t, err)

	out, err = runCLI(t, "-c", cfg, "-o", "json", "export", "CI-1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, int64(2), record.Version)
	assert.Equal(t, "message 2", record.Messages[2].Content)
}

func TestHistoryctl_StatsAndClear(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "-c", cfg, "import", writeRecord(t, "A-1", 2))
	require.NoError(t, err)
	_, err = runCLI(t, "-c", cfg, "import", writeRecord(t, "A-2", 2))
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfg, "-o", "json", "stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(2), stats["keyCount"])
	assert.Equal(t, "bolt", stats["backend"])

	_, err = runCLI(t, "-c", cfg, "clear", "A-1")
	require.NoError(t, err)

	_, err = runCLI(t, "-c", cfg, "export", "A-1")
	assert.Error(t, err)

	_, err = runCLI(t, "-c", cfg, "clear-all")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "-c", cfg, "clear-all", "--yes")
	require.NoError(t, err)

	out, err = runCLI(t, "-c", cfg, "-o", "json", "stats")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(0), stats["keyCount"])
}

func TestHistoryctl_ShowAndContext(t *testing.T) {
	cfg := writeConfig(t)
	_, err := runCLI(t, "-c", cfg, "import", writeRecord(t, "W-1", 14))
	require.NoError(t, err)

	out, err := runCLI(t, "-c", cfg, "-o", "json", "show", "W-1")
	require.NoError(t, err)
	var record history.HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Len(t, record.Messages, 10)

	out, err = runCLI(t, "-c", cfg, "--subject", "CI fails on main", "context", "W-1", "any update?")
	require.NoError(t, err)
	assert.Contains(t, out, "Title: Broken build")
	assert.Contains(t, out, "Description:\nCI fails on main")
	assert.Contains(t, out, "User: any update?\nAI:")
	assert.Contains(t, out, "# estimated tokens:")
}

func TestHistoryctl_Cleanup(t *testing.T) {
	cfg := writeConfig(t)
	for _, k := range []string{"C-1", "C-2", "C-3", "C-4"} {
		_, err := runCLI(t, "-c", cfg, "import", writeRecord(t, k, 1))
		require.NoError(t, err)
	}

	out, err := runCLI(t, "-c", cfg, "-o", "json", "cleanup", "--emergency")
	require.NoError(t, err)
	var res history.CleanupResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.RemovedCount)
}

func TestHistoryctl_UsageErrors(t *testing.T) {
	_, err := runCLI(t, "nope")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "export")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "-o", "xml", "stats")
	assert.ErrorIs(t, err, errUsage)

	out, err := runCLI(t)
	require.NoError(t, err)
	assert.True(t, strings.TrimSpace(out) == "")
}
