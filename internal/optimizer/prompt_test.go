package optimizer

import (
	"strings"
	"testing"

	"contextcache/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareOptimizedContext_Layout(t *testing.T) {
	r := &history.HistoryRecord{
		Key:         "ABC-1",
		SubjectInfo: history.SubjectInfo{Title: "Fix bug", Status: "Open"},
		Messages: []history.Message{
			{ID: "1", Sender: history.SenderUser, Content: "what is broken?"},
			{ID: "2", Sender: history.SenderAssistant, Content: "the login form"},
		},
	}

	prepared := New().PrepareOptimizedContext(r, "add detail", "Login fails on submit.")

	ctx := prepared.Context
	assert.True(t, strings.HasSuffix(ctx, "User: add detail\nAI:"), ctx)

	title := strings.Index(ctx, "Title: Fix bug")
	status := strings.Index(ctx, "Status: Open")
	body := strings.Index(ctx, "Login fails on submit.")
	transcript := strings.Index(ctx, "User: what is broken?")
	reply := strings.Index(ctx, "AI: the login form")

	require.GreaterOrEqual(t, title, 0)
	assert.Less(t, title, status)
	assert.Less(t, status, body)
	assert.Less(t, body, transcript)
	assert.Less(t, transcript, reply)
	assert.NotContains(t, ctx, "Assignee:")
	assert.NotContains(t, ctx, "Previous context:")

	assert.Len(t, prepared.RecentMessages, 2)
	assert.Equal(t, history.EstimateTokens(ctx), prepared.EstimatedTokens)
}

func TestPrepareOptimizedContext_IncludesSummary(t *testing.T) {
	msgs := conversation(20, func(i int) string {
		if i == 0 {
			return "Important: keep the deadline"
		}
		return strings.Repeat("w", 4000)
	})
	r := &history.HistoryRecord{
		Key:         "ABC-2",
		SubjectInfo: history.SubjectInfo{Title: "Ship", Status: "In Progress", Assignee: "lee"},
		Messages:    msgs,
	}

	prepared := New().PrepareOptimizedContext(r, "next?", "")

	assert.LessOrEqual(t, len(prepared.RecentMessages), 8)
	assert.Contains(t, prepared.Context, "Assignee: lee")
	assert.Contains(t, prepared.Context, "Previous context: ")
	assert.Contains(t, prepared.Context, "Important: keep the deadline")
	assert.NotEmpty(t, prepared.Summary)

	summary := strings.Index(prepared.Context, "Previous context:")
	transcript := strings.Index(prepared.Context, "Conversation history:")
	assert.Less(t, summary, transcript)
	assert.True(t, strings.HasSuffix(prepared.Context, "User: next?\nAI:"))
}

func TestPrepareOptimizedContext_EmptyRecord(t *testing.T) {
	prepared := New().PrepareOptimizedContext(nil, "hello", "")

	assert.Equal(t, "User: hello\nAI:", prepared.Context)
	assert.Empty(t, prepared.RecentMessages)
	assert.Equal(t, history.EstimateTokens("User: hello\nAI:"), prepared.EstimatedTokens)
}

func TestPrepareOptimizedContext_CustomWindow(t *testing.T) {
	r := &history.HistoryRecord{Messages: conversation(6, func(int) string { return "hi" })}

	prepared := New(WithPromptOptions(Options{MaxMessages: 2, MaxTokens: 100})).PrepareOptimizedContext(r, "q", "")

	assert.Len(t, prepared.RecentMessages, 2)
	assert.Equal(t, "m4", prepared.RecentMessages[0].ID)
}
