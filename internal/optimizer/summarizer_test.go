package optimizer

import (
	"testing"

	"contextcache/internal/history"

	"github.com/stretchr/testify/assert"
)

func TestExtractTopics(t *testing.T) {
	msgs := []history.Message{
		{Content: "There is a BUG in the Status page"},
		{Content: "Please assign it, priority high, deadline friday"},
		{Content: "we also need a feature flag and a test"},
	}

	// 按词表顺序，最多 5 个
	assert.Equal(t, []string{"bug", "feature", "test", "priority", "assign"}, ExtractTopics(msgs))
	assert.Empty(t, ExtractTopics([]history.Message{{Content: "hello"}}))
}

func TestExtractKeyPoints(t *testing.T) {
	msgs := []history.Message{
		{Sender: history.SenderUser, Content: "Important: user lines are ignored"},
		{Sender: history.SenderAssistant, Content: "intro\n  Key point: first  \nnot a marker Important: inline"},
		{Sender: history.SenderAssistant, Content: "Recommendation: second\nSummary: third\nImportant: fourth"},
	}

	assert.Equal(t, []string{"Key point: first", "Recommendation: second", "Summary: third"}, ExtractKeyPoints(msgs))
}

func TestKeywordSummarizer(t *testing.T) {
	s := KeywordSummarizer{}
	assert.Empty(t, s.Summarize(nil))

	summary := s.Summarize([]history.Message{
		{Sender: history.SenderUser, Content: "found a bug"},
		{Sender: history.SenderAssistant, Content: "Key point: reproduce first"},
		{Sender: history.SenderUser, Content: "ok"},
	})

	assert.Contains(t, summary, "2 user messages and 1 assistant replies")
	assert.Contains(t, summary, "Topics discussed: bug.")
	assert.Contains(t, summary, "Key points: Key point: reproduce first")
}
