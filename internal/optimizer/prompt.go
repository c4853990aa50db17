package optimizer

import (
	"strings"

	"contextcache/internal/history"
	"contextcache/internal/metrics"
)

// PreparedContext 组装好的提示词
type PreparedContext struct {
	Context         string            `json:"context"`
	RecentMessages  []history.Message `json:"recentMessages"`
	Summary         string            `json:"summary,omitempty"`
	EstimatedTokens int               `json:"estimatedTokens"`
}

// PrepareOptimizedContext 按固定顺序拼接提示词：
// 主体信息、主体正文、历史摘要、最近对话、新消息与末尾的 "AI:" 提示
func (o *Optimizer) PrepareOptimizedContext(record *history.HistoryRecord, newMessage, subjectBody string) PreparedContext {
	if record == nil {
		record = &history.HistoryRecord{}
	}
	optimized := o.OptimizeContext(record, o.prompt)

	var sb strings.Builder

	subject := optimized.SubjectInfo
	if subject.Title != "" {
		sb.WriteString("Title: " + subject.Title + "\n")
	}
	if subject.Status != "" {
		sb.WriteString("Status: " + subject.Status + "\n")
	}
	if subject.Assignee != "" {
		sb.WriteString("Assignee: " + subject.Assignee + "\n")
	}

	if body := strings.TrimSpace(subjectBody); body != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Description:\n" + body + "\n")
	}

	if optimized.ContextSummary != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Previous context: " + optimized.ContextSummary + "\n")
	}

	if len(optimized.Messages) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Conversation history:\n")
		for _, m := range optimized.Messages {
			sb.WriteString(speaker(m.Sender) + ": " + m.Content + "\n")
		}
	}

	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("User: " + newMessage + "\nAI:")

	prompt := sb.String()
	tokens := history.EstimateTokens(prompt)
	metrics.PromptTokens.Observe(float64(tokens))

	return PreparedContext{
		Context:         prompt,
		RecentMessages:  append([]history.Message{}, optimized.Messages...),
		Summary:         optimized.ContextSummary,
		EstimatedTokens: tokens,
	}
}

func speaker(s history.Sender) string {
	if s == history.SenderUser {
		return "User"
	}
	return "AI"
}
