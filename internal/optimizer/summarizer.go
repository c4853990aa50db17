package optimizer

import (
	"fmt"
	"strings"

	"contextcache/internal/history"
)

// Summarizer 把窗口之外的旧消息压缩为一段摘要
type Summarizer interface {
	Summarize(messages []history.Message) string
}

// 关键词摘要的固定词表
var (
	topicVocabulary = []string{"bug", "feature", "test", "priority", "assign", "deadline", "status"}
	keyPointMarkers = []string{"Key point:", "Important:", "Recommendation:", "Summary:"}
)

const (
	maxTopics    = 5
	maxKeyPoints = 3
)

// KeywordSummarizer 基于固定词表的摘要器
// 只做子串匹配，不做语义理解
type KeywordSummarizer struct{}

// Summarize 统计消息数、提取主题词与助手回复中的要点行
func (KeywordSummarizer) Summarize(messages []history.Message) string {
	if len(messages) == 0 {
		return ""
	}

	userCount, assistantCount := 0, 0
	for _, m := range messages {
		if m.Sender == history.SenderUser {
			userCount++
		} else {
			assistantCount++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Earlier conversation: %d user messages and %d assistant replies.", userCount, assistantCount)

	if topics := ExtractTopics(messages); len(topics) > 0 {
		fmt.Fprintf(&sb, " Topics discussed: %s.", strings.Join(topics, ", "))
	}
	if points := ExtractKeyPoints(messages); len(points) > 0 {
		sb.WriteString(" Key points: ")
		sb.WriteString(strings.Join(points, " "))
	}
	return sb.String()
}

// ExtractTopics 按词表顺序返回出现过的主题词，大小写不敏感
func ExtractTopics(messages []history.Message) []string {
	var text strings.Builder
	for _, m := range messages {
		text.WriteString(strings.ToLower(m.Content))
		text.WriteByte('\n')
	}
	all := text.String()

	topics := make([]string, 0, maxTopics)
	for _, term := range topicVocabulary {
		if len(topics) >= maxTopics {
			break
		}
		if strings.Contains(all, term) {
			topics = append(topics, term)
		}
	}
	return topics
}

// ExtractKeyPoints 助手消息中以固定标记开头的行
func ExtractKeyPoints(messages []history.Message) []string {
	points := make([]string, 0, maxKeyPoints)
	for _, m := range messages {
		if m.Sender != history.SenderAssistant {
			continue
		}
		for _, line := range strings.Split(m.Content, "\n") {
			line = strings.TrimSpace(line)
			if !hasKeyPointMarker(line) {
				continue
			}
			points = append(points, line)
			if len(points) >= maxKeyPoints {
				return points
			}
		}
	}
	return points
}

func hasKeyPointMarker(line string) bool {
	for _, marker := range keyPointMarkers {
		if strings.HasPrefix(line, marker) {
			return true
		}
	}
	return false
}
