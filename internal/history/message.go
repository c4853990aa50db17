package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Sender 消息发送方
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// 快照字段长度上限（按字符计）
const (
	MaxTitleLength    = 200
	MaxAssigneeLength = 100
)

// InvalidTimestamp 无法解析的时间戳统一落到这个哨兵值，UI 层据此单独展示
var InvalidTimestamp = time.Unix(0, 0).UTC()

// timestampLayouts 字符串时间戳可接受的格式
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Message 单条对话消息
// 写入后不可变，仅允许模型调用完成后回填 ResponseID / TokenCount
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	ResponseID string    `json:"responseId,omitempty"`
	TokenCount int       `json:"tokenCount,omitempty"`
	Compressed bool      `json:"compressed,omitempty"`
}

// HasValidTimestamp 时间戳是否可用
func (m Message) HasValidTimestamp() bool {
	return !m.Timestamp.IsZero() && !m.Timestamp.Equal(InvalidTimestamp)
}

// MarshalJSON 时间戳统一编码为毫秒时间戳
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	var ms int64
	if !m.Timestamp.IsZero() {
		ms = m.Timestamp.UnixMilli()
	}
	return json.Marshal(struct {
		alias
		Timestamp int64 `json:"timestamp"`
	}{
		alias:     alias(m),
		Timestamp: ms,
	})
}

// UnmarshalJSON 宽松解析时间戳，格式错误时回退到 InvalidTimestamp 而不是报错
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts, err := ParseTimestamp(aux.Timestamp)
	if err != nil {
		ts = InvalidTimestamp
	}
	m.Timestamp = ts
	return nil
}

// ParseTimestamp 解析 JSON 中的时间戳：毫秒数字、数字字符串或常见时间格式
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return InvalidTimestamp, fmt.Errorf("%w: empty", ErrMalformedTimestamp)
	}

	if raw[0] != '"' {
		ms, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return InvalidTimestamp, fmt.Errorf("%w: %s", ErrMalformedTimestamp, raw)
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return InvalidTimestamp, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	s = strings.TrimSpace(s)

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return InvalidTimestamp, fmt.Errorf("%w: %q", ErrMalformedTimestamp, s)
}

// SubjectInfo 会话所属对象（如工单）的快照
type SubjectInfo struct {
	Title    string `json:"title"`
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
}

// capped 按长度上限截断标题与负责人
func (s SubjectInfo) capped() SubjectInfo {
	s.Title = truncateRunes(s.Title, MaxTitleLength)
	s.Assignee = truncateRunes(s.Assignee, MaxAssigneeLength)
	return s
}

// OwnerInfo 会话所属用户快照
type OwnerInfo struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// HistoryRecord 单个会话键对应的完整历史记录
type HistoryRecord struct {
	Key              string      `json:"key"`
	SourceURL        string      `json:"sourceUrl,omitempty"`
	Messages         []Message   `json:"messages"`
	LastUpdated      time.Time   `json:"lastUpdated"`
	OwnerInfo        OwnerInfo   `json:"ownerInfo"`
	SubjectInfo      SubjectInfo `json:"subjectInfo"`
	ContextSummary   string      `json:"contextSummary,omitempty"`
	LastSummaryIndex *int        `json:"lastSummaryIndex,omitempty"`
	TotalTokensUsed  int         `json:"totalTokensUsed,omitempty"`
	Version          int64       `json:"version"`
}

// Clone 深拷贝，调用方可以放心修改返回值
func (r *HistoryRecord) Clone() *HistoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	if r.LastSummaryIndex != nil {
		idx := *r.LastSummaryIndex
		out.LastSummaryIndex = &idx
	}
	return &out
}

// TruncateMessages 只保留最新的 limit 条消息
func TruncateMessages(messages []Message, limit int) []Message {
	if limit <= 0 || len(messages) <= limit {
		return append([]Message(nil), messages...)
	}
	return append([]Message(nil), messages[len(messages)-limit:]...)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
