package history

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken 粗略估算：约 4 个字符一个 Token
const charsPerToken = 4

// EstimateTokens 估算文本 Token 数：ceil(字符数/4)
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// MessageTokens 优先使用消息上记录的精确值，缺失时回退到估算
func MessageTokens(m Message) int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return EstimateTokens(m.Content)
}

// SumTokens 消息列表 Token 总数
func SumTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m)
	}
	return total
}

// TokenCounter 回填消息 Token 数时使用的计数器
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter 基于字符长度的估算计数器
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return EstimateTokens(text) }

// TiktokenCounter 基于 tiktoken 的精确计数器
type TiktokenCounter struct {
	tkm *tiktoken.Tiktoken
}

// NewTiktokenCounter 按模型加载编码，模型未识别时回退到 cl100k_base
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &TiktokenCounter{tkm: tkm}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if c == nil || c.tkm == nil {
		return EstimateTokens(text)
	}
	return len(c.tkm.Encode(text, nil, nil))
}
