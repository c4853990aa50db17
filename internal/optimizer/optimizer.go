package optimizer

import (
	"strings"

	"contextcache/internal/history"
	"contextcache/internal/metrics"

	"go.uber.org/zap"
)

// Options 上下文窗口参数
type Options struct {
	MaxMessages          int  `mapstructure:"max_messages" json:"maxMessages"`
	MaxTokens            int  `mapstructure:"max_tokens" json:"maxTokens"`
	SummaryTokens        int  `mapstructure:"summary_tokens" json:"summaryTokens"`
	PreserveUserMessages bool `mapstructure:"preserve_user_messages" json:"preserveUserMessages"`
}

// DefaultOptions 默认窗口：10 条消息、8000 Token
func DefaultOptions() Options {
	return Options{
		MaxMessages:          10,
		MaxTokens:            8000,
		SummaryTokens:        500,
		PreserveUserMessages: true,
	}
}

// PromptOptions 组装提示词时使用的收紧窗口，为主体正文与模型回复预留空间
func PromptOptions() Options {
	opts := DefaultOptions()
	opts.MaxMessages = 8
	opts.MaxTokens = 6000
	return opts
}

// withDefaults 非正数字段回退到默认值
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxMessages <= 0 {
		o.MaxMessages = def.MaxMessages
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = def.MaxTokens
	}
	if o.SummaryTokens <= 0 {
		o.SummaryTokens = def.SummaryTokens
	}
	return o
}

// Optimizer 上下文优化器，无 I/O、无共享状态
type Optimizer struct {
	summarizer Summarizer
	prompt     Options
	logger     *zap.Logger
}

// Option 构造选项
type Option func(*Optimizer)

// WithSummarizer 替换摘要策略
func WithSummarizer(s Summarizer) Option {
	return func(o *Optimizer) {
		if s != nil {
			o.summarizer = s
		}
	}
}

// WithPromptOptions 覆盖 PrepareOptimizedContext 使用的窗口
func WithPromptOptions(opts Options) Option {
	return func(o *Optimizer) {
		o.prompt = opts.withDefaults()
	}
}

// WithLogger 注入日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New 创建优化器
func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		summarizer: KeywordSummarizer{},
		prompt:     PromptOptions(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OptimizeContext 把记录裁剪到窗口内，必要时为窗口之外的消息生成摘要
// 返回值与入参不共享可变状态；无需裁剪时原样返回入参
func (o *Optimizer) OptimizeContext(record *history.HistoryRecord, opts Options) *history.HistoryRecord {
	if record == nil {
		return nil
	}
	opts = opts.withDefaults()
	messages := record.Messages

	// 1. 低于阈值直接返回
	total := history.SumTokens(messages)
	if total <= opts.MaxTokens && len(messages) <= opts.MaxMessages {
		metrics.OptimizerRunsTotal.WithLabelValues("unchanged").Inc()
		return record
	}

	// 2. 从新到旧选取窗口
	window, windowTokens := recentWindow(messages, opts)

	// 窗口已覆盖全部消息（仅因保留用户消息而超限），再裁剪也不会变化
	if len(window) == len(messages) {
		metrics.OptimizerRunsTotal.WithLabelValues("unchanged").Inc()
		return record
	}

	cutoff := len(messages) - len(window) - 1
	out := record.Clone()
	out.Messages = window
	out.LastSummaryIndex = &cutoff

	// 3. 窗口在预算内：只截断
	if windowTokens <= opts.MaxTokens {
		metrics.OptimizerRunsTotal.WithLabelValues("truncated").Inc()
		return out
	}

	// 4. 窗口本身仍超预算：为窗口之前的消息生成摘要
	older := messages[:len(messages)-len(window)]
	summary := o.summarizer.Summarize(older)
	if record.ContextSummary != "" && summary != "" {
		summary = record.ContextSummary + "\n" + summary
	} else if summary == "" {
		summary = record.ContextSummary
	}
	out.ContextSummary = truncateRunes(summary, opts.SummaryTokens*4)
	out.TotalTokensUsed += history.SumTokens(older)

	o.logger.Debug("上下文已摘要",
		zap.String("key", record.Key),
		zap.Int("summarized", len(older)),
		zap.Int("kept", len(window)),
		zap.Int("window_tokens", windowTokens),
	)
	metrics.OptimizerRunsTotal.WithLabelValues("summarized").Inc()
	return out
}

// recentWindow 从最新消息向前累加，触达条数或 Token 上限即停止
// 因 Token 超限而被排除的若是用户消息，则作为最后一条保留后停止
func recentWindow(messages []history.Message, opts Options) ([]history.Message, int) {
	used := 0
	start := len(messages)

	for i := len(messages) - 1; i >= 0; i-- {
		if len(messages)-i > opts.MaxMessages {
			break
		}
		tokens := history.MessageTokens(messages[i])
		if used+tokens > opts.MaxTokens {
			if opts.PreserveUserMessages && messages[i].Sender == history.SenderUser {
				used += tokens
				start = i
			}
			break
		}
		used += tokens
		start = i
	}

	window := append([]history.Message(nil), messages[start:]...)
	return window, used
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
