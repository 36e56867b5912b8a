package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/config"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
)

// ErrMalformedOutput 多次修正后仍无法解析模型输出
var ErrMalformedOutput = errors.New("malformed model output")

// NewChatModel 初始化 OpenAI 兼容的对话模型（DashScope compatible-mode）
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (model.BaseChatModel, error) {
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM 初始化失败: %w", err)
	}
	return cm, nil
}

// ThinkingOptions enable_thinking / thinking_budget 作为请求体扩展字段
func ThinkingOptions(cfg config.LLMConfig) []model.Option {
	extra := map[string]any{"enable_thinking": cfg.ThinkingEnabled()}
	if cfg.ThinkingEnabled() {
		extra["thinking_budget"] = cfg.ThinkingBudget
	}
	return []model.Option{openai.WithExtraFields(extra)}
}

// NewLimiter RPM 为平均速率，QPS 为突发量
func NewLimiter(c config.ConcurrencyConfig) *rate.Limiter {
	if c.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := c.QPS
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(c.RPM)/60.0), burst)
}

// Generator 带限流、超时与重试的模型调用
type Generator struct {
	cm         model.BaseChatModel
	limiter    *rate.Limiter
	opts       []model.Option
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
}

// GeneratorOption 可选参数
type GeneratorOption func(*Generator)

// WithTimeout 单次调用超时
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.timeout = d }
}

// WithBackoff 429 时的重试次数与初始退避
func WithBackoff(maxRetries int, baseDelay time.Duration) GeneratorOption {
	return func(g *Generator) { g.maxRetries, g.baseDelay = maxRetries, baseDelay }
}

// WithModelOptions 每次调用附带的模型参数
func WithModelOptions(opts ...model.Option) GeneratorOption {
	return func(g *Generator) { g.opts = append(g.opts, opts...) }
}

// NewGenerator 创建调用器，limiter 为空时不限流
func NewGenerator(cm model.BaseChatModel, limiter *rate.Limiter, opts ...GeneratorOption) *Generator {
	g := &Generator{
		cm:         cm,
		limiter:    limiter,
		timeout:    2 * time.Minute,
		maxRetries: 3,
		baseDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return g
}

// Generate 调用一次模型，遇到 429 指数退避
func (g *Generator) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	var lastErr error
	for i := 0; i <= g.maxRetries; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.cm.Generate(callCtx, messages, g.opts...)
		cancel()
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !IsRateLimit(err) || i == g.maxRetries {
			return nil, err
		}
		delay := g.baseDelay * time.Duration(1<<i)
		logger.Log.Warnf("模型调用被限流，%v 后重试: %v", delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// IsRateLimit 根据错误文本判断是否为限流
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

const fixPrompt = `你的输出格式有误，无法解析为有效的 JSON。

错误信息: %s

请重新输出，严格按照要求的 JSON 格式，不要添加任何额外文字或 markdown 代码块标记。`

// GenerateJSON 在同一对话上下文中请求结构化输出。
// 解析失败时把模型的原始输出和错误追加到对话里再问一次，最多 fixRetries 次。
// validate 可为空，用于检查必填字段。返回实际调用次数。
func (g *Generator) GenerateJSON(ctx context.Context, messages []*schema.Message, out any, fixRetries int, validate func() error) (int, error) {
	conv := append([]*schema.Message(nil), messages...)
	var lastErr error

	for attempt := 0; attempt <= fixRetries; attempt++ {
		if attempt > 0 {
			logger.Log.Infof("尝试让大模型修正 JSON 格式 (第 %d/%d 次)", attempt, fixRetries)
		}
		resp, err := g.Generate(ctx, conv)
		if err != nil {
			return attempt + 1, err
		}

		lastErr = decode(resp.Content, out, validate)
		if lastErr == nil {
			return attempt + 1, nil
		}
		logger.Log.Debugf("解析模型输出失败: %v", lastErr)

		conv = append(conv,
			schema.AssistantMessage(resp.Content, nil),
			schema.UserMessage(fmt.Sprintf(fixPrompt, lastErr.Error())),
		)
	}
	return fixRetries + 1, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

// decode 每次解析前清空 out，避免沿用上一次输出中的字段
func decode(content string, out any, validate func() error) error {
	if v := reflect.ValueOf(out); v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
	if err := json.Unmarshal([]byte(ExtractJSON(content)), out); err != nil {
		return err
	}
	if validate != nil {
		return validate()
	}
	return nil
}

var (
	codeBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	objectRe    = regexp.MustCompile(`\{[\s\S]*\}`)
)

// ExtractJSON 依次尝试 markdown 代码块、最外层花括号，最后返回原文
func ExtractJSON(resp string) string {
	if m := codeBlockRe.FindStringSubmatch(resp); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := objectRe.FindString(resp); m != "" {
		return strings.TrimSpace(m)
	}
	return strings.TrimSpace(resp)
}

// ImageMessage 构造带图片的用户消息，图片以 data URL 传入
func ImageMessage(dataURL, text string) *schema.Message {
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: dataURL}},
			{Type: schema.ChatMessagePartTypeText, Text: text},
		},
	}
}
