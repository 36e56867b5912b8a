package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/llm"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// 送入模型的正文长度上限（按字符）
const maxContentRunes = 6000

// 模型输出的长度上限，提示词要求速览 200 字、理由 100 字以内，超出一倍视为不合格
const (
	maxSummaryRunes = 400
	maxReasonRunes  = 200
)

// Options 摘要生成参数
type Options struct {
	ScoreScale        int
	MaxRetries        int // 同一对话内修正 JSON 的次数
	Concurrency       int
	SummaryPromptFile string
	DedupPromptFile   string
}

// Summarizer 调用大模型生成摘要与评分
type Summarizer struct {
	gen          *llm.Generator
	opts         Options
	systemPrompt string
	dedupPrompt  string
}

// New 创建摘要生成器，提示词文件读取失败时返回错误
func New(gen *llm.Generator, opts Options) (*Summarizer, error) {
	if opts.ScoreScale <= 0 {
		opts.ScoreScale = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	sp, err := loadPrompt(opts.SummaryPromptFile, defaultSummaryPrompt, opts.ScoreScale)
	if err != nil {
		return nil, err
	}
	dp, err := loadPrompt(opts.DedupPromptFile, defaultDedupPrompt, opts.ScoreScale)
	if err != nil {
		return nil, err
	}
	return &Summarizer{gen: gen, opts: opts, systemPrompt: sp, dedupPrompt: dp}, nil
}

// articleInput 模型看到的文章元数据
type articleInput struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	AccountName string `json:"account_name"`
	PublishTime string `json:"publish_time"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type summaryOutput struct {
	Keywords []string `json:"keywords"`
	Score    *int     `json:"score"`
	Summary  string   `json:"summary"`
	Reason   string   `json:"reason"`
}

// Summarize 为一篇文章生成摘要，模型输出无法解析时返回 llm.ErrMalformedOutput
func (s *Summarizer) Summarize(ctx context.Context, meta *model.ArticleMetadata) (*model.ArticleSummary, error) {
	if !meta.Complete {
		return nil, fmt.Errorf("metadata of %s is not complete", meta.URL)
	}

	content := []rune(meta.Content)
	if len(content) > maxContentRunes {
		content = content[:maxContentRunes]
	}
	input, err := json.MarshalIndent(articleInput{
		Title:       meta.Title,
		Author:      meta.Author,
		AccountName: meta.Account,
		PublishTime: meta.PublishTimeText(),
		Description: meta.Description,
		Content:     string(content),
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(s.systemPrompt),
		schema.UserMessage("文章元数据:\n" + string(input)),
	}

	var out summaryOutput
	attempts, err := s.gen.GenerateJSON(ctx, messages, &out, s.opts.MaxRetries, func() error {
		switch {
		case out.Score == nil:
			return errors.New("缺少 score 字段")
		case *out.Score < 0 || *out.Score > s.opts.ScoreScale:
			return fmt.Errorf("score %d 超出范围 0-%d", *out.Score, s.opts.ScoreScale)
		case out.Summary == "":
			return errors.New("缺少 summary 字段")
		case textLen(out.Summary) > maxSummaryRunes:
			return fmt.Errorf("summary 共 %d 字，超过 %d 字，请精简到 200 字以内", textLen(out.Summary), maxSummaryRunes)
		case textLen(out.Reason) > maxReasonRunes:
			return fmt.Errorf("reason 共 %d 字，超过 %d 字，请精简到 100 字以内", textLen(out.Reason), maxReasonRunes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if attempts > 1 {
		logger.Log.Infof("模型在第 %d 次输出后修正成功: %s", attempts, meta.Title)
	}

	summary := &model.ArticleSummary{
		Keywords: out.Keywords,
		Score:    *out.Score,
		Summary:  SanitizeSummary(out.Summary),
		Reason:   SanitizeReason(out.Reason),
	}
	logger.Log.Infof("文章摘要生成成功: %s, 评分: %d", meta.Title, summary.Score)
	return summary, nil
}

// Failure 单篇文章打分失败
type Failure struct {
	URL   string
	Title string
	Err   error
}

// SummarizeAll 有限并发地为所有文章打分。结果按输入顺序排列，
// Order 记录原始下标；失败的文章只记录不返回错误。
// ctx 取消后不再发起新的调用，已发出的调用正常结束。
func (s *Summarizer) SummarizeAll(ctx context.Context, metas []model.ArticleMetadata) ([]model.ScoredArticle, []Failure) {
	results := make([]*model.ScoredArticle, len(metas))
	var (
		mu       sync.Mutex
		failures []Failure
	)

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i := range metas {
		if err := ctx.Err(); err != nil {
			// 未发起的文章记为取消
			mu.Lock()
			for _, meta := range metas[i:] {
				failures = append(failures, Failure{URL: meta.URL, Title: meta.Title, Err: err})
			}
			mu.Unlock()
			break
		}
		i := i
		g.Go(func() error {
			meta := &metas[i]
			if ctx.Err() != nil {
				mu.Lock()
				failures = append(failures, Failure{URL: meta.URL, Title: meta.Title, Err: ctx.Err()})
				mu.Unlock()
				return nil
			}
			sum, err := s.Summarize(ctx, meta)
			if err != nil {
				logger.Log.Warnf("生成文章摘要失败，跳过 [%s]: %v", meta.Title, err)
				mu.Lock()
				failures = append(failures, Failure{URL: meta.URL, Title: meta.Title, Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = &model.ScoredArticle{Metadata: *meta, Summary: *sum, Order: i}
			return nil
		})
	}
	_ = g.Wait()

	scored := make([]model.ScoredArticle, 0, len(metas))
	for _, r := range results {
		if r != nil {
			scored = append(scored, *r)
		}
	}
	return scored, failures
}

type dedupInput struct {
	Title       string   `json:"title"`
	Keywords    []string `json:"keywords"`
	Summary     string   `json:"summary"`
	Score       int      `json:"score"`
	PublishTime string   `json:"publish_time"`
}

type dedupOutput struct {
	RemovedTitles []string `json:"removed_titles"`
	Reason        string   `json:"reason"`
}

// Deduplicate 让模型识别同主题文章，被剔除的文章评分置 0。
// 少于两篇时不调用模型；调用失败时原样返回并附带错误。
func (s *Summarizer) Deduplicate(ctx context.Context, items []model.ScoredArticle) ([]model.ScoredArticle, error) {
	if len(items) < 2 {
		return items, nil
	}

	inputs := make([]dedupInput, 0, len(items))
	for _, it := range items {
		inputs = append(inputs, dedupInput{
			Title:       it.Metadata.Title,
			Keywords:    it.Summary.Keywords,
			Summary:     it.Summary.Summary,
			Score:       it.Summary.Score,
			PublishTime: it.Metadata.PublishTimeText(),
		})
	}
	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return items, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(s.dedupPrompt),
		schema.UserMessage("请分析以下高分文章列表，识别相似主题并给出需要剔除的文章：\n\n" + string(data)),
	}
	var out dedupOutput
	if _, err := s.gen.GenerateJSON(ctx, messages, &out, s.opts.MaxRetries, func() error {
		if out.RemovedTitles == nil {
			return errors.New("输出格式错误：缺少 removed_titles 字段")
		}
		return nil
	}); err != nil {
		return items, fmt.Errorf("deduplicate: %w", err)
	}

	logger.Log.Infof("去重分析完成: %s", out.Reason)
	removed := make(map[string]bool, len(out.RemovedTitles))
	for _, t := range out.RemovedTitles {
		removed[t] = true
	}

	optimized := make([]model.ScoredArticle, len(items))
	for i, it := range items {
		optimized[i] = it
		if removed[it.Metadata.Title] {
			logger.Log.Infof("  - 文章已剔除: %s (%d -> 0)", it.Metadata.Title, it.Summary.Score)
			optimized[i].Summary.Score = 0
		}
	}
	return optimized, nil
}
