package pipeline

import (
	"context"
	"fmt"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/digest"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/listfile"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/summarizer"
)

// Extractor 抓取单篇文章元数据
type Extractor interface {
	Extract(ctx context.Context, ref model.ArticleReference) (*model.ArticleMetadata, error)
}

// Scorer 打分与同主题去重
type Scorer interface {
	SummarizeAll(ctx context.Context, metas []model.ArticleMetadata) ([]model.ScoredArticle, []summarizer.Failure)
	Deduplicate(ctx context.Context, items []model.ScoredArticle) ([]model.ScoredArticle, error)
}

// Composer 渲染日报
type Composer interface {
	Compose(window model.TimeWindow, selected []model.ScoredArticle) (string, error)
}

// GenerateOptions 生成阶段参数
type GenerateOptions struct {
	Threshold    int
	MinCount     int
	Dedup        bool
	FilterByDate bool // 丢弃发布时间已知且不在窗口内的文章
	OutputDir    string
}

// GenerateInput 生成阶段输入
type GenerateInput struct {
	ListPath string
	Window   model.TimeWindow
}

// GenerateOutput 生成阶段输出
type GenerateOutput struct {
	DigestPath string
	Scored     []model.ScoredArticle
	Selected   []model.ScoredArticle
	Reports    []StageReport
}

// GenerateStage 读取清单，提取、打分、选文并写出日报
type GenerateStage struct {
	extractor Extractor
	scorer    Scorer
	composer  Composer
	opts      GenerateOptions
}

var _ Stage[GenerateInput, *GenerateOutput] = (*GenerateStage)(nil)

// NewGenerateStage 创建生成阶段
func NewGenerateStage(e Extractor, s Scorer, c Composer, opts GenerateOptions) *GenerateStage {
	return &GenerateStage{extractor: e, scorer: s, composer: c, opts: opts}
}

// Execute 单篇提取或打分失败只计入报告；没有任何文章可用时返回错误
func (s *GenerateStage) Execute(ctx context.Context, in GenerateInput) (*GenerateOutput, error) {
	refs, err := listfile.ParseFile(in.ListPath)
	if err != nil {
		return nil, err
	}
	logger.Log.Infof("从 %s 读取到 %d 篇文章", in.ListPath, len(refs))

	out := &GenerateOutput{}
	metas, extractReport, err := s.extract(ctx, refs, in.Window)
	out.Reports = append(out.Reports, extractReport)
	if err != nil {
		return out, err
	}
	if len(metas) == 0 {
		return out, fmt.Errorf("no article extracted from %s", in.ListPath)
	}

	scored, failures := s.scorer.SummarizeAll(ctx, metas)
	scoreReport := StageReport{Name: StageSummarize, Attempted: len(metas), Succeeded: len(scored)}
	for _, f := range failures {
		scoreReport.Failures = append(scoreReport.Failures, Failure{Subject: f.URL, Err: f.Err})
	}
	out.Reports = append(out.Reports, scoreReport)
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if len(scored) == 0 {
		return out, fmt.Errorf("no article scored")
	}
	out.Scored = scored

	pool := scored
	if s.opts.Dedup {
		pool = s.dedup(ctx, scored)
	}

	composeReport := StageReport{Name: StageCompose, Attempted: 1}
	out.Selected = digest.Select(pool, s.opts.Threshold, s.opts.MinCount)
	doc, err := s.composer.Compose(in.Window, out.Selected)
	if err == nil {
		out.DigestPath, err = digest.Write(s.opts.OutputDir, in.Window, doc)
	}
	if err != nil {
		composeReport.Failures = append(composeReport.Failures, Failure{Subject: in.Window.Stamp(), Err: err})
		out.Reports = append(out.Reports, composeReport)
		return out, fmt.Errorf("compose digest: %w", err)
	}
	composeReport.Succeeded = 1
	out.Reports = append(out.Reports, composeReport)
	logger.Log.Infof("日报已写入: %s，入选 %d/%d 篇", out.DigestPath, len(out.Selected), len(scored))
	return out, nil
}

// extract 逐篇抓取，每篇之前检查取消
func (s *GenerateStage) extract(ctx context.Context, refs []model.ArticleReference, window model.TimeWindow) ([]model.ArticleMetadata, StageReport, error) {
	report := StageReport{Name: StageExtract, Attempted: len(refs)}
	metas := make([]model.ArticleMetadata, 0, len(refs))

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return metas, report, err
		}
		logger.Log.Infof("[%d/%d] 提取文章: %s", i+1, len(refs), ref.URL)

		meta, err := s.extractor.Extract(ctx, ref)
		if err != nil {
			logger.Log.Warnf("提取文章失败，跳过 [%s]: %v", ref.URL, err)
			report.Failures = append(report.Failures, Failure{Subject: ref.URL, Err: err})
			continue
		}
		report.Succeeded++

		// 发布时间未知的文章保留
		if s.opts.FilterByDate && !meta.PublishTime.IsZero() && !window.Contains(meta.PublishTime) {
			logger.Log.Infof("文章不在目标时间范围内，跳过: %s (%s)", meta.Title, meta.PublishTimeText())
			continue
		}
		metas = append(metas, *meta)
	}
	return metas, report, nil
}

// dedup 只在达到阈值的文章中去重，被剔除的文章不再参与选文。模型调用失败时不去重。
func (s *GenerateStage) dedup(ctx context.Context, scored []model.ScoredArticle) []model.ScoredArticle {
	var high []model.ScoredArticle
	for _, it := range scored {
		if it.Summary.Score >= s.opts.Threshold {
			high = append(high, it)
		}
	}
	if len(high) < 2 {
		return scored
	}

	optimized, err := s.scorer.Deduplicate(ctx, high)
	if err != nil {
		logger.Log.Warnf("去重优化失败，使用原始结果: %v", err)
		return scored
	}

	removed := map[string]bool{}
	for i := range optimized {
		if optimized[i].Summary.Score == 0 && high[i].Summary.Score > 0 {
			removed[optimized[i].Metadata.URL] = true
		}
	}
	if len(removed) == 0 {
		return scored
	}

	pool := make([]model.ScoredArticle, 0, len(scored)-len(removed))
	for _, it := range scored {
		if !removed[it.Metadata.URL] {
			pool = append(pool, it)
		}
	}
	logger.Log.Infof("去重剔除 %d 篇同主题文章", len(removed))
	return pool
}
