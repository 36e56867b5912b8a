package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/listfile"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// 阶段名
const (
	StageCollect   = "collect"
	StageExtract   = "extract"
	StageSummarize = "summarize"
	StageCompose   = "compose"
	StagePublish   = "publish"
)

// AccountSource 解析采集目标，可能需要网络请求
type AccountSource func(ctx context.Context) ([]model.AccountReference, error)

// CollectInput 采集阶段输入
type CollectInput struct {
	Window model.TimeWindow
}

// CollectOutput 采集阶段输出，清单文件是交给生成阶段的唯一产物
type CollectOutput struct {
	ListPath string
	Articles int
	Report   StageReport
}

// CollectStage 采集文章链接并写入清单文件
type CollectStage struct {
	collector collector.Collector
	accounts  AccountSource
	outputDir string
	now       func() time.Time
}

var _ Stage[CollectInput, *CollectOutput] = (*CollectStage)(nil)

// NewCollectStage 创建采集阶段
func NewCollectStage(c collector.Collector, accounts AccountSource, outputDir string) *CollectStage {
	return &CollectStage{collector: c, accounts: accounts, outputDir: outputDir, now: time.Now}
}

// Execute 单个公众号失败计入报告；采集器整体失败或一篇都没采到时返回错误
func (s *CollectStage) Execute(ctx context.Context, in CollectInput) (*CollectOutput, error) {
	accounts, err := s.accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	logger.Log.Infof("开始采集 %d 个公众号 (%s)，时间范围 %s", len(accounts), s.collector.Name(), in.Window.Stamp())

	res, err := s.collector.Collect(ctx, accounts, in.Window)
	out := &CollectOutput{Report: StageReport{Name: StageCollect, Attempted: len(accounts)}}
	if res != nil {
		out.Report.Succeeded = res.Succeeded()
		out.Articles = len(res.Articles)
		for _, f := range res.Failures() {
			out.Report.Failures = append(out.Report.Failures, Failure{Subject: f.Account, Err: f.Err})
		}
	}
	if err != nil {
		return out, fmt.Errorf("collect: %w", err)
	}
	if len(res.Articles) == 0 {
		return out, fmt.Errorf("no article collected for %s", in.Window.Stamp())
	}

	path, err := listfile.Write(s.outputDir, &listfile.Document{
		CollectedAt: s.now(),
		Window:      in.Window,
		Method:      s.collector.Name(),
		Sections:    listfile.FromReferences(res.Articles),
	})
	if err != nil {
		return out, err
	}
	out.ListPath = path
	logger.Log.Infof("清单文件已写入: %s", path)
	return out, nil
}
