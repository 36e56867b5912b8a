package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/digest"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/listfile"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/storage"
)

// 工作流
const (
	WorkflowCollect  = "collect"
	WorkflowGenerate = "generate"
	WorkflowPublish  = "publish"
	WorkflowFull     = "full"
)

// Workflows 支持的工作流
var Workflows = []string{WorkflowCollect, WorkflowGenerate, WorkflowPublish, WorkflowFull}

// Recorder 运行历史，未配置数据库时为空
type Recorder interface {
	StartRun(ctx context.Context, r *storage.Run) error
	FinishRun(ctx context.Context, r *storage.Run) error
	SaveArticles(ctx context.Context, runID uuid.UUID, items []model.ScoredArticle, selected map[string]bool) error
}

// Request 一次运行的参数
type Request struct {
	Workflow  string
	Mode      string
	Window    model.TimeWindow
	ListPath  string // generate 的输入，为空时按窗口在输出目录中查找
	HTMLPath  string // publish 的输入，为空时按窗口在输出目录中查找
	CoverPath string
	Submit    bool
}

// Runner 按工作流依次执行阶段，未用到的阶段可以为空
type Runner struct {
	Collect   *CollectStage
	Generate  *GenerateStage
	Publish   *PublishStage
	Recorder  Recorder
	OutputDir string
}

// Run 返回的汇总总是非空；任一阶段失败时同时返回错误
func (r *Runner) Run(ctx context.Context, req Request) (*RunSummary, error) {
	sum := &RunSummary{
		ID:        uuid.New(),
		Workflow:  req.Workflow,
		Mode:      req.Mode,
		Window:    req.Window,
		StartedAt: time.Now(),
	}
	rec := &storage.Run{
		ID:        sum.ID,
		Workflow:  req.Workflow,
		Mode:      req.Mode,
		Window:    req.Window,
		StartedAt: sum.StartedAt,
		Status:    storage.StatusRunning,
	}
	r.record(func(ctx context.Context) error { return r.Recorder.StartRun(ctx, rec) })

	sum.Err = r.run(ctx, req, sum, rec)
	sum.FinishedAt = time.Now()

	rec.FinishedAt = sum.FinishedAt
	rec.Status = storage.StatusSucceeded
	if sum.Err != nil {
		rec.Status = storage.StatusFailed
	}
	rec.DigestPath = sum.DigestPath
	rec.Selected = sum.Selected
	rec.Failures = sum.FailureCount()
	if sum.Draft != nil {
		rec.DraftMediaID = sum.Draft.DraftMediaID
	}
	r.record(func(ctx context.Context) error { return r.Recorder.FinishRun(ctx, rec) })

	return sum, sum.Err
}

func (r *Runner) run(ctx context.Context, req Request, sum *RunSummary, rec *storage.Run) error {
	switch req.Workflow {
	case WorkflowCollect, WorkflowGenerate, WorkflowPublish, WorkflowFull:
	default:
		return fmt.Errorf("unknown workflow: %s", req.Workflow)
	}

	listPath, htmlPath := req.ListPath, req.HTMLPath

	if req.Workflow == WorkflowCollect || req.Workflow == WorkflowFull {
		if r.Collect == nil {
			return errors.New("collect stage not configured")
		}
		out, err := r.Collect.Execute(ctx, CollectInput{Window: req.Window})
		if out != nil {
			sum.add(out.Report)
			sum.ListPath = out.ListPath
			rec.Collected = out.Articles
		}
		if err != nil {
			return err
		}
		listPath = out.ListPath
	}

	if req.Workflow == WorkflowGenerate || req.Workflow == WorkflowFull {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Generate == nil {
			return errors.New("generate stage not configured")
		}
		if listPath == "" {
			found, err := listfile.Discover(r.OutputDir, req.Window)
			if err != nil {
				return err
			}
			listPath = found
		}
		sum.ListPath = listPath

		out, err := r.Generate.Execute(ctx, GenerateInput{ListPath: listPath, Window: req.Window})
		if out != nil {
			sum.add(out.Reports...)
			sum.DigestPath = out.DigestPath
			sum.Selected = len(out.Selected)
			if rep, ok := sum.Stage(StageExtract); ok {
				rec.Extracted = rep.Succeeded
			}
			rec.Scored = len(out.Scored)
			r.saveArticles(rec, out)
		}
		if err != nil {
			return err
		}
		htmlPath = out.DigestPath
	}

	if req.Workflow == WorkflowPublish || req.Workflow == WorkflowFull {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Publish == nil {
			return errors.New("publish stage not configured")
		}
		if htmlPath == "" {
			found, err := digest.Discover(r.OutputDir, req.Window)
			if err != nil {
				return err
			}
			htmlPath = found
		}
		sum.DigestPath = htmlPath

		out, err := r.Publish.Execute(ctx, PublishInput{
			DigestPath: htmlPath,
			CoverPath:  req.CoverPath,
			Window:     req.Window,
			Submit:     req.Submit,
		})
		if out != nil {
			sum.add(out.Report)
			sum.Draft = out.Draft
			sum.PublishID = out.PublishID
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) saveArticles(rec *storage.Run, out *GenerateOutput) {
	if len(out.Scored) == 0 {
		return
	}
	selected := make(map[string]bool, len(out.Selected))
	for _, it := range out.Selected {
		selected[it.Metadata.URL] = true
	}
	r.record(func(ctx context.Context) error { return r.Recorder.SaveArticles(ctx, rec.ID, out.Scored, selected) })
}

// record 写运行历史，失败只告警。使用独立的超时，运行被取消时也能落库。
func (r *Runner) record(fn func(ctx context.Context) error) {
	if r.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Log.Warnf("写入运行记录失败: %v", err)
	}
}
