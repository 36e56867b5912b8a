// Package pipeline 串联采集、生成、发布三个阶段，阶段之间只通过文件交接。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// Stage 每个阶段只有一个入口
type Stage[In, Out any] interface {
	Execute(ctx context.Context, in In) (Out, error)
}

// Failure 一条可人工排查的失败记录，Subject 为公众号名或文章链接
type Failure struct {
	Subject string
	Err     error
}

// StageReport 单个阶段的尝试与成功数量
type StageReport struct {
	Name      string
	Attempted int
	Succeeded int
	Failures  []Failure
}

// RunSummary 一次运行的汇总，运行结束后打印给操作者
type RunSummary struct {
	ID         uuid.UUID
	Workflow   string
	Mode       string
	Window     model.TimeWindow
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageReport
	ListPath   string
	DigestPath string
	Selected   int
	Draft      *model.PublishedDraft
	PublishID  string
	Err        error
}

func (s *RunSummary) add(reports ...StageReport) {
	s.Stages = append(s.Stages, reports...)
}

// Stage 按名称查找阶段报告
func (s *RunSummary) Stage(name string) (StageReport, bool) {
	for _, r := range s.Stages {
		if r.Name == name {
			return r, true
		}
	}
	return StageReport{}, false
}

// FailureCount 所有阶段的失败条数
func (s *RunSummary) FailureCount() int {
	n := 0
	for _, r := range s.Stages {
		n += len(r.Failures)
	}
	return n
}

func (s *RunSummary) String() string {
	var sb strings.Builder
	status := "成功"
	if s.Err != nil {
		status = "失败"
	}
	fmt.Fprintf(&sb, "运行 %s [%s] %s，耗时 %v，%s\n", s.ID, s.Workflow, s.Window.Stamp(),
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond), status)
	for _, r := range s.Stages {
		fmt.Fprintf(&sb, "  %-9s 尝试 %d，成功 %d\n", r.Name, r.Attempted, r.Succeeded)
		for _, f := range r.Failures {
			fmt.Fprintf(&sb, "    - [%s] %v\n", f.Subject, f.Err)
		}
	}
	if s.ListPath != "" {
		fmt.Fprintf(&sb, "  清单文件: %s\n", s.ListPath)
	}
	if s.DigestPath != "" {
		fmt.Fprintf(&sb, "  日报文件: %s（入选 %d 篇）\n", s.DigestPath, s.Selected)
	}
	if s.Draft != nil {
		fmt.Fprintf(&sb, "  草稿: %s %q\n", s.Draft.DraftMediaID, s.Draft.Title)
	}
	if s.PublishID != "" {
		fmt.Fprintf(&sb, "  发布任务: %s\n", s.PublishID)
	}
	if s.Err != nil {
		fmt.Fprintf(&sb, "  错误: %v\n", s.Err)
	}
	return sb.String()
}
