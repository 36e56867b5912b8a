package pipeline

import (
	"context"
	"fmt"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// DraftPublisher 新建草稿并可选地提交发布
type DraftPublisher interface {
	PublishFile(ctx context.Context, htmlPath, coverPath string, window model.TimeWindow) (*model.PublishedDraft, error)
	Submit(ctx context.Context, draftMediaID string) (string, error)
}

// PublishInput 发布阶段输入
type PublishInput struct {
	DigestPath string
	CoverPath  string
	Window     model.TimeWindow
	Submit     bool
}

// PublishOutput 发布阶段输出
type PublishOutput struct {
	Draft     *model.PublishedDraft
	PublishID string
	Report    StageReport
}

// PublishStage 把日报上传为公众号草稿
type PublishStage struct {
	publisher DraftPublisher
}

var _ Stage[PublishInput, *PublishOutput] = (*PublishStage)(nil)

// NewPublishStage 创建发布阶段
func NewPublishStage(p DraftPublisher) *PublishStage {
	return &PublishStage{publisher: p}
}

// Execute 草稿创建成功后才会提交发布；提交失败不影响已创建的草稿
func (s *PublishStage) Execute(ctx context.Context, in PublishInput) (*PublishOutput, error) {
	out := &PublishOutput{Report: StageReport{Name: StagePublish, Attempted: 1}}

	draft, err := s.publisher.PublishFile(ctx, in.DigestPath, in.CoverPath, in.Window)
	if err != nil {
		out.Report.Failures = append(out.Report.Failures, Failure{Subject: in.DigestPath, Err: err})
		return out, fmt.Errorf("publish draft: %w", err)
	}
	out.Draft = draft
	out.Report.Succeeded = 1

	if !in.Submit {
		return out, nil
	}
	id, err := s.publisher.Submit(ctx, draft.DraftMediaID)
	if err != nil {
		out.Report.Failures = append(out.Report.Failures, Failure{Subject: draft.DraftMediaID, Err: err})
		return out, fmt.Errorf("submit draft %s: %w", draft.DraftMediaID, err)
	}
	out.PublishID = id
	return out, nil
}
