package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/digest"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/listfile"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/storage"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/summarizer"
)

var window = model.DayWindow(time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local))

func articleURL(i int) string { return fmt.Sprintf("https://mp.weixin.qq.com/s/article%d", i) }

type fakeCollector struct {
	refs  []model.ArticleReference
	tally []collector.AccountTally
	err   error
}

func (c *fakeCollector) Name() string { return "API" }

func (c *fakeCollector) Collect(ctx context.Context, accounts []model.AccountReference, w model.TimeWindow) (*collector.Result, error) {
	return &collector.Result{Articles: c.refs, Tally: c.tally}, c.err
}

// fakeExtractor 标题取自链接末尾，fail 中的链接返回错误
type fakeExtractor struct {
	fail      map[string]bool
	published map[string]time.Time
	calls     int
}

func (e *fakeExtractor) Extract(ctx context.Context, ref model.ArticleReference) (*model.ArticleMetadata, error) {
	e.calls++
	if e.fail[ref.URL] {
		return nil, errors.New("status code 503")
	}
	ref.Title = ref.URL[strings.LastIndex(ref.URL, "/")+1:]
	if t, ok := e.published[ref.URL]; ok {
		ref.PublishTime = t
	}
	return &model.ArticleMetadata{ArticleReference: ref, Content: "正文", Complete: true}, nil
}

// fakeScorer 按标题给分，removed 中的标题在去重时置 0
type fakeScorer struct {
	scores      map[string]int
	removed     map[string]bool
	dedupErr    error
	dedupInputs int
	summarized  int
}

func (s *fakeScorer) SummarizeAll(ctx context.Context, metas []model.ArticleMetadata) ([]model.ScoredArticle, []summarizer.Failure) {
	out := make([]model.ScoredArticle, 0, len(metas))
	for i, m := range metas {
		s.summarized++
		score, ok := s.scores[m.Title]
		if !ok {
			score = 4
		}
		out = append(out, model.ScoredArticle{
			Metadata: m,
			Summary:  model.ArticleSummary{Score: score, Summary: "关于" + m.Title + "的摘要", Reason: "理由"},
			Order:    i,
		})
	}
	return out, nil
}

func (s *fakeScorer) Deduplicate(ctx context.Context, items []model.ScoredArticle) ([]model.ScoredArticle, error) {
	s.dedupInputs = len(items)
	if s.dedupErr != nil {
		return items, s.dedupErr
	}
	out := append([]model.ScoredArticle(nil), items...)
	for i := range out {
		if s.removed[out[i].Metadata.Title] {
			out[i].Summary.Score = 0
		}
	}
	return out, nil
}

type fakePublisher struct {
	htmlPath  string
	err       error
	submitted []string
}

func (p *fakePublisher) PublishFile(ctx context.Context, htmlPath, coverPath string, w model.TimeWindow) (*model.PublishedDraft, error) {
	p.htmlPath = htmlPath
	if p.err != nil {
		return nil, p.err
	}
	return &model.PublishedDraft{DraftMediaID: "draft-1", Title: "AI公众号精选速览 " + digest.DateText(w)}, nil
}

func (p *fakePublisher) Submit(ctx context.Context, draftMediaID string) (string, error) {
	p.submitted = append(p.submitted, draftMediaID)
	return "publish-1", nil
}

type fakeRecorder struct {
	started  *storage.Run
	finished storage.Run
	saved    int
	selected map[string]bool
}

func (r *fakeRecorder) StartRun(ctx context.Context, run *storage.Run) error {
	cp := *run
	r.started = &cp
	return nil
}

func (r *fakeRecorder) FinishRun(ctx context.Context, run *storage.Run) error {
	r.finished = *run
	return nil
}

func (r *fakeRecorder) SaveArticles(ctx context.Context, runID uuid.UUID, items []model.ScoredArticle, selected map[string]bool) error {
	r.saved = len(items)
	r.selected = selected
	return errors.New("db down")
}

func writeList(t *testing.T, dir string, n int) string {
	t.Helper()
	refs := make([]model.ArticleReference, n)
	for i := range refs {
		refs[i] = model.ArticleReference{URL: articleURL(i + 1), Account: "机器之心"}
	}
	path, err := listfile.Write(dir, &listfile.Document{
		CollectedAt: time.Now(),
		Window:      window,
		Method:      "API",
		Sections:    listfile.FromReferences(refs),
	})
	require.NoError(t, err)
	return path
}

func newGenerate(t *testing.T, e Extractor, s Scorer, opts GenerateOptions) *GenerateStage {
	t.Helper()
	c, err := digest.NewComposer("", 5)
	require.NoError(t, err)
	return NewGenerateStage(e, s, c, opts)
}

func TestGenerate_ExtractionFailureIsolated(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 5)

	ex := &fakeExtractor{fail: map[string]bool{articleURL(3): true}}
	sc := &fakeScorer{}
	g := newGenerate(t, ex, sc, GenerateOptions{Threshold: 3, MinCount: 3, OutputDir: dir})

	out, err := g.Execute(context.Background(), GenerateInput{ListPath: list, Window: window})
	require.NoError(t, err)

	require.Len(t, out.Reports, 3)
	extract := out.Reports[0]
	assert.Equal(t, StageExtract, extract.Name)
	assert.Equal(t, 5, extract.Attempted)
	assert.Equal(t, 4, extract.Succeeded)
	require.Len(t, extract.Failures, 1)
	assert.Equal(t, articleURL(3), extract.Failures[0].Subject)

	assert.Equal(t, 4, sc.summarized)
	assert.Len(t, out.Selected, 4)

	data, err := os.ReadFile(out.DigestPath)
	require.NoError(t, err)
	for _, i := range []int{1, 2, 4, 5} {
		assert.Contains(t, string(data), articleURL(i))
	}
	assert.NotContains(t, string(data), articleURL(3))
	assert.Equal(t, digest.FileName(window), out.DigestPath[len(dir)+1:])
}

func TestGenerate_DateFilter(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 3)

	ex := &fakeExtractor{published: map[string]time.Time{
		articleURL(1): window.Start.Add(9 * time.Hour),
		articleURL(2): window.Start.Add(-time.Hour),
	}}
	g := newGenerate(t, ex, &fakeScorer{}, GenerateOptions{Threshold: 3, MinCount: 3, FilterByDate: true, OutputDir: dir})

	out, err := g.Execute(context.Background(), GenerateInput{ListPath: list, Window: window})
	require.NoError(t, err)
	var titles []string
	for _, it := range out.Selected {
		titles = append(titles, it.Metadata.Title)
	}
	assert.ElementsMatch(t, []string{"article1", "article3"}, titles)
}

func TestGenerate_DedupRemovedNotSelected(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 4)

	sc := &fakeScorer{
		scores:  map[string]int{"article1": 5, "article2": 5, "article3": 4, "article4": 1},
		removed: map[string]bool{"article2": true},
	}
	g := newGenerate(t, &fakeExtractor{}, sc, GenerateOptions{Threshold: 3, MinCount: 3, Dedup: true, OutputDir: dir})

	out, err := g.Execute(context.Background(), GenerateInput{ListPath: list, Window: window})
	require.NoError(t, err)
	assert.Equal(t, 3, sc.dedupInputs)

	var titles []string
	for _, it := range out.Selected {
		titles = append(titles, it.Metadata.Title)
	}
	assert.Equal(t, []string{"article1", "article3", "article4"}, titles)
	assert.Len(t, out.Scored, 4)
}

func TestGenerate_DedupFailureKeepsAll(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 3)

	sc := &fakeScorer{dedupErr: errors.New("429"), removed: map[string]bool{"article1": true}}
	g := newGenerate(t, &fakeExtractor{}, sc, GenerateOptions{Threshold: 3, MinCount: 3, Dedup: true, OutputDir: dir})

	out, err := g.Execute(context.Background(), GenerateInput{ListPath: list, Window: window})
	require.NoError(t, err)
	assert.Len(t, out.Selected, 3)
}

func TestGenerate_AllExtractionsFail(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 2)

	ex := &fakeExtractor{fail: map[string]bool{articleURL(1): true, articleURL(2): true}}
	sc := &fakeScorer{}
	g := newGenerate(t, ex, sc, GenerateOptions{Threshold: 3, MinCount: 3, OutputDir: dir})

	out, err := g.Execute(context.Background(), GenerateInput{ListPath: list, Window: window})
	require.Error(t, err)
	require.Len(t, out.Reports, 1)
	assert.Len(t, out.Reports[0].Failures, 2)
	assert.Zero(t, sc.summarized)
}

func TestGenerate_Canceled(t *testing.T) {
	dir := t.TempDir()
	list := writeList(t, dir, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := &fakeExtractor{}
	g := newGenerate(t, ex, &fakeScorer{}, GenerateOptions{OutputDir: dir})

	_, err := g.Execute(ctx, GenerateInput{ListPath: list, Window: window})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ex.calls)
}

func TestRunner_Full(t *testing.T) {
	dir := t.TempDir()
	col := &fakeCollector{
		refs: []model.ArticleReference{
			{URL: articleURL(1), Account: "机器之心"},
			{URL: articleURL(2), Account: "量子位"},
		},
		tally: []collector.AccountTally{
			{Account: "机器之心", Articles: 1},
			{Account: "量子位", Articles: 1},
			{Account: "新智元", Err: errors.New("search returned no account")},
		},
	}
	names := []model.AccountReference{{Name: "机器之心"}, {Name: "量子位"}, {Name: "新智元"}}
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	r := &Runner{
		Collect: NewCollectStage(col, func(context.Context) ([]model.AccountReference, error) { return names, nil }, dir),
		Generate: newGenerate(t, &fakeExtractor{}, &fakeScorer{},
			GenerateOptions{Threshold: 3, MinCount: 3, OutputDir: dir}),
		Publish:   NewPublishStage(pub),
		Recorder:  rec,
		OutputDir: dir,
	}

	sum, err := r.Run(context.Background(), Request{Workflow: WorkflowFull, Mode: "api", Window: window, Submit: true})
	require.NoError(t, err)

	var order []string
	for _, s := range sum.Stages {
		order = append(order, s.Name)
	}
	assert.Equal(t, []string{StageCollect, StageExtract, StageSummarize, StageCompose, StagePublish}, order)

	collect, ok := sum.Stage(StageCollect)
	require.True(t, ok)
	assert.Equal(t, 3, collect.Attempted)
	assert.Equal(t, 2, collect.Succeeded)
	assert.Equal(t, "新智元", collect.Failures[0].Subject)

	assert.FileExists(t, sum.ListPath)
	assert.Equal(t, sum.DigestPath, pub.htmlPath)
	assert.Equal(t, []string{"draft-1"}, pub.submitted)
	assert.Equal(t, "publish-1", sum.PublishID)
	assert.Contains(t, sum.String(), "draft-1")
	assert.Contains(t, sum.String(), "新智元")

	require.NotNil(t, rec.started)
	assert.Equal(t, storage.StatusRunning, rec.started.Status)
	assert.Equal(t, sum.ID, rec.finished.ID)
	assert.Equal(t, storage.StatusSucceeded, rec.finished.Status)
	assert.Equal(t, 2, rec.finished.Collected)
	assert.Equal(t, 2, rec.finished.Extracted)
	assert.Equal(t, 2, rec.finished.Selected)
	assert.Equal(t, 1, rec.finished.Failures)
	assert.Equal(t, "draft-1", rec.finished.DraftMediaID)
	assert.Equal(t, 2, rec.saved)
	assert.True(t, rec.selected[articleURL(1)])
}

func TestRunner_CollectFailureStops(t *testing.T) {
	dir := t.TempDir()
	col := &fakeCollector{err: errors.New("automation target application unavailable")}
	rec := &fakeRecorder{}
	ex := &fakeExtractor{}
	r := &Runner{
		Collect:   NewCollectStage(col, func(context.Context) ([]model.AccountReference, error) { return nil, nil }, dir),
		Generate:  newGenerate(t, ex, &fakeScorer{}, GenerateOptions{OutputDir: dir}),
		Recorder:  rec,
		OutputDir: dir,
	}

	sum, err := r.Run(context.Background(), Request{Workflow: WorkflowFull, Window: window})
	require.Error(t, err)
	assert.Equal(t, err, sum.Err)
	assert.Zero(t, ex.calls)
	assert.Equal(t, storage.StatusFailed, rec.finished.Status)
	assert.Contains(t, sum.String(), "失败")
}

func TestRunner_GenerateDiscoversList(t *testing.T) {
	dir := t.TempDir()
	writeList(t, dir, 2)
	r := &Runner{
		Generate:  newGenerate(t, &fakeExtractor{}, &fakeScorer{}, GenerateOptions{Threshold: 3, MinCount: 3, OutputDir: dir}),
		OutputDir: dir,
	}

	sum, err := r.Run(context.Background(), Request{Workflow: WorkflowGenerate, Window: window})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Selected)
	assert.FileExists(t, sum.DigestPath)
}

func TestRunner_PublishMissingDigest(t *testing.T) {
	pub := &fakePublisher{}
	r := &Runner{Publish: NewPublishStage(pub), OutputDir: t.TempDir()}

	_, err := r.Run(context.Background(), Request{Workflow: WorkflowPublish, Window: window})
	assert.Error(t, err)
	assert.Empty(t, pub.htmlPath)
}

func TestRunner_PublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("invalid credential")}
	r := &Runner{Publish: NewPublishStage(pub)}

	sum, err := r.Run(context.Background(), Request{Workflow: WorkflowPublish, Window: window, HTMLPath: "daily.html", Submit: true})
	require.Error(t, err)
	rep, ok := sum.Stage(StagePublish)
	require.True(t, ok)
	assert.Equal(t, 0, rep.Succeeded)
	assert.Equal(t, "daily.html", rep.Failures[0].Subject)
	assert.Empty(t, pub.submitted)
}

func TestRunner_UnknownWorkflow(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(), Request{Workflow: "deploy", Window: window})
	assert.Error(t, err)
}
