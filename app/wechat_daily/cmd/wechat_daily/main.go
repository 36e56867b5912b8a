package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector/factory"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/config"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/digest"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/extractor"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/llm"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/pipeline"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/publisher"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/storage"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/summarizer"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/wxapi"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	layoutDate   = time.DateOnly
	layoutMinute = "2006-01-02 15:04"
)

type options struct {
	configPath string
	envPath    string
	mode       string
	workflow   string
	input      string
	html       string
	date       string
	start      string
	end        string
	title      string
	cover      string
	diagnose   bool
	submit     bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("wechat_daily", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.configPath, "config", "configs/config.yaml", "配置文件路径")
	fs.StringVar(&o.envPath, "env", ".env", ".env 文件路径")
	fs.StringVar(&o.mode, "mode", "", "采集方式 rpa|api，默认取配置")
	fs.StringVar(&o.workflow, "workflow", pipeline.WorkflowFull, "工作流 collect|generate|publish|full")
	fs.StringVar(&o.input, "input", "", "generate 使用的文章清单，默认按日期查找")
	fs.StringVar(&o.html, "html", "", "publish 使用的日报文件，默认按日期查找")
	fs.StringVar(&o.date, "date", "", "目标日期 YYYY-MM-DD，默认今天")
	fs.StringVar(&o.start, "start", "", "窗口开始 YYYY-MM-DD 或 \"YYYY-MM-DD HH:mm\"")
	fs.StringVar(&o.end, "end", "", "窗口结束 YYYY-MM-DD（含当天）或 \"YYYY-MM-DD HH:mm\"（不含）")
	fs.StringVar(&o.title, "title", "", "草稿标题，支持 {date}")
	fs.StringVar(&o.cover, "cover", "", "封面图片路径")
	fs.BoolVar(&o.diagnose, "diagnose", false, "打印敏感配置的来源后退出")
	fs.BoolVar(&o.submit, "submit", false, "创建草稿后提交发布")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if !slices.Contains(pipeline.Workflows, o.workflow) {
		return nil, fmt.Errorf("unknown workflow %q, want one of %s", o.workflow, strings.Join(pipeline.Workflows, "|"))
	}
	if o.mode != "" && o.mode != factory.ModeRPA && o.mode != factory.ModeAPI {
		return nil, fmt.Errorf("unknown mode %q, want rpa|api", o.mode)
	}
	return &o, nil
}

// resolveWindow 命令行优先于配置；-start/-end 给出多日或分钟级窗口，否则取单日。
// 只写日期的结束日包含当天，写到分钟的结束时间不含该分钟。
func resolveWindow(o *options, cfg *config.Config, now time.Time) (model.TimeWindow, error) {
	start, end := o.start, o.end
	if start == "" && end == "" && o.date == "" {
		start, end = cfg.StartDate, cfg.EndDate
	}
	date := o.date
	if date == "" {
		date = cfg.TargetDate
	}

	if start != "" || end != "" {
		if start == "" || end == "" {
			return model.TimeWindow{}, errors.New("start and end must be given together")
		}
		s, _, err := parseBound(start, now.Location())
		if err != nil {
			return model.TimeWindow{}, err
		}
		e, withClock, err := parseBound(end, now.Location())
		if err != nil {
			return model.TimeWindow{}, err
		}
		if !withClock {
			e = e.AddDate(0, 0, 1)
		}
		if !e.After(s) {
			return model.TimeWindow{}, fmt.Errorf("end %s is not after start %s", end, start)
		}
		return model.TimeWindow{Start: s, End: e}, nil
	}

	if date == "" {
		return model.DayWindow(now), nil
	}
	d, err := time.ParseInLocation(layoutDate, date, now.Location())
	if err != nil {
		return model.TimeWindow{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	return model.DayWindow(d), nil
}

// parseBound 接受 YYYY-MM-DD 或 YYYY-MM-DD HH:mm，withClock 表示带了时分
func parseBound(s string, loc *time.Location) (t time.Time, withClock bool, err error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(layoutMinute, s, loc); err == nil {
		return t, true, nil
	}
	if t, err := time.ParseInLocation(layoutDate, s, loc); err == nil {
		return t, false, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid time %q, want YYYY-MM-DD or YYYY-MM-DD HH:mm", s)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	rc, err := config.Load(o.configPath, o.envPath)
	if err != nil {
		fmt.Fprintf(stderr, "无法加载配置文件: %v\n", err)
		return exitUsage
	}
	if err := logger.InitLogger(rc.Log.Level, rc.Log.File); err != nil {
		fmt.Fprintf(stderr, "无法初始化日志: %v\n", err)
		return exitUsage
	}

	if o.diagnose {
		printDiagnostics(stdout, rc)
		return exitOK
	}

	if o.mode != "" {
		rc.Collect.Mode = o.mode
	}
	if o.title != "" {
		rc.PublishConfig.Title = o.title
	}
	if o.cover == "" {
		o.cover = rc.PublishConfig.CoverPath
	}
	window, err := resolveWindow(o, rc.Config, time.Now())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	// 凭证在任何网络请求之前检查
	if err := rc.Validate(config.Requirement{Workflow: o.workflow, Mode: rc.Collect.Mode}); err != nil {
		fmt.Fprintf(stderr, "配置错误:\n%v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := buildRunner(ctx, o.workflow, rc.Config)
	if err != nil {
		fmt.Fprintf(stderr, "初始化失败: %v\n", err)
		return exitUsage
	}
	defer cleanup()

	logger.Log.Infof("启动公众号日报: workflow=%s mode=%s 窗口=%s", o.workflow, rc.Collect.Mode, digest.DateText(window))
	sum, err := runner.Run(ctx, pipeline.Request{
		Workflow:  o.workflow,
		Mode:      rc.Collect.Mode,
		Window:    window,
		ListPath:  o.input,
		HTMLPath:  o.html,
		CoverPath: o.cover,
		Submit:    o.submit,
	})
	fmt.Fprint(stdout, sum.String())
	if err != nil {
		return exitFailed
	}
	return exitOK
}

func printDiagnostics(w io.Writer, rc *config.ResolvedConfig) {
	fmt.Fprintf(w, "配置文件: %s\n.env 文件: %s\n\n", rc.ConfigPath, rc.DotenvPath)
	for _, p := range rc.Diagnostics() {
		value := p.Masked
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "%-26s %-26s %-7s %s\n", p.Field.Path, p.Field.EnvKey, p.Source, value)
	}
}

// buildRunner 只构建工作流用到的阶段
func buildRunner(ctx context.Context, workflow string, cfg *config.Config) (*pipeline.Runner, func(), error) {
	r := &pipeline.Runner{OutputDir: cfg.OutputDir}
	cleanup := func() {}

	if cfg.DB.Host != "" {
		store, err := storage.NewStorage(ctx, cfg.DB)
		if err != nil {
			logger.Log.Errorf("无法连接数据库: %v. 将不记录运行历史。", err)
		} else {
			logger.Log.Info("已成功连接到数据库")
			r.Recorder = store
			cleanup = func() { _ = store.Close() }
		}
	} else {
		logger.Log.Info("未配置数据库信息，跳过运行历史记录")
	}

	full := workflow == pipeline.WorkflowFull
	if full || workflow == pipeline.WorkflowCollect {
		c, err := factory.NewCollector(ctx, cfg)
		if err != nil {
			return nil, cleanup, err
		}
		accounts := func(ctx context.Context) ([]model.AccountReference, error) {
			return factory.Accounts(ctx, cfg)
		}
		r.Collect = pipeline.NewCollectStage(c, accounts, cfg.OutputDir)
	}

	if full || workflow == pipeline.WorkflowGenerate {
		g, err := newGenerateStage(ctx, cfg)
		if err != nil {
			return nil, cleanup, err
		}
		r.Generate = g
	}

	if full || workflow == pipeline.WorkflowPublish {
		p, err := newPublisher(cfg.PublishConfig)
		if err != nil {
			return nil, cleanup, err
		}
		r.Publish = pipeline.NewPublishStage(p)
	}
	return r, cleanup, nil
}

func newGenerateStage(ctx context.Context, cfg *config.Config) (*pipeline.GenerateStage, error) {
	g := cfg.Generate
	m := cfg.ModelConfig.LLM

	cm, err := llm.NewChatModel(ctx, m)
	if err != nil {
		return nil, err
	}
	gen := llm.NewGenerator(cm, llm.NewLimiter(cfg.Concurrency),
		llm.WithTimeout(time.Duration(m.TimeoutSeconds)*time.Second),
		llm.WithModelOptions(llm.ThinkingOptions(m)...),
	)
	sum, err := summarizer.New(gen, summarizer.Options{
		ScoreScale:        g.ScoreScale,
		MaxRetries:        g.MaxRetries,
		Concurrency:       g.Concurrency,
		SummaryPromptFile: g.SummaryPromptFile,
		DedupPromptFile:   g.DedupPromptFile,
	})
	if err != nil {
		return nil, err
	}
	composer, err := digest.NewComposer(g.TemplateFile, g.ScoreScale)
	if err != nil {
		return nil, err
	}

	return pipeline.NewGenerateStage(
		extractor.New(time.Duration(g.FetchTimeout)*time.Second, 2),
		sum,
		composer,
		pipeline.GenerateOptions{
			Threshold:    *g.Threshold,
			MinCount:     *g.MinCount,
			Dedup:        g.DedupEnabled(),
			FilterByDate: g.DateFilterEnabled(),
			OutputDir:    cfg.OutputDir,
		},
	), nil
}

func newPublisher(pc config.PublishConfig) (*publisher.Publisher, error) {
	cache, err := publisher.LoadMediaCache(pc.MediaCacheFile)
	if err != nil {
		return nil, err
	}
	client := wxapi.NewClient(pc.AppID, pc.AppSecret, wxapi.WithTimeout(time.Duration(pc.TimeoutSeconds)*time.Second))
	return publisher.New(client, cache, publisher.Options{
		Title:           pc.Title,
		Author:          pc.Author,
		Digest:          pc.Digest,
		MediaID:         pc.MediaID,
		ConvertHeadings: pc.ConvertHeadings,
	}), nil
}
