package factory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector/apicollector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector/rpa"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/config"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/llm"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/mpapi"
)

const (
	ModeRPA = "rpa"
	ModeAPI = "api"
)

// NewCollector 根据 collect.mode 创建采集器
func NewCollector(ctx context.Context, cfg *config.Config) (collector.Collector, error) {
	c := cfg.Collect
	switch strings.ToLower(c.Mode) {
	case ModeAPI:
		if cfg.Token == "" || cfg.Cookie == "" {
			return nil, fmt.Errorf("api collector needs token and cookie")
		}
		client := mpapi.NewClient(cfg.Cookie, cfg.Token, mpapi.WithTimeout(time.Duration(c.TimeoutSeconds)*time.Second))
		return apicollector.New(client, apicollector.Options{
			Interval:        time.Duration(c.IntervalSeconds * float64(time.Second)),
			MaxPages:        c.MaxPages,
			MinutePrecision: c.MinutePrecision,
		}), nil

	case ModeRPA:
		r := c.RPA
		driver, err := rpa.NewExecDriver(r.AppName, r.Commands, r.Templates, time.Duration(c.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		vlm := cfg.ModelConfig.VLM
		cm, err := llm.NewChatModel(ctx, vlm)
		if err != nil {
			return nil, err
		}
		gen := llm.NewGenerator(cm, llm.NewLimiter(cfg.Concurrency),
			llm.WithTimeout(time.Duration(vlm.TimeoutSeconds)*time.Second),
			llm.WithModelOptions(llm.ThinkingOptions(vlm)...),
		)
		return rpa.New(driver, rpa.NewVisionLocator(gen, cfg.Generate.MaxRetries), rpa.Options{
			ScaleFactor: r.ScaleFactor,
			MaxScrolls:  r.MaxScrolls,
			MaxRetries:  r.MaxRetries,
			LoadDelay:   time.Duration(r.LoadDelayMS) * time.Millisecond,
			LockFile:    r.LockFile,
			TempDir:     r.TempDir,
		}), nil

	default:
		return nil, fmt.Errorf("unknown collect mode: %s", c.Mode)
	}
}

// Accounts 采集目标：API 模式按名称搜索，RPA 模式由样例文章反查 __biz
func Accounts(ctx context.Context, cfg *config.Config) ([]model.AccountReference, error) {
	switch strings.ToLower(cfg.Collect.Mode) {
	case ModeAPI:
		if len(cfg.AccountNames) == 0 {
			return nil, fmt.Errorf("account_names is empty")
		}
		accounts := make([]model.AccountReference, 0, len(cfg.AccountNames))
		for _, name := range cfg.AccountNames {
			if name = strings.TrimSpace(name); name != "" {
				accounts = append(accounts, model.AccountReference{Name: name})
			}
		}
		return accounts, nil

	case ModeRPA:
		if len(cfg.ArticleURLs) == 0 {
			return nil, fmt.Errorf("article_urls is empty")
		}
		client := &http.Client{Timeout: time.Duration(cfg.Collect.TimeoutSeconds) * time.Second}
		return rpa.ResolveAccounts(ctx, client, cfg.ArticleURLs)

	default:
		return nil, fmt.Errorf("unknown collect mode: %s", cfg.Collect.Mode)
	}
}
