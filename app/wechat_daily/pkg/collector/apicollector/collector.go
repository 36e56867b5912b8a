package apicollector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/mpapi"
)

const pageSize = 5

// Lister 后台接口的最小依赖
type Lister interface {
	SearchAccount(ctx context.Context, keyword string, begin, count int) ([]mpapi.Account, error)
	ListArticles(ctx context.Context, fakeID string, begin, count int) ([]mpapi.AppMsg, error)
}

// Options API 采集参数
type Options struct {
	Interval        time.Duration // 两次接口调用的最小间隔
	MaxPages        int
	MinutePrecision bool
	MaxRetries      int // 频率限制时的退避重试次数
	BaseDelay       time.Duration
}

// Collector 通过后台接口翻页采集
type Collector struct {
	client  Lister
	limiter *rate.Limiter
	opts    Options
}

var _ collector.Collector = (*Collector)(nil)

// New 创建 API 采集器
func New(client Lister, opts Options) *Collector {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Collector{client: client, limiter: rate.NewLimiter(limit, 1), opts: opts}
}

// Name implements collector.Collector
func (c *Collector) Name() string { return "API" }

// Collect implements collector.Collector。
// 单个公众号失败只记录并跳过；凭证失效后其余公众号不再请求，直接记为失败。
func (c *Collector) Collect(ctx context.Context, accounts []model.AccountReference, window model.TimeWindow) (*collector.Result, error) {
	result := &collector.Result{}
	dedup := collector.NewDedup()
	var authErr error

	for i, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if authErr != nil {
			result.Tally = append(result.Tally, collector.AccountTally{Account: acc.Name, Err: authErr})
			continue
		}

		logger.Log.Infof("[%d/%d] 采集公众号: %s", i+1, len(accounts), acc.Name)
		refs, err := c.collectAccount(ctx, acc, window)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			logger.Log.Errorf("采集公众号失败，跳过 [%s]: %v", acc.Name, err)
			if mpapi.IsAuth(err) {
				authErr = err
			}
		}

		added := 0
		for _, ref := range refs {
			if dedup.Add(ref.URL) {
				result.Articles = append(result.Articles, ref)
				added++
			}
		}
		result.Tally = append(result.Tally, collector.AccountTally{Account: acc.Name, Articles: added, Err: err})
	}

	logger.Log.Infof("API 采集完成: %s", result.Summary())
	return result, nil
}

func (c *Collector) collectAccount(ctx context.Context, acc model.AccountReference, window model.TimeWindow) ([]model.ArticleReference, error) {
	fakeID := acc.ID
	if fakeID == "" {
		id, err := c.resolve(ctx, acc.Name)
		if err != nil {
			return nil, err
		}
		fakeID = id
	}

	start, end := window.Start, window.End
	if c.opts.MinutePrecision {
		start, end = start.Truncate(time.Minute), end.Truncate(time.Minute)
	}

	var refs []model.ArticleReference
	for page := 0; page < c.opts.MaxPages; page++ {
		var msgs []mpapi.AppMsg
		err := c.call(ctx, func() error {
			var err error
			msgs, err = c.client.ListArticles(ctx, fakeID, page*pageSize, pageSize)
			return err
		})
		if err != nil {
			return refs, err
		}
		if len(msgs) == 0 {
			break
		}

		older := false
		for _, m := range msgs {
			t := m.Created()
			if c.opts.MinutePrecision {
				t = t.Truncate(time.Minute)
			}
			switch {
			case t.Before(start):
				older = true
			case t.Before(end):
				refs = append(refs, model.ArticleReference{
					URL:         collector.NormalizeURL(m.Link),
					Account:     acc.Name,
					PublishTime: m.Created(),
					Title:       m.Title,
				})
			}
		}
		if older {
			logger.Log.Debugf("[%s] 已翻到窗口之前的文章，停止翻页", acc.Name)
			break
		}
	}
	return refs, nil
}

// resolve 搜索公众号名称得到 fakeid，优先精确匹配昵称
func (c *Collector) resolve(ctx context.Context, name string) (string, error) {
	var accounts []mpapi.Account
	err := c.call(ctx, func() error {
		var err error
		accounts, err = c.client.SearchAccount(ctx, name, 0, pageSize)
		return err
	})
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.Nickname == name || a.Alias == name {
			return a.FakeID, nil
		}
	}
	if len(accounts) > 0 {
		logger.Log.Warnf("未精确匹配公众号 [%s]，使用第一个结果 [%s]", name, accounts[0].Nickname)
		return accounts[0].FakeID, nil
	}
	return "", fmt.Errorf("account %q not found", name)
}

// call 限流后调用，频率限制时指数退避
func (c *Collector) call(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i <= c.opts.MaxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil || !mpapi.IsRateLimit(lastErr) {
			return lastErr
		}
		if i < c.opts.MaxRetries {
			delay := c.opts.BaseDelay * time.Duration(1<<i)
			logger.Log.Warnf("接口频率限制，%v 后重试", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
