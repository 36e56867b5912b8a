// Package rpa 通过界面自动化采集公众号文章：打开公众号主页，截图交给视觉模型定位日期，
// 逐篇点击复制链接，直到看到窗口之前的日期或达到滚动上限。
package rpa

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/collector"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

const (
	dateLayout = "2006年1月2日"
	// 窗口之前额外定位的天数，用于判断何时停止滚动
	earlierDays = 2
	// 宽日期标记的点击偏移
	wideMarker = 0.15
	nudgeRatio = 0.1
)

// Options RPA 采集参数
type Options struct {
	ScaleFactor float64 // 物理像素 / 逻辑像素
	MaxScrolls  int
	MaxRetries  int // 每个公众号的尝试次数
	LoadDelay   time.Duration
	LockFile    string
	TempDir     string
}

// Collector 界面自动化采集器，同一主机同一时刻只允许一个实例运行
type Collector struct {
	driver  Driver
	locator DateLocator
	opts    Options
}

var _ collector.Collector = (*Collector)(nil)

// New 创建 RPA 采集器
func New(driver Driver, locator DateLocator, opts Options) *Collector {
	if opts.ScaleFactor <= 0 {
		opts.ScaleFactor = 1
	}
	if opts.MaxScrolls <= 0 {
		opts.MaxScrolls = 5
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.LockFile == "" {
		opts.LockFile = filepath.Join(os.TempDir(), "wechat_daily_rpa.lock")
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "wechat_daily_screenshots")
	}
	return &Collector{driver: driver, locator: locator, opts: opts}
}

// Name implements collector.Collector
func (c *Collector) Name() string { return "RPA" }

// Collect implements collector.Collector。
// 应用无法激活时整体失败；单个公众号重试耗尽后跳过。
func (c *Collector) Collect(ctx context.Context, accounts []model.AccountReference, window model.TimeWindow) (*collector.Result, error) {
	release, err := AcquireLock(c.opts.LockFile)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := os.MkdirAll(c.opts.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	// 截图可能包含聊天内容，结束后一律清理
	defer func() {
		if err := os.RemoveAll(c.opts.TempDir); err != nil {
			logger.Log.Warnf("清理截图目录失败: %v", err)
		}
	}()

	if err := c.driver.Activate(ctx); err != nil {
		if !errors.Is(err, ErrAppUnavailable) {
			err = fmt.Errorf("%w: %v", ErrAppUnavailable, err)
		}
		return nil, err
	}

	result := &collector.Result{}
	dedup := collector.NewDedup()
	for i, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		logger.Log.Infof("[%d/%d] 采集公众号: %s", i+1, len(accounts), acc.Name)

		refs, err := c.collectWithRetry(ctx, i, acc, window)
		if err != nil && ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err != nil {
			logger.Log.Errorf("采集公众号失败，跳过 [%s]: %v", acc.Name, err)
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

	logger.Log.Infof("RPA 采集完成: %s", result.Summary())
	return result, nil
}

func (c *Collector) collectWithRetry(ctx context.Context, idx int, acc model.AccountReference, window model.TimeWindow) ([]model.ArticleReference, error) {
	if acc.ID == "" {
		return nil, fmt.Errorf("account %s has no biz", acc.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		refs, err := c.collectAccount(ctx, idx, acc, window)
		c.reset(ctx)
		if err == nil {
			return refs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logger.Log.Warnf("采集公众号 [%s] 第 %d/%d 次失败: %v", acc.Name, attempt, c.opts.MaxRetries, err)
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.opts.MaxRetries, lastErr)
}

// reset 关闭页面回到初始状态，失败只记录
func (c *Collector) reset(ctx context.Context) {
	if err := c.driver.CloseTabs(ctx); err != nil {
		logger.Log.Warnf("关闭页面失败: %v", err)
	}
}

func (c *Collector) collectAccount(ctx context.Context, idx int, acc model.AccountReference, window model.TimeWindow) ([]model.ArticleReference, error) {
	if err := c.driver.OpenURL(ctx, ProfileURL(acc.ID)); err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	if err := sleep(ctx, c.opts.LoadDelay); err != nil {
		return nil, err
	}

	targets, earlier := searchDates(window)
	query := append(append([]string(nil), targets...), earlier...)
	isTarget := make(map[string]bool, len(targets))
	for _, d := range targets {
		isTarget[d] = true
	}

	var (
		refs []model.ArticleReference
		seen = collector.NewDedup()
	)
	for screen := 0; screen <= c.opts.MaxScrolls; screen++ {
		shot := filepath.Join(c.opts.TempDir, fmt.Sprintf("account%d_screen%d.png", idx, screen))
		if err := c.driver.Screenshot(ctx, shot); err != nil {
			return nil, fmt.Errorf("screenshot: %w", err)
		}
		size, err := imageSize(shot)
		if err != nil {
			return nil, err
		}
		locs, err := c.locator.Locate(ctx, shot, query)
		if err != nil {
			return nil, err
		}

		var hits []DateLocation
		sawEarlier := false
		for _, loc := range locs {
			if isTarget[loc.Date] {
				hits = append(hits, loc)
			} else {
				sawEarlier = true
			}
		}
		logger.Log.Debugf("[%s] 第 %d 屏: 目标日期 %d 处，更早日期 %v", acc.Name, screen+1, len(hits), sawEarlier)

		for _, loc := range hits {
			link, err := c.openAndCopy(ctx, c.toLogical(loc, size))
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Log.Warnf("[%s] 获取文章链接失败，继续下一篇: %v", acc.Name, err)
				continue
			}
			if seen.Add(link) {
				refs = append(refs, model.ArticleReference{URL: link, Account: acc.Name})
			}
		}

		if sawEarlier {
			break
		}
		if screen == c.opts.MaxScrolls {
			logger.Log.Warnf("[%s] 已达到最大滚动次数 %d", acc.Name, c.opts.MaxScrolls)
			break
		}
		if err := c.driver.Scroll(ctx); err != nil {
			return nil, fmt.Errorf("scroll: %w", err)
		}
		if err := sleep(ctx, c.opts.LoadDelay/2); err != nil {
			return nil, err
		}
	}

	logger.Log.Infof("[%s] 采集到 %d 篇文章", acc.Name, len(refs))
	return refs, nil
}

// openAndCopy 点击文章、复制链接后返回列表页；中途失败也尝试返回
func (c *Collector) openAndCopy(ctx context.Context, p Point) (string, error) {
	if err := c.driver.Click(ctx, p); err != nil {
		return "", fmt.Errorf("click: %w", err)
	}
	if err := sleep(ctx, c.opts.LoadDelay); err != nil {
		return "", err
	}

	link, err := c.driver.CopyLink(ctx)
	if backErr := c.driver.Back(ctx); backErr != nil && err == nil {
		err = fmt.Errorf("back: %w", backErr)
	}
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(link, "http") {
		return "", fmt.Errorf("clipboard holds no link: %q", link)
	}
	return link, sleep(ctx, c.opts.LoadDelay/2)
}

// toLogical 相对坐标换算为逻辑坐标。截图为物理像素，点击使用逻辑像素。
// 日期文本较宽时点击点右移，避开左侧的空白。
func (c *Collector) toLogical(loc DateLocation, size image.Point) Point {
	x := loc.X
	if loc.Width > wideMarker {
		x += loc.Width * nudgeRatio
	}
	return Point{
		X: x * float64(size.X) / c.opts.ScaleFactor,
		Y: loc.Y * float64(size.Y) / c.opts.ScaleFactor,
	}
}

// searchDates 窗口内每天的日期文本，以及窗口开始前 earlierDays 天
func searchDates(w model.TimeWindow) (targets, earlier []string) {
	for _, d := range w.Days() {
		targets = append(targets, d.Format(dateLayout))
	}
	for i := 1; i <= earlierDays; i++ {
		earlier = append(earlier, w.Start.AddDate(0, 0, -i).Format(dateLayout))
	}
	return targets, earlier
}

func imageSize(path string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, fmt.Errorf("open screenshot: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, fmt.Errorf("decode screenshot: %w", err)
	}
	return image.Point{X: cfg.Width, Y: cfg.Height}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
