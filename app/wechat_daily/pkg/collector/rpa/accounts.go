package rpa

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var (
	bizRe      = regexp.MustCompile(`biz:\s*["']([^"']+)["']`)
	nicknameRe = regexp.MustCompile(`var nickname = htmlDecode\("(.+?)"\)`)
)

// ProfileURL 公众号主页地址
func ProfileURL(biz string) string {
	return fmt.Sprintf("https://mp.weixin.qq.com/mp/profile_ext?action=home&__biz=%s#wechat_redirect", biz)
}

// ResolveAccounts 由样例文章反查公众号，按 __biz 去重。
// 单篇样例失败只记录日志，全部失败时报错。
func ResolveAccounts(ctx context.Context, client *http.Client, articleURLs []string) ([]model.AccountReference, error) {
	var (
		accounts []model.AccountReference
		seen     = map[string]bool{}
	)
	for _, u := range articleURLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		acc, err := resolveAccount(ctx, client, u)
		if err != nil {
			logger.Log.Errorf("无法从样例文章解析公众号，跳过 [%s]: %v", u, err)
			continue
		}
		if seen[acc.ID] {
			logger.Log.Debugf("公众号已存在，跳过重复样例: %s", acc.ID)
			continue
		}
		seen[acc.ID] = true
		accounts = append(accounts, acc)
	}
	if len(accounts) == 0 && len(articleURLs) > 0 {
		return nil, fmt.Errorf("no account resolved from %d sample article(s)", len(articleURLs))
	}
	logger.Log.Infof("从 %d 篇样例文章解析出 %d 个公众号", len(articleURLs), len(accounts))
	return accounts, nil
}

func resolveAccount(ctx context.Context, client *http.Client, articleURL string) (model.AccountReference, error) {
	page, err := fetchPage(ctx, client, articleURL)
	if err != nil {
		return model.AccountReference{}, err
	}

	biz := ""
	if m := bizRe.FindStringSubmatch(page); m != nil {
		biz = m[1]
	} else if parsed, err := url.Parse(articleURL); err == nil {
		// 长链接本身带有 __biz
		biz = parsed.Query().Get("__biz")
	}
	if biz == "" {
		return model.AccountReference{}, fmt.Errorf("biz not found in %s", articleURL)
	}

	name := biz
	if m := nicknameRe.FindStringSubmatch(page); m != nil {
		name = html.UnescapeString(m[1])
	}
	return model.AccountReference{Name: name, ID: biz}, nil
}

func fetchPage(ctx context.Context, client *http.Client, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body failed: %w", err)
	}
	return string(body), nil
}
