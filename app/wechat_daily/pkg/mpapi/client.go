// Package mpapi 公众平台后台接口客户端（searchbiz / appmsg），
// 使用登录后台得到的 cookie 与 token 获取任意公众号的文章列表。
package mpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://mp.weixin.qq.com"

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// 后台接口错误码
const (
	RetInvalidSession = 200013 // cookie 或 token 无效
	RetFrequency      = 200040 // 请求过于频繁
)

// APIError base_resp.ret 非 0
type APIError struct {
	Ret int
	Msg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mp api error [%d] %s", e.Ret, e.Msg)
}

// IsAuth cookie/token 失效，重试无意义
func IsAuth(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Ret == RetInvalidSession
}

// IsRateLimit 频率限制
func IsRateLimit(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Ret == RetFrequency
}

// Account 搜索得到的公众号
type Account struct {
	FakeID       string `json:"fakeid"`
	Nickname     string `json:"nickname"`
	Alias        string `json:"alias"`
	RoundHeadImg string `json:"round_head_img"`
	ServiceType  int    `json:"service_type"`
}

// AppMsg 文章列表中的一条
type AppMsg struct {
	AID        string `json:"aid"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	Digest     string `json:"digest"`
	Cover      string `json:"cover"`
	CreateTime int64  `json:"create_time"`
	UpdateTime int64  `json:"update_time"`
}

// Created 发布时间
func (m AppMsg) Created() time.Time {
	return time.Unix(m.CreateTime, 0)
}

type baseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

// Client 后台接口客户端
type Client struct {
	baseURL string
	cookie  string
	token   string
	client  *http.Client
}

// Option 客户端选项
type Option func(*Client)

// WithBaseURL 替换接口地址，测试使用
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout 单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client = &http.Client{Timeout: d} }
}

// NewClient 创建客户端
func NewClient(cookie, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		cookie:  cookie,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchAccount 按名称搜索公众号，count 最大 5
func (c *Client) SearchAccount(ctx context.Context, keyword string, begin, count int) ([]Account, error) {
	if count <= 0 || count > 5 {
		count = 5
	}
	params := url.Values{
		"action": {"search_biz"},
		"begin":  {strconv.Itoa(begin)},
		"count":  {strconv.Itoa(count)},
		"query":  {keyword},
	}

	var resp struct {
		BaseResp baseResp  `json:"base_resp"`
		List     []Account `json:"list"`
	}
	if err := c.get(ctx, "/cgi-bin/searchbiz", params, &resp, &resp.BaseResp); err != nil {
		return nil, fmt.Errorf("search account %q: %w", keyword, err)
	}
	return resp.List, nil
}

// ListArticles 获取公众号的图文列表，按发布时间倒序
func (c *Client) ListArticles(ctx context.Context, fakeID string, begin, count int) ([]AppMsg, error) {
	params := url.Values{
		"action": {"list_ex"},
		"begin":  {strconv.Itoa(begin)},
		"count":  {strconv.Itoa(count)},
		"fakeid": {fakeID},
		"type":   {"9"},
		"query":  {""},
	}

	var resp struct {
		BaseResp   baseResp `json:"base_resp"`
		AppMsgList []AppMsg `json:"app_msg_list"`
	}
	if err := c.get(ctx, "/cgi-bin/appmsg", params, &resp, &resp.BaseResp); err != nil {
		return nil, fmt.Errorf("list articles %s: %w", fakeID, err)
	}
	return resp.AppMsgList, nil
}

// get 统一附加 token 与公共参数，并检查 base_resp
func (c *Client) get(ctx context.Context, path string, params url.Values, out any, br *baseResp) error {
	params.Set("token", c.token)
	params.Set("lang", "zh_CN")
	params.Set("f", "json")
	params.Set("ajax", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Cookie", c.cookie)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.baseURL+"/cgi-bin/appmsg")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read body failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("mp api status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response failed: %w", err)
	}
	if br.Ret != 0 {
		return &APIError{Ret: br.Ret, Msg: br.ErrMsg}
	}
	return nil
}
