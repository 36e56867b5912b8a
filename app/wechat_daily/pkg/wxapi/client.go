// Package wxapi 公众号开放接口客户端：稳定版 access_token、永久素材、草稿与发布。
package wxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
)

const defaultBaseURL = "https://api.weixin.qq.com"

// Client 调用开放接口，token 由内部的 TokenSource 管理
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenSource
	maxRetries int
	baseDelay  time.Duration
}

// Option 可选参数
type Option func(*Client)

// WithBaseURL 测试时指向本地服务
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithTimeout 单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBackoff 频率限制时的重试次数与初始退避
func WithBackoff(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) { c.maxRetries, c.baseDelay = maxRetries, baseDelay }
}

// NewClient 创建客户端
func NewClient(appID, appSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		baseDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenSource(c.baseURL, appID, appSecret, c.httpClient)
	return c
}

// Tokens 返回客户端持有的 token 缓存
func (c *Client) Tokens() *TokenSource { return c.tokens }

// Material 永久素材列表中的一项
type Material struct {
	MediaID    string `json:"media_id"`
	Name       string `json:"name"`
	UpdateTime int64  `json:"update_time"`
	URL        string `json:"url"`
}

// UploadImage 上传永久图片素材，返回 media_id 与图片地址
func (c *Client) UploadImage(ctx context.Context, fileName string, data []byte) (*Material, error) {
	var resp struct {
		MediaID string `json:"media_id"`
		URL     string `json:"url"`
	}
	newBody := func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("media", fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
	query := url.Values{"type": {"image"}}
	if err := c.call(ctx, http.MethodPost, "/cgi-bin/material/add_material", query, newBody, &resp); err != nil {
		return nil, fmt.Errorf("upload image %s: %w", fileName, err)
	}
	if resp.MediaID == "" {
		return nil, badResponse("add_material response has no media_id")
	}
	logger.Log.Infof("成功上传素材: %s", resp.MediaID)
	return &Material{MediaID: resp.MediaID, Name: fileName, URL: resp.URL}, nil
}

// FindMaterialByName 按文件名翻页查找图片素材，未找到时返回 nil
func (c *Client) FindMaterialByName(ctx context.Context, name string) (*Material, error) {
	const count = 20
	for offset := 0; ; offset += count {
		var resp struct {
			TotalCount int        `json:"total_count"`
			ItemCount  int        `json:"item_count"`
			Item       []Material `json:"item"`
		}
		body := map[string]any{"type": "image", "offset": offset, "count": count}
		if err := c.call(ctx, http.MethodPost, "/cgi-bin/material/batchget_material", nil, jsonBody(body), &resp); err != nil {
			return nil, fmt.Errorf("batchget material: %w", err)
		}
		for i := range resp.Item {
			if resp.Item[i].Name == name {
				return &resp.Item[i], nil
			}
		}
		if resp.ItemCount == 0 || offset+count >= resp.TotalCount {
			return nil, nil
		}
	}
}

// DraftArticle 草稿中的一篇图文
type DraftArticle struct {
	Title              string `json:"title"`
	Author             string `json:"author,omitempty"`
	Digest             string `json:"digest,omitempty"`
	Content            string `json:"content"`
	ContentSourceURL   string `json:"content_source_url"`
	ThumbMediaID       string `json:"thumb_media_id"`
	NeedOpenComment    int    `json:"need_open_comment"`
	OnlyFansCanComment int    `json:"only_fans_can_comment"`
}

// AddDraft 新建草稿，返回草稿 media_id
func (c *Client) AddDraft(ctx context.Context, articles []DraftArticle) (string, error) {
	var resp struct {
		MediaID string `json:"media_id"`
	}
	body := map[string]any{"articles": articles}
	if err := c.call(ctx, http.MethodPost, "/cgi-bin/draft/add", nil, jsonBody(body), &resp); err != nil {
		return "", fmt.Errorf("add draft: %w", err)
	}
	if resp.MediaID == "" {
		return "", badResponse("draft/add response has no media_id")
	}
	return resp.MediaID, nil
}

// DraftCount 草稿总数
func (c *Client) DraftCount(ctx context.Context) (int, error) {
	var resp struct {
		TotalCount int `json:"total_count"`
	}
	if err := c.call(ctx, http.MethodGet, "/cgi-bin/draft/count", nil, nil, &resp); err != nil {
		return 0, fmt.Errorf("draft count: %w", err)
	}
	return resp.TotalCount, nil
}

// SubmitPublish 提交草稿发布，发布是异步任务，返回 publish_id
func (c *Client) SubmitPublish(ctx context.Context, draftMediaID string) (string, error) {
	var resp struct {
		PublishID json.Number `json:"publish_id"`
	}
	body := map[string]any{"media_id": draftMediaID}
	if err := c.call(ctx, http.MethodPost, "/cgi-bin/freepublish/submit", nil, jsonBody(body), &resp); err != nil {
		return "", fmt.Errorf("submit publish: %w", err)
	}
	return resp.PublishID.String(), nil
}

type bodyFunc func() (io.Reader, string, error)

func jsonBody(v any) bodyFunc {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// call 附加 access_token 后发起请求。token 被拒时强制刷新一次；
// 频率限制按指数退避重试，其余错误直接返回。
func (c *Client) call(ctx context.Context, method, path string, query url.Values, newBody bodyFunc, out any) error {
	refreshed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, method, path, token, query, newBody, out)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return err
		}

		switch {
		case apiErr.Kind == KindAuth && !refreshed:
			logger.Log.Warnf("access_token 被拒绝，刷新后重试: %v", apiErr)
			c.tokens.Invalidate()
			refreshed = true
		case apiErr.transient() && attempt < c.maxRetries:
			delay := c.baseDelay * time.Duration(1<<attempt)
			logger.Log.Warnf("接口调用被限流，%v 后重试: %v", delay, apiErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		default:
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, query url.Values, newBody bodyFunc, out any) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("access_token", token)

	var (
		body        io.Reader
		contentType string
	)
	if newBody != nil {
		var err error
		if body, contentType, err = newBody(); err != nil {
			return fmt.Errorf("build request body failed: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read body failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("wechat api status %d: %s", res.StatusCode, string(data))
	}
	return decode(data, out)
}

type errResp struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// decode 先检查 errcode，再解析业务字段
func decode(data []byte, out any) error {
	var er errResp
	if err := json.Unmarshal(data, &er); err != nil {
		return badResponse("malformed response: " + err.Error())
	}
	if er.ErrCode != 0 {
		return newAPIError(er.ErrCode, er.ErrMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return badResponse("malformed response: " + err.Error())
	}
	return nil
}
