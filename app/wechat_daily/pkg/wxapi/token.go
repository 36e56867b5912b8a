package wxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
)

// 提前 5 分钟视为过期
const expiryMargin = 300 * time.Second

const defaultExpiresIn = 7200

// TokenSource 缓存稳定版 access_token，过期或被拒绝后才重新获取
type TokenSource struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
	now       func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	force     bool
	fetches   int
}

func newTokenSource(baseURL, appID, appSecret string, client *http.Client) *TokenSource {
	return &TokenSource{
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
		client:    client,
		now:       time.Now,
	}
}

// Token 返回有效的 access_token
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}
	return s.refresh(ctx)
}

// Invalidate 丢弃缓存，下次获取时要求服务端强制刷新
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.force = true
}

// Fetches 实际请求 token 接口的次数
func (s *TokenSource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"grant_type":    "client_credential",
		"appid":         s.appID,
		"secret":        s.appSecret,
		"force_refresh": s.force,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/cgi-bin/stable_token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Log.Info("正在获取 access_token（稳定版接口）...")
	s.fetches++
	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read token body failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stable_token status %d: %s", res.StatusCode, string(data))
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := decode(data, &resp); err != nil {
		return "", fmt.Errorf("stable_token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("stable_token: %w", badResponse("response has no access_token"))
	}
	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = defaultExpiresIn
	}

	s.token = resp.AccessToken
	s.expiresAt = s.now().Add(time.Duration(resp.ExpiresIn)*time.Second - expiryMargin)
	s.force = false
	logger.Log.Infof("成功获取 access_token，有效期: %d 秒", resp.ExpiresIn)
	return s.token, nil
}
