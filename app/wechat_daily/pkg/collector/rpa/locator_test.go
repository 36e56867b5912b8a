package rpa

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/llm"
)

type scriptedModel struct {
	replies []string
	calls   [][]*schema.Message
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.calls = append(m.calls, input)
	if len(m.calls) > len(m.replies) {
		return nil, errors.New("no more replies")
	}
	return schema.AssistantMessage(m.replies[len(m.calls)-1], nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func TestVisionLocator_Locate(t *testing.T) {
	shot := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(shot, []byte("png"), 0o644))

	m := &scriptedModel{replies: []string{
		`{"dates": [{"date": "2026年1月15日", "x": 1.5, "y": 0.2, "width": 0.1, "height": 0.02}]}`,
		"```json\n" + `{"dates": [
			{"date": "2026年1月15日", "x": 0.5, "y": 0.2, "width": 0.1, "height": 0.02},
			{"date": "2026年1月10日", "x": 0.5, "y": 0.9, "width": 0.1, "height": 0.02}
		]}` + "\n```",
	}}
	l := NewVisionLocator(llm.NewGenerator(m, nil), 2)

	locs, err := l.Locate(context.Background(), shot, []string{"2026年1月15日", "2026年1月14日"})
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, DateLocation{Date: "2026年1月15日", X: 0.5, Y: 0.2, Width: 0.1, Height: 0.02}, locs[0])

	require.Len(t, m.calls, 2)
	first := m.calls[0]
	require.Len(t, first, 2)
	require.Len(t, first[1].MultiContent, 2)
	assert.True(t, strings.HasPrefix(first[1].MultiContent[0].ImageURL.URL, "data:image/png;base64,"))
	assert.Contains(t, first[1].MultiContent[1].Text, "2026年1月14日")
	assert.Len(t, m.calls[1], 4)
}

func TestVisionLocator_GivesUp(t *testing.T) {
	shot := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(shot, []byte("png"), 0o644))

	m := &scriptedModel{replies: []string{"没有找到", "还是没有"}}
	l := NewVisionLocator(llm.NewGenerator(m, nil), 1)

	_, err := l.Locate(context.Background(), shot, []string{"2026年1月15日"})
	assert.ErrorIs(t, err, llm.ErrMalformedOutput)
}

func TestResolveAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/s/1", "/s/2":
			_, _ = w.Write([]byte(`<script>var nickname = htmlDecode("机器之心");
				window.appmsg = { biz: "MzA3MzI4MjgzMw==", mid: "1" };</script>`))
		case "/s/long":
			_, _ = w.Write([]byte(`<html>no script vars</html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	accounts, err := ResolveAccounts(context.Background(), srv.Client(), []string{
		srv.URL + "/s/1",
		srv.URL + "/s/2",
		srv.URL + "/s/missing",
		srv.URL + "/s/long?__biz=MzI1NjQ&mid=2",
	})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "机器之心", accounts[0].Name)
	assert.Equal(t, "MzA3MzI4MjgzMw==", accounts[0].ID)
	assert.Equal(t, "MzI1NjQ", accounts[1].ID)
	assert.Equal(t, "MzI1NjQ", accounts[1].Name)

	_, err = ResolveAccounts(context.Background(), srv.Client(), []string{srv.URL + "/s/missing"})
	assert.Error(t, err)
}

func TestProfileURL(t *testing.T) {
	assert.Equal(t,
		"https://mp.weixin.qq.com/mp/profile_ext?action=home&__biz=MzA3#wechat_redirect",
		ProfileURL("MzA3"))
}

func TestExecDriver(t *testing.T) {
	_, err := NewExecDriver("WeChat", map[string]string{ActionActivate: "true"}, nil, 0)
	assert.Error(t, err)

	cmds := map[string]string{
		ActionActivate:   "test {app} = WeChat",
		ActionOpenURL:    `test {url} = "https://a.b/c?x=1&y='2'"`,
		ActionScreenshot: "test {template:back} = /tpl/back.png && : > {path}",
		ActionClick:      "test {x} = 50 && test {y} = 11",
		ActionCopyLink:   "echo https://mp.weixin.qq.com/s/abc",
		ActionBack:       "true",
		ActionScroll:     "true",
		ActionCloseTabs:  "exit 1",
	}
	d, err := NewExecDriver("WeChat", cmds, map[string]string{"back": "/tpl/back.png"}, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, d.Activate(ctx))
	assert.NoError(t, d.OpenURL(ctx, "https://a.b/c?x=1&y='2'"))
	shot := filepath.Join(t.TempDir(), "s.png")
	assert.NoError(t, d.Screenshot(ctx, shot))
	assert.FileExists(t, shot)
	assert.NoError(t, d.Click(ctx, Point{X: 49.6, Y: 10.7}))
	link, err := d.CopyLink(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://mp.weixin.qq.com/s/abc", link)
	assert.Error(t, d.CloseTabs(ctx))

	cmds[ActionActivate] = "exit 2"
	d, err = NewExecDriver("WeChat", cmds, nil, time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Activate(ctx), ErrAppUnavailable)
}
