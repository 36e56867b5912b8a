package apicollector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/mpapi"
)

// fakeLister 按公众号返回倒序的文章列表
type fakeLister struct {
	accounts  map[string]string
	articles  map[string][]mpapi.AppMsg
	errs      map[string]error
	listCalls int
}

func (f *fakeLister) SearchAccount(ctx context.Context, keyword string, begin, count int) ([]mpapi.Account, error) {
	if err := f.errs[keyword]; err != nil {
		return nil, err
	}
	id, ok := f.accounts[keyword]
	if !ok {
		return nil, nil
	}
	return []mpapi.Account{{FakeID: id, Nickname: keyword}}, nil
}

func (f *fakeLister) ListArticles(ctx context.Context, fakeID string, begin, count int) ([]mpapi.AppMsg, error) {
	f.listCalls++
	all := f.articles[fakeID]
	if begin >= len(all) {
		return nil, nil
	}
	end := begin + count
	if end > len(all) {
		end = len(all)
	}
	return all[begin:end], nil
}

func msgs(prefix string, times ...time.Time) []mpapi.AppMsg {
	var out []mpapi.AppMsg
	for i, t := range times {
		out = append(out, mpapi.AppMsg{
			Title:      fmt.Sprintf("%s-%d", prefix, i),
			Link:       fmt.Sprintf("https://mp.weixin.qq.com/s/%s-%d", prefix, i),
			CreateTime: t.Unix(),
		})
	}
	return out
}

func TestCollect_WindowAndPagination(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local)
	window := model.DayWindow(day)

	// 7 篇当天 + 1 篇前一天 + 更早的，跨两页
	var times []time.Time
	for i := 0; i < 7; i++ {
		times = append(times, day.Add(time.Duration(20-i)*time.Hour))
	}
	times = append(times, day.Add(-time.Hour), day.Add(-30*time.Hour), day.Add(-50*time.Hour))

	f := &fakeLister{
		accounts: map[string]string{"机器之心": "fid-1"},
		articles: map[string][]mpapi.AppMsg{"fid-1": msgs("a", times...)},
	}
	c := New(f, Options{})

	res, err := c.Collect(context.Background(), []model.AccountReference{{Name: "机器之心"}}, window)
	require.NoError(t, err)
	assert.Len(t, res.Articles, 7)
	assert.Equal(t, 2, f.listCalls)
	assert.Equal(t, 1, res.Succeeded())
	for _, a := range res.Articles {
		assert.True(t, window.Contains(a.PublishTime))
		assert.Equal(t, "机器之心", a.Account)
	}
}

func TestCollect_DedupAcrossAccounts(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local)
	shared := msgs("shared", day.Add(10*time.Hour))
	f := &fakeLister{
		accounts: map[string]string{"A": "fa", "B": "fb"},
		articles: map[string][]mpapi.AppMsg{
			"fa": append(msgs("a", day.Add(12*time.Hour)), shared...),
			"fb": append(shared, msgs("b", day.Add(9*time.Hour))...),
		},
	}

	res, err := New(f, Options{}).Collect(context.Background(),
		[]model.AccountReference{{Name: "A"}, {Name: "B"}}, model.DayWindow(day))
	require.NoError(t, err)

	seen := map[string]int{}
	for _, a := range res.Articles {
		seen[a.URL]++
	}
	assert.Len(t, res.Articles, 3)
	for url, n := range seen {
		assert.Equal(t, 1, n, url)
	}
}

func TestCollect_AccountFailureIsSkipped(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local)
	f := &fakeLister{
		accounts: map[string]string{"ok": "fid"},
		articles: map[string][]mpapi.AppMsg{"fid": msgs("x", day.Add(time.Hour))},
	}

	res, err := New(f, Options{}).Collect(context.Background(),
		[]model.AccountReference{{Name: "missing"}, {Name: "ok"}}, model.DayWindow(day))
	require.NoError(t, err)
	assert.Len(t, res.Articles, 1)
	require.Len(t, res.Failures(), 1)
	assert.Equal(t, "missing", res.Failures()[0].Account)
}

func TestCollect_AuthFailureStopsRequests(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local)
	auth := &mpapi.APIError{Ret: mpapi.RetInvalidSession, Msg: "invalid session"}
	f := &fakeLister{
		accounts: map[string]string{"B": "fb"},
		errs:     map[string]error{"A": auth},
	}

	res, err := New(f, Options{}).Collect(context.Background(),
		[]model.AccountReference{{Name: "A"}, {Name: "B"}}, model.DayWindow(day))
	require.NoError(t, err)
	assert.Len(t, res.Failures(), 2)
	assert.Equal(t, 0, f.listCalls)
}

func TestCollect_MinutePrecision(t *testing.T) {
	start := time.Date(2026, 1, 15, 8, 30, 0, 0, time.Local)
	window := model.TimeWindow{Start: start, End: start.Add(time.Hour)}
	f := &fakeLister{
		accounts: map[string]string{"A": "fa"},
		articles: map[string][]mpapi.AppMsg{"fa": msgs("m",
			start.Add(time.Hour+20*time.Second), // 09:30:20，按分钟精度落在窗口外
			start.Add(59*time.Minute),
			start.Add(-time.Second), // 08:29:59，早于窗口
		)},
	}

	res, err := New(f, Options{MinutePrecision: true}).Collect(context.Background(), []model.AccountReference{{Name: "A"}}, window)
	require.NoError(t, err)
	require.Len(t, res.Articles, 1)
	assert.Equal(t, "https://mp.weixin.qq.com/s/m-1", res.Articles[0].URL)
}

func TestCollect_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&fakeLister{}, Options{}).Collect(ctx, []model.AccountReference{{Name: "A"}}, model.DayWindow(time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollect_WithHTTPClient(t *testing.T) {
	day := time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/searchbiz":
			_, _ = w.Write([]byte(`{"base_resp":{"ret":0},"list":[{"fakeid":"fid","nickname":"量子位"}]}`))
		case "/cgi-bin/appmsg":
			if r.URL.Query().Get("begin") != "0" {
				_, _ = w.Write([]byte(`{"base_resp":{"ret":0},"app_msg_list":[]}`))
				return
			}
			_, _ = fmt.Fprintf(w, `{"base_resp":{"ret":0},"app_msg_list":[{"title":"t","link":"http://mp.weixin.qq.com/s/q1","create_time":%d}]}`,
				day.Add(8*time.Hour).Unix())
		}
	}))
	defer srv.Close()

	c := New(mpapi.NewClient("c", "t", mpapi.WithBaseURL(srv.URL)), Options{})
	res, err := c.Collect(context.Background(), []model.AccountReference{{Name: "量子位"}}, model.DayWindow(day))
	require.NoError(t, err)
	require.Len(t, res.Articles, 1)
	assert.Equal(t, "https://mp.weixin.qq.com/s/q1", res.Articles[0].URL)
}
