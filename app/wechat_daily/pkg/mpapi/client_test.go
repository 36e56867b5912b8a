package mpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SearchAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cgi-bin/searchbiz", r.URL.Path)
		assert.Equal(t, "search_biz", r.URL.Query().Get("action"))
		assert.Equal(t, "机器之心", r.URL.Query().Get("query"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		assert.Equal(t, "c=1", r.Header.Get("Cookie"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		_, _ = w.Write([]byte(`{"base_resp":{"ret":0,"err_msg":"ok"},"list":[{"fakeid":"MzA3MzI4MjgzMw==","nickname":"机器之心","alias":"almosthuman2014"}]}`))
	}))
	defer srv.Close()

	c := NewClient("c=1", "tok", WithBaseURL(srv.URL))
	accounts, err := c.SearchAccount(context.Background(), "机器之心", 0, 10)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "MzA3MzI4MjgzMw==", accounts[0].FakeID)
}

func TestClient_ListArticles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "list_ex", r.URL.Query().Get("action"))
		assert.Equal(t, "fid", r.URL.Query().Get("fakeid"))
		assert.Equal(t, "9", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"base_resp":{"ret":0},"app_msg_list":[{"aid":"1","title":"t","link":"https://mp.weixin.qq.com/s/1","create_time":1768435200}]}`))
	}))
	defer srv.Close()

	c := NewClient("c", "t", WithBaseURL(srv.URL))
	msgs, err := c.ListArticles(context.Background(), "fid", 0, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1768435200), msgs[0].Created().Unix())
}

func TestClient_APIErrors(t *testing.T) {
	var ret atomic.Int32
	ret.Store(RetInvalidSession)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ret.Load() == RetInvalidSession {
			_, _ = w.Write([]byte(`{"base_resp":{"ret":200013,"err_msg":"invalid session"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"base_resp":{"ret":200040,"err_msg":"freq control"}}`))
	}))
	defer srv.Close()

	c := NewClient("c", "t", WithBaseURL(srv.URL))
	_, err := c.SearchAccount(context.Background(), "x", 0, 5)
	assert.True(t, IsAuth(err))
	assert.False(t, IsRateLimit(err))

	ret.Store(RetFrequency)
	_, err = c.ListArticles(context.Background(), "x", 0, 5)
	assert.True(t, IsRateLimit(err))
}
