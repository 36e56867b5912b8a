package publisher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/wxapi"
)

type fakeAPI struct {
	uploads  int
	lookups  int
	remote   map[string]*wxapi.Material
	drafts   []wxapi.DraftArticle
	draftErr error
}

func (f *fakeAPI) UploadImage(ctx context.Context, fileName string, data []byte) (*wxapi.Material, error) {
	f.uploads++
	return &wxapi.Material{MediaID: "media-" + fileName, Name: fileName}, nil
}

func (f *fakeAPI) FindMaterialByName(ctx context.Context, name string) (*wxapi.Material, error) {
	f.lookups++
	return f.remote[name], nil
}

func (f *fakeAPI) AddDraft(ctx context.Context, articles []wxapi.DraftArticle) (string, error) {
	if f.draftErr != nil {
		return "", f.draftErr
	}
	f.drafts = append(f.drafts, articles...)
	return "draft-1", nil
}

func (f *fakeAPI) SubmitPublish(ctx context.Context, draftMediaID string) (string, error) {
	return "pub-" + draftMediaID, nil
}

const digestDoc = `<!DOCTYPE html><html><body>
<section style="max-width: 677px;">
  <h2>AI公众号精选速览</h2>
  <p><a href="https://mp.weixin.qq.com/s?__biz=MzA&amp;mid=1">标题 A</a></p>
</section>
</body></html>`

func writeCover(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func window() model.TimeWindow {
	return model.DayWindow(time.Date(2026, 1, 15, 0, 0, 0, 0, time.Local))
}

func materialName(file, content string) string {
	return MaterialName(file, ContentKey([]byte(content)))
}

func TestPublish_CoverUploadedOnce(t *testing.T) {
	dir := t.TempDir()
	cover := writeCover(t, dir, "cover.png", "png-bytes")
	cachePath := filepath.Join(dir, ".media_cache.json")
	api := &fakeAPI{}

	cache, err := LoadMediaCache(cachePath)
	require.NoError(t, err)
	p := New(api, cache, Options{Title: "AI公众号精选速览 {date}", Author: "编辑部", ConvertHeadings: true})

	first, err := p.Publish(context.Background(), digestDoc, cover, window())
	require.NoError(t, err)
	assert.False(t, first.CoverReused)
	assert.Equal(t, "media-"+materialName("cover.png", "png-bytes"), first.ThumbMediaID)
	assert.Equal(t, "AI公众号精选速览 2026年1月15日", first.Title)
	assert.Equal(t, 1, api.uploads)

	// 新进程重新加载缓存，换个文件名的同一张图也不再上传
	renamed := writeCover(t, dir, "cover-copy.png", "png-bytes")
	cache, err = LoadMediaCache(cachePath)
	require.NoError(t, err)
	p = New(api, cache, Options{Title: "日报"})

	second, err := p.Publish(context.Background(), digestDoc, renamed, window())
	require.NoError(t, err)
	assert.True(t, second.CoverReused)
	assert.Equal(t, first.ThumbMediaID, second.ThumbMediaID)
	assert.Equal(t, 1, api.uploads)
	assert.Equal(t, 1, api.lookups)
}

func TestPublish_DraftContent(t *testing.T) {
	dir := t.TempDir()
	cover := writeCover(t, dir, "cover.png", "x")
	api := &fakeAPI{}
	cache, err := LoadMediaCache(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)

	p := New(api, cache, Options{Title: "日报", Author: "编辑部", Digest: "今日精选", ConvertHeadings: true})
	d, err := p.Publish(context.Background(), digestDoc, cover, window())
	require.NoError(t, err)
	assert.Equal(t, "draft-1", d.DraftMediaID)

	require.Len(t, api.drafts, 1)
	art := api.drafts[0]
	assert.Equal(t, "编辑部", art.Author)
	assert.Equal(t, "今日精选", art.Digest)
	assert.True(t, strings.HasPrefix(art.Content, "<section"))
	assert.Contains(t, art.Content, "<p>AI公众号精选速览</p>")
	assert.Contains(t, art.Content, `href="https://mp.weixin.qq.com/s?__biz=MzA&amp;mid=1"`)
	assert.NotContains(t, art.Content, "\n")
	assert.Zero(t, art.NeedOpenComment)
}

func TestResolveCover_ConfiguredMediaID(t *testing.T) {
	api := &fakeAPI{}
	cache, err := LoadMediaCache(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)

	p := New(api, cache, Options{MediaID: "fixed"})
	id, reused, err := p.ResolveCover(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	assert.True(t, reused)
	assert.Zero(t, api.uploads+api.lookups)
}

func TestResolveCover_RemoteByName(t *testing.T) {
	dir := t.TempDir()
	cover := writeCover(t, dir, "default_cover.png", "x")
	name := materialName("default_cover.png", "x")
	api := &fakeAPI{remote: map[string]*wxapi.Material{name: {MediaID: "remote-1", Name: name}}}
	cache, err := LoadMediaCache(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)

	p := New(api, cache, Options{})
	id, reused, err := p.ResolveCover(context.Background(), cover)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", id)
	assert.True(t, reused)
	assert.Zero(t, api.uploads)

	e, ok := cache.Get(ContentKey([]byte("x")))
	require.True(t, ok)
	assert.Equal(t, "remote-1", e.MediaID)
}

// 同名文件换了内容要重新上传，旧素材不能被当成新图片
func TestResolveCover_ReplacedContentUploaded(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, ".media_cache.json")
	cover := writeCover(t, dir, "cover.png", "old-image")
	api := &fakeAPI{remote: map[string]*wxapi.Material{}}
	cache, err := LoadMediaCache(cachePath)
	require.NoError(t, err)
	p := New(api, cache, Options{})

	oldID, reused, err := p.ResolveCover(context.Background(), cover)
	require.NoError(t, err)
	assert.False(t, reused)
	oldName := materialName("cover.png", "old-image")
	api.remote[oldName] = &wxapi.Material{MediaID: oldID, Name: oldName}

	writeCover(t, dir, "cover.png", "NEW-image")
	newID, reused, err := p.ResolveCover(context.Background(), cover)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, 2, api.uploads)

	cache, err = LoadMediaCache(cachePath)
	require.NoError(t, err)
	e, ok := cache.Get(ContentKey([]byte("NEW-image")))
	require.True(t, ok)
	assert.Equal(t, newID, e.MediaID)
	e, ok = cache.Get(ContentKey([]byte("old-image")))
	require.True(t, ok)
	assert.Equal(t, oldID, e.MediaID)
}

func TestMaterialName(t *testing.T) {
	key := ContentKey([]byte("x"))
	assert.Equal(t, "cover_"+key[:12]+".png", MaterialName("cover.png", key))
	assert.Equal(t, "cover_"+key[:12], MaterialName("cover", key))
	assert.NotEqual(t, MaterialName("cover.png", key), MaterialName("cover.png", ContentKey([]byte("y"))))
}

func TestPublish_Errors(t *testing.T) {
	dir := t.TempDir()
	cover := writeCover(t, dir, "cover.png", "x")
	cache, err := LoadMediaCache(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)

	api := &fakeAPI{draftErr: &wxapi.APIError{Code: 45009, Msg: "quota", Kind: wxapi.KindRateLimit}}
	p := New(api, cache, Options{Title: "日报"})

	_, err = p.Publish(context.Background(), digestDoc, cover, window())
	assert.True(t, wxapi.IsRateLimit(err))

	_, err = p.Publish(context.Background(), "<div>no section</div>", cover, window())
	assert.Error(t, err)

	_, _, err = p.ResolveCover(context.Background(), "")
	assert.Error(t, err)
}

func TestLoadMediaCache_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := LoadMediaCache(path)
	assert.Error(t, err)
}
