package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/digest"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/richtext"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/wxapi"
)

// API 发布用到的开放接口
type API interface {
	UploadImage(ctx context.Context, fileName string, data []byte) (*wxapi.Material, error)
	FindMaterialByName(ctx context.Context, name string) (*wxapi.Material, error)
	AddDraft(ctx context.Context, articles []wxapi.DraftArticle) (string, error)
	SubmitPublish(ctx context.Context, draftMediaID string) (string, error)
}

// 标题中的日期占位符
const datePlaceholder = "{date}"

// Options 发布参数
type Options struct {
	Title           string
	Author          string
	Digest          string
	MediaID         string // 配置中固定的封面 media_id，优先使用
	ConvertHeadings bool
}

// Publisher 把日报创建为公众号草稿，持有封面 media_id 缓存
type Publisher struct {
	api   API
	cache *MediaCache
	opts  Options
}

// New 创建发布器
func New(api API, cache *MediaCache, opts Options) *Publisher {
	return &Publisher{api: api, cache: cache, opts: opts}
}

// Publish 转换日报正文，解析封面并新建草稿
func (p *Publisher) Publish(ctx context.Context, doc, coverPath string, window model.TimeWindow) (*model.PublishedDraft, error) {
	content, err := richtext.ToWeChat(doc, p.opts.ConvertHeadings)
	if err != nil {
		return nil, fmt.Errorf("transform digest: %w", err)
	}

	thumb, reused, err := p.ResolveCover(ctx, coverPath)
	if err != nil {
		return nil, err
	}

	title := strings.ReplaceAll(p.opts.Title, datePlaceholder, digest.DateText(window))
	draftID, err := p.api.AddDraft(ctx, []wxapi.DraftArticle{{
		Title:              title,
		Author:             p.opts.Author,
		Digest:             p.opts.Digest,
		Content:            content,
		ThumbMediaID:       thumb,
		NeedOpenComment:    0,
		OnlyFansCanComment: 0,
	}})
	if err != nil {
		return nil, err
	}
	logger.Log.Infof("草稿创建成功，media_id: %s", draftID)

	return &model.PublishedDraft{
		DraftMediaID: draftID,
		ThumbMediaID: thumb,
		CoverReused:  reused,
		Title:        title,
	}, nil
}

// PublishFile 读取日报文件后发布
func (p *Publisher) PublishFile(ctx context.Context, htmlPath, coverPath string, window model.TimeWindow) (*model.PublishedDraft, error) {
	data, err := os.ReadFile(htmlPath)
	if err != nil {
		return nil, fmt.Errorf("read digest %s: %w", htmlPath, err)
	}
	return p.Publish(ctx, string(data), coverPath, window)
}

// Submit 提交草稿发布，返回 publish_id
func (p *Publisher) Submit(ctx context.Context, draftMediaID string) (string, error) {
	id, err := p.api.SubmitPublish(ctx, draftMediaID)
	if err != nil {
		return "", err
	}
	logger.Log.Infof("草稿已提交发布，publish_id: %s", id)
	return id, nil
}

// ResolveCover 依次使用配置的 media_id、本地缓存、素材库中同内容的图片，最后才上传。
// reused 表示没有发生上传。
func (p *Publisher) ResolveCover(ctx context.Context, coverPath string) (string, bool, error) {
	if p.opts.MediaID != "" {
		logger.Log.Infof("使用配置中的封面 media_id: %s", p.opts.MediaID)
		return p.opts.MediaID, true, nil
	}
	if coverPath == "" {
		return "", false, fmt.Errorf("cover image path is empty and publish_config.media_id is not set")
	}

	data, err := os.ReadFile(coverPath)
	if err != nil {
		return "", false, fmt.Errorf("read cover %s: %w", coverPath, err)
	}
	key := ContentKey(data)
	name := MaterialName(filepath.Base(coverPath), key)

	if e, ok := p.cache.Get(key); ok {
		logger.Log.Infof("封面命中本地缓存，media_id: %s", e.MediaID)
		return e.MediaID, true, nil
	}

	// 素材名带内容标识，同名素材即同一张图片，缓存文件丢失时据此找回
	if m, err := p.api.FindMaterialByName(ctx, name); wxapi.IsAuth(err) {
		return "", false, err
	} else if err != nil {
		logger.Log.Warnf("查询素材库失败，直接上传: %v", err)
	} else if m != nil {
		logger.Log.Infof("素材库中已有该封面，media_id: %s", m.MediaID)
		p.remember(key, CacheEntry{MediaID: m.MediaID, FileName: name, URL: m.URL, UploadedAt: time.Unix(m.UpdateTime, 0)})
		return m.MediaID, true, nil
	}

	m, err := p.api.UploadImage(ctx, name, data)
	if err != nil {
		return "", false, err
	}
	logger.Log.Infof("封面上传成功，media_id: %s", m.MediaID)
	p.remember(key, CacheEntry{MediaID: m.MediaID, FileName: name, URL: m.URL, UploadedAt: time.Now()})
	return m.MediaID, false, nil
}

func (p *Publisher) remember(key string, e CacheEntry) {
	if err := p.cache.Put(key, e); err != nil {
		logger.Log.Warnf("写入封面缓存失败: %v", err)
	}
}
