package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// Collector 定义通用的采集接口，RPA 与 API 两种实现
type Collector interface {
	// Name 采集方式名称，写入清单文件头
	Name() string
	Collect(ctx context.Context, accounts []model.AccountReference, window model.TimeWindow) (*Result, error)
}

// AccountTally 单个公众号的采集结果
type AccountTally struct {
	Account  string
	Articles int
	Err      error
}

// Result 采集结果
type Result struct {
	Articles []model.ArticleReference
	Tally    []AccountTally
}

// Succeeded 成功的公众号数量
func (r *Result) Succeeded() int {
	n := 0
	for _, t := range r.Tally {
		if t.Err == nil {
			n++
		}
	}
	return n
}

// Failures 失败的公众号及原因
func (r *Result) Failures() []AccountTally {
	var out []AccountTally
	for _, t := range r.Tally {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Dedup 以 URL 为键去重，保留首次出现的记录。
// 公众号链接常带有 chksm 等随机参数，比较前做规范化。
type Dedup struct {
	seen map[string]bool
}

// NewDedup 创建去重器
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]bool)}
}

// Add 返回 true 表示首次出现
func (d *Dedup) Add(url string) bool {
	key := NormalizeURL(url)
	if key == "" || d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

// NormalizeURL 统一协议与 HTML 实体，去掉片段
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.ReplaceAll(u, "&amp;", "&")
	u = strings.ReplaceAll(u, `\/`, "/")
	if i := strings.Index(u, "#"); i >= 0 {
		u = u[:i]
	}
	if strings.HasPrefix(u, "http://") {
		u = "https://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Summary 采集汇总日志文本
func (r *Result) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "公众号 %d 个，成功 %d 个，文章 %d 篇", len(r.Tally), r.Succeeded(), len(r.Articles))
	for _, f := range r.Failures() {
		fmt.Fprintf(&sb, "\n  - [%s] %v", f.Account, f.Err)
	}
	return sb.String()
}
