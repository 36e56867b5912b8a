package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	xhtml "golang.org/x/net/html"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// 文章页内联脚本中的变量
var (
	titleRe    = regexp.MustCompile(`var msg_title = '(.+?)'\.html\(false\)`)
	authorRe   = regexp.MustCompile(`var author = "(.+?)"`)
	ctRe       = regexp.MustCompile(`var ct = "(\d+)"`)
	coverRe    = regexp.MustCompile(`var msg_cdn_url = "(.+?)"`)
	descRe     = regexp.MustCompile(`var msg_desc = htmlDecode\("(.+?)"\)`)
	nicknameRe = regexp.MustCompile(`var nickname = htmlDecode\("(.+?)"\)`)
)

// 文章已删除或违规时页面的提示
var unavailableMarks = []string{"该内容已被发布者删除", "此内容因违规无法查看", "此内容被投诉且经审核涉嫌侵权"}

// ErrIncomplete 关键字段缺失
var ErrIncomplete = errors.New("metadata incomplete")

// ExtractionError 单篇文章提取失败，调用方记录后跳过
type ExtractionError struct {
	URL string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor 抓取文章页并解析元数据
type Extractor struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// New 创建提取器，timeout 为单次请求超时
func New(timeout time.Duration, maxRetries int) *Extractor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: time.Second,
	}
}

// Extract 抓取并解析一篇文章，失败时返回 *ExtractionError
func (e *Extractor) Extract(ctx context.Context, ref model.ArticleReference) (*model.ArticleMetadata, error) {
	body, err := e.fetch(ctx, ref.URL)
	if err != nil {
		return nil, &ExtractionError{URL: ref.URL, Err: err}
	}
	meta, err := Parse(body, ref)
	if err != nil {
		return nil, &ExtractionError{URL: ref.URL, Err: err}
	}
	return meta, nil
}

func (e *Extractor) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error
	for i := 0; i <= e.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryDelay * time.Duration(i)):
			}
		}

		body, retry, err := e.fetchOnce(ctx, pageURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		logger.Log.Debugf("抓取失败，准备重试 [%s]: %v", pageURL, err)
	}
	return nil, lastErr
}

func (e *Extractor) fetchOnce(ctx context.Context, pageURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read body failed: %w", err)
	}
	if res.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d", res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("status %d", res.StatusCode)
	}
	return body, false, nil
}

// Parse 从文章页 HTML 中解析元数据。封面、作者等可选字段缺失不算失败。
func Parse(body []byte, ref model.ArticleReference) (*model.ArticleMetadata, error) {
	page := string(body)
	for _, mark := range unavailableMarks {
		if strings.Contains(page, mark) && !strings.Contains(page, `id="js_content"`) {
			return nil, fmt.Errorf("article unavailable: %s", mark)
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	meta := &model.ArticleMetadata{ArticleReference: ref}
	meta.Title = firstNonEmpty(match(titleRe, page), metaContent(doc, "og:title"), ref.Title)
	meta.Author = match(authorRe, page)
	meta.CoverURL = firstNonEmpty(match(coverRe, page), metaContent(doc, "og:image"))
	meta.Description = html.UnescapeString(firstNonEmpty(match(descRe, page), metaContent(doc, "og:description")))
	if nickname := html.UnescapeString(match(nicknameRe, page)); nickname != "" {
		meta.Account = nickname
	}
	if ct := match(ctRe, page); ct != "" {
		if sec, err := strconv.ParseInt(ct, 10, 64); err == nil {
			meta.PublishTime = time.Unix(sec, 0)
		}
	}
	if meta.Author == "" {
		meta.Author = meta.Account
	}

	content := doc.Find("#js_content").First()
	if content.Length() > 0 {
		content.Find("script, style").Remove()
		meta.Content = textOf(content.Nodes[0])
		content.Find("img").Each(func(_ int, img *goquery.Selection) {
			src := img.AttrOr("data-src", "")
			if !strings.HasPrefix(src, "http") {
				src = img.AttrOr("src", "")
			}
			if strings.HasPrefix(src, "http") {
				meta.Images = append(meta.Images, src)
			}
		})
	}

	if meta.Content == "" {
		fillFromReadability(meta, body, ref.URL)
	}

	meta.Complete = meta.Title != "" && meta.Content != ""
	if !meta.Complete {
		return nil, fmt.Errorf("%w: title=%t content=%t", ErrIncomplete, meta.Title != "", meta.Content != "")
	}
	return meta, nil
}

// fillFromReadability 非标准文章页（如转载页）没有 js_content 时的兜底
func fillFromReadability(meta *model.ArticleMetadata, body []byte, pageURL string) {
	u, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		logger.Log.Debugf("readability 解析失败 [%s]: %v", pageURL, err)
		return
	}
	meta.Content = strings.TrimSpace(article.TextContent)
	meta.Title = firstNonEmpty(meta.Title, article.Title)
	meta.Author = firstNonEmpty(meta.Author, article.Byline)
	meta.CoverURL = firstNonEmpty(meta.CoverURL, article.Image)
}

// textOf 收集文本节点，每段一行
func textOf(n *xhtml.Node) string {
	var lines []string
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				lines = append(lines, s)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(lines, "\n")
}

func match(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func metaContent(doc *goquery.Document, property string) string {
	return strings.TrimSpace(doc.Find(fmt.Sprintf(`meta[property="%s"]`, property)).AttrOr("content", ""))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
