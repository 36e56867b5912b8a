package digest

import (
	"bytes"
	_ "embed"
	"fmt"
	"html"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/logger"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/richtext"
)

//go:embed templates/rich_text_template.html
var defaultTemplate string

const (
	filledStar = `<span style="color: #FFD700; font-size: 14px;">★</span>`
	emptyStar  = `<span style="color: #D3D3D3; font-size: 14px;">☆</span>`
	starCount  = 5
)

// Select 按评分降序稳定排序（同分按原始顺序），选出不低于 threshold 的文章；
// 不足 minCount 篇时取前 min(minCount, 总数) 篇。
func Select(items []model.ScoredArticle, threshold, minCount int) []model.ScoredArticle {
	sorted := append([]model.ScoredArticle(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Summary.Score != sorted[j].Summary.Score {
			return sorted[i].Summary.Score > sorted[j].Summary.Score
		}
		return sorted[i].Order < sorted[j].Order
	})

	n := 0
	for n < len(sorted) && sorted[n].Summary.Score >= threshold {
		n++
	}
	if n < minCount {
		n = min(minCount, len(sorted))
	}
	return sorted[:n]
}

// Templates 富文本模板的四个区域
type Templates struct {
	header    *template.Template
	card      *template.Template
	separator *template.Template
	footer    *template.Template
}

// LoadTemplates path 为空时使用内置模板
func LoadTemplates(path string) (*Templates, error) {
	src := defaultTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", path, err)
		}
		src = string(data)
	}
	return ParseTemplates(src)
}

// ParseTemplates 按 <!-- ===== X_START ===== --> / <!-- ===== X_END ===== --> 标记切分区域。
// 缺少文章卡片区域时报错，其余区域缺失按空处理。
func ParseTemplates(src string) (*Templates, error) {
	var t Templates
	for _, r := range []struct {
		name     string
		dst      **template.Template
		required bool
	}{
		{"HEADER", &t.header, false},
		{"ARTICLE_CARD", &t.card, true},
		{"SEPARATOR", &t.separator, false},
		{"FOOTER", &t.footer, false},
	} {
		body, ok := region(src, r.name)
		if !ok {
			if r.required {
				return nil, fmt.Errorf("template region %s not found", r.name)
			}
			logger.Log.Warnf("模板中未找到 %s 区域，按空处理", r.name)
		}
		tpl, err := template.New(strings.ToLower(r.name)).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse template region %s: %w", r.name, err)
		}
		*r.dst = tpl
	}
	return &t, nil
}

func region(src, name string) (string, bool) {
	re := regexp.MustCompile(`(?s)<!-- ===== ` + name + `_START ===== -->(.*?)<!-- ===== ` + name + `_END ===== -->`)
	m := re.FindStringSubmatch(src)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

type headerData struct {
	DateText string
	Count    int
}

type cardData struct {
	Title       string
	URL         string
	AccountName string
	PublishTime string
	CoverURL    string
	Keywords    []string
	Summary     template.HTML
	Stars       template.HTML
	Reason      string
}

// Composer 把选中的文章渲染为富文本日报
type Composer struct {
	tpl        *Templates
	scoreScale int
}

// NewComposer templateFile 为空时使用内置模板
func NewComposer(templateFile string, scoreScale int) (*Composer, error) {
	tpl, err := LoadTemplates(templateFile)
	if err != nil {
		return nil, err
	}
	if scoreScale <= 0 {
		scoreScale = starCount
	}
	return &Composer{tpl: tpl, scoreScale: scoreScale}, nil
}

// Compose 结构为 HEADER + CARD (+ SEPARATOR + CARD)* + FOOTER，输出经过规范化的完整文档
func (c *Composer) Compose(window model.TimeWindow, selected []model.ScoredArticle) (string, error) {
	if len(selected) == 0 {
		return "", fmt.Errorf("no article selected")
	}

	parts := make([]string, 0, 2*len(selected)+1)
	hd := headerData{DateText: DateText(window), Count: len(selected)}
	header, err := execute(c.tpl.header, hd)
	if err != nil {
		return "", err
	}
	parts = append(parts, header)

	for i := range selected {
		if i > 0 {
			sep, err := execute(c.tpl.separator, hd)
			if err != nil {
				return "", err
			}
			parts = append(parts, sep)
		}
		card, err := execute(c.tpl.card, c.card(&selected[i]))
		if err != nil {
			return "", fmt.Errorf("render card %q: %w", selected[i].Metadata.Title, err)
		}
		parts = append(parts, card)
	}

	footer, err := execute(c.tpl.footer, hd)
	if err != nil {
		return "", err
	}
	parts = append(parts, footer)

	doc := `<!DOCTYPE html><html lang="zh-CN"><head><meta charset="UTF-8"><title>AI公众号精选速览 ` +
		html.EscapeString(DateText(window)) + `</title></head><body>` +
		strings.Join(parts, "\n\n") + `</body></html>`
	return richtext.Normalize(doc)
}

func (c *Composer) card(a *model.ScoredArticle) cardData {
	return cardData{
		Title:       a.Metadata.Title,
		URL:         a.Metadata.URL,
		AccountName: a.Metadata.Account,
		PublishTime: a.Metadata.PublishTimeText(),
		CoverURL:    a.Metadata.CoverURL,
		Keywords:    a.Summary.Keywords,
		Summary:     summaryHTML(a.Summary.Summary),
		Stars:       Stars(a.Summary.Score, c.scoreScale),
		Reason:      a.Summary.Reason,
	}
}

// summaryHTML 转义全部标记，只还原 <strong>
func summaryHTML(s string) template.HTML {
	escaped := html.EscapeString(s)
	escaped = strings.ReplaceAll(escaped, "&lt;strong&gt;", "<strong>")
	escaped = strings.ReplaceAll(escaped, "&lt;/strong&gt;", "</strong>")
	// 模型输出的 <strong> 可能不成对
	if open, closed := strings.Count(escaped, "<strong>"), strings.Count(escaped, "</strong>"); open > closed {
		escaped += strings.Repeat("</strong>", open-closed)
	}
	return template.HTML(escaped)
}

// Stars 把 0..scale 的评分折算为 5 颗星
func Stars(score, scale int) template.HTML {
	if scale <= 0 {
		scale = starCount
	}
	n := (score*starCount + scale/2) / scale
	n = max(0, min(n, starCount))
	return template.HTML(strings.Repeat(filledStar, n) + strings.Repeat(emptyStar, starCount-n))
}

// DateText 单日 2026年1月15日，多日 2026年1月13日 - 2026年1月15日，
// 精确到分钟的窗口 2026年1月15日 08:00 - 12:00
func DateText(w model.TimeWindow) string {
	if !w.DayAligned() {
		end := w.End.In(w.Start.Location())
		if end.YearDay() == w.Start.YearDay() && end.Year() == w.Start.Year() {
			return w.Start.Format("2006年1月2日 15:04") + " - " + end.Format("15:04")
		}
		return w.Start.Format("2006年1月2日 15:04") + " - " + end.Format("2006年1月2日 15:04")
	}
	days := w.Days()
	if len(days) <= 1 {
		return w.Start.Format("2006年1月2日")
	}
	return days[0].Format("2006年1月2日") + " - " + days[len(days)-1].Format("2006年1月2日")
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FileName 日报文件名编码覆盖的日期范围
func FileName(w model.TimeWindow) string {
	return "daily_rich_text_" + w.Stamp() + ".html"
}

// Write 原子地写入 dir，返回文件路径
func Write(dir string, w model.TimeWindow, doc string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, FileName(w))

	tmp, err := os.CreateTemp(dir, ".daily-*.html")
	if err != nil {
		return "", fmt.Errorf("create temp digest file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write digest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename digest: %w", err)
	}
	return path, nil
}

// Discover 查找窗口对应的日报文件
func Discover(dir string, w model.TimeWindow) (string, error) {
	path := filepath.Join(dir, FileName(w))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no digest for %s in %s: %w", w.Stamp(), dir, err)
	}
	return path, nil
}
