// Package listfile 读写采集阶段产出的文章链接清单（markdown 格式），
// 两种采集方式共用同一种落盘格式，后续阶段无需关心来源。
package listfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

const (
	title        = "# 公众号文章链接采集结果"
	separator    = "---"
	minuteLayout = "2006-01-02 15:04"
)

var (
	linkRe    = regexp.MustCompile(`^\d+\.\s+(https?://\S+)$`)
	sectionRe = regexp.MustCompile(`^##\s+(.+)$`)
)

// Section 一个公众号及其文章链接
type Section struct {
	Account string
	URLs    []string
}

// Document 清单文件内容
type Document struct {
	CollectedAt time.Time
	Window      model.TimeWindow
	Method      string
	Sections    []Section
}

// FromReferences 按公众号分组，保持首次出现顺序
func FromReferences(refs []model.ArticleReference) []Section {
	index := map[string]int{}
	var sections []Section
	for _, ref := range refs {
		i, ok := index[ref.Account]
		if !ok {
			i = len(sections)
			index[ref.Account] = i
			sections = append(sections, Section{Account: ref.Account})
		}
		sections[i].URLs = append(sections[i].URLs, ref.URL)
	}
	return sections
}

// FileName 清单文件名，编码了覆盖的日期范围
func FileName(w model.TimeWindow) string {
	return "articles_" + w.Stamp() + ".md"
}

// Encode 输出 markdown 文本
func (d *Document) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	total := 0
	for _, s := range d.Sections {
		total += len(s.URLs)
	}

	fmt.Fprintf(bw, "%s\n\n", title)
	fmt.Fprintf(bw, "采集时间：%s\n", d.CollectedAt.Format(time.DateTime))
	days := d.Window.Days()
	switch {
	case !d.Window.DayAligned():
		fmt.Fprintf(bw, "时间范围：%s ~ %s\n", d.Window.Start.Format(minuteLayout), d.Window.End.In(d.Window.Start.Location()).Format(minuteLayout))
	case len(days) > 1:
		fmt.Fprintf(bw, "时间范围：%s ~ %s\n", days[0].Format(time.DateOnly), days[len(days)-1].Format(time.DateOnly))
	default:
		fmt.Fprintf(bw, "目标日期：%s\n", d.Window.Start.Format(time.DateOnly))
	}
	fmt.Fprintf(bw, "采集方式：%s\n", d.Method)
	fmt.Fprintf(bw, "文章总数：%d\n\n%s\n", total, separator)

	for _, s := range d.Sections {
		fmt.Fprintf(bw, "\n## %s\n\n", s.Account)
		for i, u := range s.URLs {
			fmt.Fprintf(bw, "%d. %s\n", i+1, u)
		}
	}
	return bw.Flush()
}

// Write 写入 dir 下按窗口命名的文件，先写临时文件再改名，中断时不会留下半截清单
func Write(dir string, d *Document) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, FileName(d.Window))

	tmp, err := os.CreateTemp(dir, ".articles-*.md")
	if err != nil {
		return "", fmt.Errorf("create temp list file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := d.Encode(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write list file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename list file: %w", err)
	}
	return path, nil
}

// Parse 读取清单中 --- 之后的链接，重复链接只保留第一次
func Parse(r io.Reader) ([]model.ArticleReference, error) {
	var (
		refs    []model.ArticleReference
		seen    = map[string]bool{}
		body    bool
		account string
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !body {
			body = line == separator
			continue
		}
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			account = strings.TrimSpace(m[1])
			continue
		}
		m := linkRe.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		refs = append(refs, model.ArticleReference{URL: m[1], Account: account})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !body {
		return nil, errors.New("list file has no '---' separator")
	}
	return refs, nil
}

// ParseFile 读取文件版本
func ParseFile(path string) ([]model.ArticleReference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	refs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return refs, nil
}

// Discover 查找窗口对应的清单文件，未给出显式路径时使用
func Discover(dir string, w model.TimeWindow) (string, error) {
	path := filepath.Join(dir, FileName(w))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no list file for %s in %s: %w", w.Stamp(), dir, err)
	}
	return path, nil
}
