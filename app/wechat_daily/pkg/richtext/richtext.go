package richtext

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoSection 文档中找不到 <section> 主容器
var ErrNoSection = errors.New("no <section> container found")

// 块级容器的样式重置，拼在原有样式之前，原有显式样式仍然生效
const resetStyle = "margin: 0; padding: 0; text-indent: 0;"

var (
	interTagSpaceRe = regexp.MustCompile(`>\s+<`)
	lineBreakRe     = regexp.MustCompile(`\s*\n\s*`)
)

// Normalize 规范化完整的 HTML 文档：
// 删除纯空白文本节点，去掉源码缩进，为块级容器补充样式重置，并删除标签间空白。
func Normalize(doc string) (string, error) {
	root, main, err := parse(doc)
	if err != nil {
		return "", err
	}
	normalize(root, main)
	return render(root)
}

// MainSection 规范化后只输出第一个 <section> 主容器
func MainSection(doc string) (string, error) {
	root, main, err := parse(doc)
	if err != nil {
		return "", err
	}
	if main == nil || main.DataAtom != atom.Section {
		return "", ErrNoSection
	}
	normalize(root, main)
	return render(main)
}

// ToWeChat 转换为公众号草稿接口接受的正文：
// 只保留主容器，可选地把 h1-h6 改为 p，并去掉所有换行。
func ToWeChat(doc string, convertHeadings bool) (string, error) {
	root, main, err := parse(doc)
	if err != nil {
		return "", err
	}
	if main == nil || main.DataAtom != atom.Section {
		return "", ErrNoSection
	}
	normalize(root, main)
	if convertHeadings {
		walk(main, func(n *html.Node) {
			if n.Type == html.ElementNode && isHeading(n.DataAtom) {
				n.DataAtom = atom.P
				n.Data = "p"
			}
		})
	}
	out, err := render(main)
	if err != nil {
		return "", err
	}
	return lineBreakRe.ReplaceAllString(out, ""), nil
}

func parse(doc string) (root, main *html.Node, err error) {
	root, err = html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, nil, err
	}
	main = find(root, atom.Section)
	if main == nil {
		main = find(root, atom.Body)
	}
	return root, main, nil
}

func normalize(root, main *html.Node) {
	if main == nil {
		return
	}
	cleanText(main, true)
	if body := find(root, atom.Body); body != nil && body != main {
		cleanText(body, false)
	}
	for c := main.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			switch n.DataAtom {
			case atom.Section, atom.Div, atom.P:
				prependStyle(n)
			}
		})
	}
}

// cleanText 删除纯空白文本节点；含换行的文本视为源码缩进，去掉首尾空白。
// deep 为 false 时只处理直接子节点。
func cleanText(n *html.Node, deep bool) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.TextNode:
			trimmed := strings.TrimSpace(c.Data)
			if trimmed == "" {
				n.RemoveChild(c)
			} else if strings.Contains(c.Data, "\n") {
				c.Data = trimmed
			}
		case deep && c.Type == html.ElementNode && !isRaw(c.DataAtom):
			cleanText(c, true)
		}
		c = next
	}
}

func prependStyle(n *html.Node) {
	for i, a := range n.Attr {
		if a.Key == "style" {
			if s := strings.TrimSpace(a.Val); s != "" {
				n.Attr[i].Val = resetStyle + " " + s
			} else {
				n.Attr[i].Val = resetStyle
			}
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: "style", Val: resetStyle})
}

func render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return interTagSpaceRe.ReplaceAllString(buf.String(), "><"), nil
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func isHeading(a atom.Atom) bool {
	switch a {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func isRaw(a atom.Atom) bool {
	return a == atom.Script || a == atom.Style || a == atom.Pre || a == atom.Textarea
}
