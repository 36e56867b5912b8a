package summarizer

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strongOpenRe = regexp.MustCompile(`(?i)<strong[^>]*>`)
	strongEndRe  = regexp.MustCompile(`(?i)</strong\s*>`)
	formatTagRe  = regexp.MustCompile(`(?i)</?(?:b|em|i|u|span|div|p|br|font)(?:\s[^>]*)?/?>`)
	spaceRe      = regexp.MustCompile(`\s+`)
	anyTagRe     = regexp.MustCompile(`<[^>]*>`)
)

// 需要转成全角的英文标点
const halfPunct = ",:;!?()"

// toChinesePunct 英文引号按出现顺序成对替换为中文左右引号，其余标点转全角
func toChinesePunct(text string) string {
	var sb strings.Builder
	doubleOpen, singleOpen := false, false
	for _, r := range text {
		switch {
		case r == '"':
			if doubleOpen {
				sb.WriteRune('”')
			} else {
				sb.WriteRune('“')
			}
			doubleOpen = !doubleOpen
		case r == '\'':
			if singleOpen {
				sb.WriteRune('’')
			} else {
				sb.WriteRune('‘')
			}
			singleOpen = !singleOpen
		case strings.ContainsRune(halfPunct, r):
			sb.WriteString(width.Widen.String(string(r)))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// SanitizeSummary 内容速览只保留 <strong> 标记
func SanitizeSummary(text string) string {
	if text == "" {
		return ""
	}
	text = strongOpenRe.ReplaceAllString(text, "<strong>")
	text = strongEndRe.ReplaceAllString(text, "</strong>")
	text = formatTagRe.ReplaceAllString(text, "")
	text = boldRe.ReplaceAllString(text, "$1")
	text = toChinesePunct(text)
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// SanitizeReason 精选理由为纯文本
func SanitizeReason(text string) string {
	if text == "" {
		return ""
	}
	text = strongOpenRe.ReplaceAllString(text, "")
	text = strongEndRe.ReplaceAllString(text, "")
	text = formatTagRe.ReplaceAllString(text, "")
	text = boldRe.ReplaceAllString(text, "$1")
	text = toChinesePunct(text)
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// textLen 去掉标签后的字数
func textLen(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(anyTagRe.ReplaceAllString(text, "")))
}
