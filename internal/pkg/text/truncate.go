// Package text 提供日志与错误信息的截断工具。
package text

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "..."

// Truncate 按字节上限截断，不切断多字节字符；超长时追加省略号（计入上限）。
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return cut(s, max)
	}
	return cut(s, max-len(ellipsis)) + ellipsis
}

// Snippet 去掉首尾空白并压缩换行，用于记录上游响应体片段。
func Snippet(body []byte, max int) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	return Truncate(s, max)
}

func cut(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
