package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize 清洗 OCR 原始文本：NFKC 归一化、不换行空格与制表符转空格、
// 数字前的 O/o 改为 0、数字后的 I/l 改为 1、合并连续空白并去除首尾空白。
func Normalize(raw string) string {
	runes := []rune(norm.NFKC.String(raw))
	var b strings.Builder
	b.Grow(len(runes))
	for i, r := range runes {
		switch {
		case r == '\u00a0' || r == '\t':
			r = ' '
		case (r == 'O' || r == 'o') && i+1 < len(runes) && isDigit(runes[i+1]):
			r = '0'
		case (r == 'I' || r == 'l') && i > 0 && isDigit(runes[i-1]):
			r = '1'
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// splitLines 逐行归一化并去掉 markdown 修饰，返回非空行。
func splitLines(raw string) []string {
	parts := strings.Split(raw, "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		line := Normalize(part)
		line = strings.TrimLeft(line, "#*>|- ")
		line = strings.TrimRight(line, "*| ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
