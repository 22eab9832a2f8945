package processor

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var markupTagRe = regexp.MustCompile(`(?i)<(table|tr|td|th|br|p|div)\b`)

var blockElements = map[string]bool{
	"table": true, "tr": true, "p": true, "div": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// flattenMarkup 将 markdown 中的 HTML 片段（主要是表格）展开为纯文本行，
// 单元格以 " | " 分隔。没有 HTML 标签时原样返回。
func flattenMarkup(md string) string {
	if !markupTagRe.MatchString(md) {
		return md
	}
	root, err := html.Parse(strings.NewReader(md))
	if err != nil {
		return md
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "br":
				b.WriteString("\n")
			case "td", "th":
				if prevElement(n) != nil {
					b.WriteString(" | ")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(root)
	return b.String()
}

func prevElement(n *html.Node) *html.Node {
	for p := n.PrevSibling; p != nil; p = p.PrevSibling {
		if p.Type == html.ElementNode {
			return p
		}
	}
	return nil
}
