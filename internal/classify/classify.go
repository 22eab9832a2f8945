// Package classify 根据供应商名称与 OCR 文本将发票归入所属公司。
package classify

import (
	"strings"
	"unicode"

	"invoice-intake/internal/model"
)

// Rule 描述一个公司的识别规则。关键字与排除词均为清洗后（小写、仅字母数字）的子串。
type Rule struct {
	Company          model.Company `yaml:"company"`
	VendorKeywords   []string      `yaml:"vendor_keywords"`
	TextKeywords     []string      `yaml:"text_keywords"`
	VendorExclusions []string      `yaml:"vendor_exclusions"`
	TextExclusions   []string      `yaml:"text_exclusions"`
}

// DefaultRules 返回内置的三家公司规则，两层使用同一组关键字。
// sofian 包含 sofia，因此 SOFIANE 排在前面，SOFIA 同时排除 sofian。
func DefaultRules() []Rule {
	sofiane := []string{"sofian", "sofiane"}
	garage := []string{"garage", "expertise", "mecanique", "mécanique", "automobile"}
	return []Rule{
		{
			Company:        model.CompanySofianeTransport,
			VendorKeywords: sofiane,
			TextKeywords:   sofiane,
		},
		{
			Company:          model.CompanySofiaTransport,
			VendorKeywords:   []string{"sofia"},
			TextKeywords:     []string{"sofia"},
			VendorExclusions: []string{"sofian"},
			TextExclusions:   []string{"sofian"},
		},
		{
			Company:        model.CompanyGarageExpertise,
			VendorKeywords: garage,
			TextKeywords:   garage,
		},
	}
}

// Classifier 按规则表顺序匹配，先看供应商名，再看全文。
type Classifier struct {
	rules []Rule
}

// NewClassifier 创建 Classifier，rules 为空时使用 DefaultRules。
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	cleaned := make([]Rule, len(rules))
	for i, r := range rules {
		cleaned[i] = Rule{
			Company:          r.Company,
			VendorKeywords:   cleanAll(r.VendorKeywords),
			TextKeywords:     cleanAll(r.TextKeywords),
			VendorExclusions: cleanAll(r.VendorExclusions),
			TextExclusions:   cleanAll(r.TextExclusions),
		}
	}
	return &Classifier{rules: cleaned}
}

var defaultClassifier = NewClassifier(nil)

// Classify 使用默认规则表。
func Classify(vendor, text string) model.Company {
	return defaultClassifier.Classify(vendor, text)
}

// Classify 返回第一个命中的公司；两层都未命中时返回 UNKNOWN。
func (c *Classifier) Classify(vendor, text string) model.Company {
	if v := Clean(vendor); v != "" {
		for _, r := range c.rules {
			if containsAny(v, r.VendorKeywords) && !containsAny(v, r.VendorExclusions) {
				return r.Company
			}
		}
	}
	if t := Clean(text); t != "" {
		for _, r := range c.rules {
			if containsAny(t, r.TextKeywords) && !containsAny(t, r.TextExclusions) {
				return r.Company
			}
		}
	}
	return model.CompanyUnknown
}

// Clean 转小写并去掉字母数字以外的字符。
func Clean(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

func cleanAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if c := Clean(w); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
