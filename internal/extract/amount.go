package extract

import (
	"strings"

	"github.com/shopspring/decimal"
)

// 金额正则片段：空格/点分隔千位 + 逗号小数，逗号分隔千位 + 点小数，或普通小数。
const amountNumber = `(\d{1,3}(?:[ .]\d{3})+(?:,\d{1,2})?|\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:[.,]\d{1,2})?)\b`

var maxAmount = decimal.NewFromInt(1_000_000)

// ParseAmount 解析法式或英式金额写法。
// 同时出现逗号和点时，最后出现的为小数点；只有一种分隔符时，后面恰好跟 3 位数字视为千位分隔。
func ParseAmount(s string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if isDigit(r) || r == ',' || r == '.' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return decimal.Decimal{}, false
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		cleaned = resolveSeparator(cleaned, ",")
	case lastDot >= 0:
		cleaned = resolveSeparator(cleaned, ".")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func resolveSeparator(s, sep string) string {
	parts := strings.Split(s, sep)
	last := parts[len(parts)-1]
	if len(parts) > 2 || len(last) == 3 {
		return strings.Join(parts, "")
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	if last == "" {
		return whole
	}
	return whole + "." + last
}

// amountInRange 过滤明显异常的金额：必须大于 0 且小于 1 000 000。
func amountInRange(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThan(maxAmount)
}
