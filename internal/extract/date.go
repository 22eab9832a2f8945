package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dmyRe     = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2,4})$`)
	ymdRe     = regexp.MustCompile(`^(\d{4})[/\-.](\d{1,2})[/\-.](\d{1,2})$`)
)

// ParseDate 将抽取到的日期字符串解析为 UTC 日期，年份须在 [2000,2100)。
// 支持 RFC3339、YYYY-MM-DD、D/M/Y（两位年份补 2000）与 Y/M/D。
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		value = t.Format("2006-01-02")
	}

	if isoDateRe.MatchString(value) {
		parts := strings.Split(value, "-")
		if t, ok := buildDate(atoi(parts[0]), atoi(parts[1]), atoi(parts[2])); ok {
			return t, true
		}
	}

	if m := dmyRe.FindStringSubmatch(value); m != nil {
		year := atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if t, ok := buildDate(year, atoi(m[2]), atoi(m[1])); ok {
			return t, true
		}
	}

	if m := ymdRe.FindStringSubmatch(value); m != nil {
		if t, ok := buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

func buildDate(year, month, day int) (time.Time, bool) {
	if year < 2000 || year >= 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func isoDate(year, month, day int) (string, bool) {
	t, ok := buildDate(year, month, day)
	if !ok {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// frenchMonth 将法语月份全称或缩写映射为月份序号。
func frenchMonth(token string) int {
	tok := strings.TrimSuffix(strings.ToLower(token), ".")
	tok = strings.NewReplacer("é", "e", "è", "e", "û", "u").Replace(tok)
	switch {
	case strings.HasPrefix(tok, "jan"):
		return 1
	case strings.HasPrefix(tok, "fev"):
		return 2
	case strings.HasPrefix(tok, "mar"):
		return 3
	case strings.HasPrefix(tok, "avr"):
		return 4
	case tok == "mai":
		return 5
	case strings.HasPrefix(tok, "juil"):
		return 7
	case strings.HasPrefix(tok, "juin"):
		return 6
	case strings.HasPrefix(tok, "aou"):
		return 8
	case strings.HasPrefix(tok, "sep"):
		return 9
	case strings.HasPrefix(tok, "oct"):
		return 10
	case strings.HasPrefix(tok, "nov"):
		return 11
	case strings.HasPrefix(tok, "dec"):
		return 12
	}
	return 0
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
