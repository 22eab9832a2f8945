// Package validate 提供带校验位的证件号校验：IBAN (ISO 7064 mod-97-10) 与 SIRET (Luhn)。
package validate

import (
	"strings"
	"unicode"
)

// IBAN 校验法国 IBAN：FR + 25 位数字，且 mod 97 余数为 1。
func IBAN(s string) bool {
	compact := strings.ToUpper(stripSpace(s))
	if len(compact) != 27 || !strings.HasPrefix(compact, "FR") || !allDigits(compact[2:]) {
		return false
	}

	rearranged := compact[4:] + compact[:4]
	remainder := 0
	for _, r := range rearranged {
		if r >= 'A' && r <= 'Z' {
			// 字母展开为两位数字 (A=10 ... Z=35)
			code := int(r) - 55
			remainder = (remainder*10 + code/10) % 97
			remainder = (remainder*10 + code%10) % 97
			continue
		}
		remainder = (remainder*10 + int(r-'0')) % 97
	}
	return remainder == 1
}

// SIRET 校验 14 位 SIRET，偶数下标（从 0 开始）数字加倍。
func SIRET(s string) bool {
	digits := stripSpace(s)
	if len(digits) != 14 || !allDigits(digits) {
		return false
	}

	sum := 0
	for i, r := range digits {
		v := int(r - '0')
		if i%2 == 0 {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
	}
	return sum%10 == 0
}

// Compact 去掉空白并转大写，用于存储通过校验的值。
func Compact(s string) string {
	return strings.ToUpper(stripSpace(s))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
