package extract

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	ruleVendorLegal   = "vendor.legal_form"
	ruleVendorLine    = "vendor.first_line"
	ruleVendorDefault = "vendor.default"

	maxHeaderLines = 20
)

var (
	ibanFullRe    = regexp.MustCompile(`(?i)\bFR\d{2}(?:\s?[0-9A-Z]{4}){5}\s?[0-9A-Z]{3}\b`)
	ibanGroupedRe = regexp.MustCompile(`(?i)FR\d{2}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{2}`)
	ibanLooseRe   = regexp.MustCompile(`(?i)FR[A-Z0-9]{23}`)
	emailRe       = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneLabelRe  = regexp.MustCompile(`(?i)(?:t[ée]l(?:[ée]phone)?|phone)[\s:.]*(\d{2}[\s.-]?\d{2}[\s.-]?\d{2}[\s.-]?\d{2}[\s.-]?\d{2})`)
	phoneBareRe   = regexp.MustCompile(`\b0\d(?:[\s.-]?\d{2}){4}\b`)
	siretRe       = regexp.MustCompile(`\b\d{14}\b`)
	addressRe     = regexp.MustCompile(`\d+[\s,]+[A-Z][a-zéèêëàâäùûüôöîï]+[\s,]+[A-Z]{2,5}`)

	invoiceNumberRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)N°\s*(?:de\s*)?(?:facture|invoice)?\s*[:.\-]?\s*([A-Z0-9]{4,})`),
		regexp.MustCompile(`(?i)Facture\s*(?:n°|no|numéro|#)?\s*[:.\-]?\s*([A-Z0-9]{4,})`),
		regexp.MustCompile(`(?i)N°\s*([A-Z0-9\-]{4,})`),
		regexp.MustCompile(`(?i)Invoice\s*(?:n°|no|#)?\s*[:.\-]?\s*([A-Z0-9\-]{4,})`),
		regexp.MustCompile(`(?i)(?:Référence|Reference|Réf|Ref)\s*[:.\-]?\s*([A-Z0-9\-]{4,})`),
		regexp.MustCompile(`(?i)\b(FA\d{6,})\b`),
		regexp.MustCompile(`(?i)\b(INV\d{6,})\b`),
		regexp.MustCompile(`(?i)\b(20\d{2}[A-Z0-9]{4,})\b`),
	}

	legalFormRe       = regexp.MustCompile(`\b(?:SARL|SASU|SAS|SA|EURL|SCI|SNC|SELARL)\b`)
	capsBeforeLegalRe = regexp.MustCompile(`(?:^|\s)([A-Z0-9][A-Z0-9&'.\-]*(?:\s+[A-Z0-9&'.\-]+)*\s+(?:SARL|SASU|SAS|SA|EURL|SCI|SNC|SELARL))\b`)
	numericLineRe     = regexp.MustCompile(`^[\d\s.,:;/€%+()\-]+$`)
	clientRe          = regexp.MustCompile(`(?i)(?:adress[ée]e?\s+à|factur[ée]e?\s+à|client|destinataire)\s*[:\-]?\s*(\p{Lu}[\p{L}0-9&'. \-]{1,59})`)

	labeledAmountRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)NET\s*[ÀA]\s*PAYER\s*(?:TTC)?\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber),
		regexp.MustCompile(`(?i)SOLDE\s*[ÀA]\s*PAYER\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber),
		regexp.MustCompile(`(?i)MONTANT\s*(?:\(?\s*NET\s*\)?\s*)?TTC\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber),
		regexp.MustCompile(`(?i)TOTAL\s*TTC\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber),
	}
	euroAmountRe = regexp.MustCompile(amountNumber + `\s*€`)

	vatRate = `(?:\s*\(?\s*\d{1,2}(?:[.,]\d{1,2})?\s*%\s*\)?)?`
	vatRes  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:MONTANT|TOTAL)\s*(?:DE\s*(?:LA\s*)?)?TVA` + vatRate + `\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber + `(\s*%)?`),
		regexp.MustCompile(`(?i)\bTVA` + vatRate + `\s*[:\-]?\s*\|?\s*(?:€\s*)?` + amountNumber + `(\s*%)?`),
	}

	labeledDateRe = regexp.MustCompile(`(?i)\bdate\b[^0-9]{0,30}?(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2,4})`)
	frenchDateRe  = regexp.MustCompile(`(?i)\b(\d{1,2})(?:er)?\s+(janvier|janv\.?|février|fevrier|févr\.?|fevr\.?|mars|avril|avr\.?|mai|juin|juillet|juil\.?|août|aout|septembre|sept\.?|octobre|oct\.?|novembre|nov\.?|décembre|decembre|déc\.?|dec\.?)\s+(\d{4})`)
	slashDateRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	bareISODateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

	labelPrefixes = []string{
		"facture", "invoice", "date", "total", "montant", "tva", "net", "solde", "sous-total",
		"client", "adressé", "facturé", "destinataire", "n°", "réf", "ref", "tél", "tel",
		"email", "e-mail", "iban", "bic", "siret", "siren", "page", "échéance", "règlement",
		"désignation", "description", "quantité", "prix",
	}
)

// DefaultRules 返回默认规则表，顺序与加分决定抽取行为。
func DefaultRules() []Rule {
	return []Rule{
		{Field: FieldIBAN, Name: "iban.full", Points: 10, Apply: matchIBAN(ibanFullRe)},
		{Field: FieldIBAN, Name: "iban.grouped", Points: 10, Apply: matchIBAN(ibanGroupedRe)},
		{Field: FieldIBAN, Name: "iban.loose", Points: 10, Apply: matchIBAN(ibanLooseRe)},
		{Field: FieldEmail, Name: "email", Points: 10, Apply: func(doc *Document, f *Fields) bool {
			f.Email = emailRe.FindString(doc.Text)
			return f.Email != ""
		}},
		{Field: FieldPhone, Name: "phone.labeled", Points: 10, Apply: func(doc *Document, f *Fields) bool {
			if m := phoneLabelRe.FindStringSubmatch(doc.Text); m != nil {
				f.Phone = m[1]
			}
			return f.Phone != ""
		}},
		{Field: FieldPhone, Name: "phone.bare", Points: 10, Apply: func(doc *Document, f *Fields) bool {
			f.Phone = phoneBareRe.FindString(doc.Text)
			return f.Phone != ""
		}},
		{Field: FieldSiret, Name: "siret", Points: 10, Apply: func(doc *Document, f *Fields) bool {
			f.Siret = siretRe.FindString(doc.Text)
			return f.Siret != ""
		}},
		{Field: FieldAddress, Name: "address", Points: 5, Apply: func(doc *Document, f *Fields) bool {
			f.Address = addressRe.FindString(doc.Text)
			return f.Address != ""
		}},
		{Field: FieldInvoiceNumber, Name: "invoice_number", Points: 20, Apply: matchInvoiceNumber},
		{Field: FieldVendor, Name: ruleVendorLegal, Points: 30, Apply: matchVendorLegalForm},
		{Field: FieldVendor, Name: ruleVendorLine, Points: 20, Apply: matchVendorLine},
		{Field: FieldVendor, Name: ruleVendorDefault, Points: 5, Apply: func(_ *Document, f *Fields) bool {
			f.Vendor = DefaultVendor
			return true
		}},
		{Field: FieldClientName, Name: "client_name", Points: 15, Apply: matchClientName},
		{Field: FieldAmount, Name: "amount.labeled", Points: 30, Apply: matchLabeledAmount},
		{Field: FieldAmount, Name: "amount.euro", Points: 20, Apply: matchEuroAmount},
		{Field: FieldVatAmount, Name: "vat_amount", Points: 15, Apply: matchVatAmount},
		{Field: FieldDate, Name: "date.labeled", Points: 20, Apply: matchDMY(labeledDateRe)},
		{Field: FieldDate, Name: "date.french_month", Points: 20, Apply: matchFrenchDate},
		{Field: FieldDate, Name: "date.slash", Points: 20, Apply: matchDMY(slashDateRe)},
		{Field: FieldDate, Name: "date.iso", Points: 20, Apply: matchISODate},
	}
}

func matchIBAN(re *regexp.Regexp) func(*Document, *Fields) bool {
	return func(doc *Document, f *Fields) bool {
		m := re.FindString(doc.Text)
		if m == "" {
			return false
		}
		f.Iban = strings.ToUpper(m)
		return true
	}
}

func matchInvoiceNumber(doc *Document, f *Fields) bool {
	for _, line := range headerLines(doc) {
		for _, re := range invoiceNumberRes {
			if m := re.FindStringSubmatch(line); m != nil && m[1] != "" {
				f.InvoiceNumber = strings.TrimSpace(m[1])
				return true
			}
		}
	}
	return false
}

func matchVendorLegalForm(doc *Document, f *Fields) bool {
	for _, line := range headerLines(doc) {
		if isLabelLine(line) || numericLineRe.MatchString(line) {
			continue
		}
		if m := capsBeforeLegalRe.FindStringSubmatch(line); m != nil {
			f.Vendor = clip(strings.TrimSpace(m[1]), 50)
			return true
		}
		loc := legalFormRe.FindStringIndex(line)
		if loc == nil {
			continue
		}
		candidate := strings.TrimSpace(line[:loc[1]])
		if loc[0] == 0 {
			candidate = line
		}
		candidate = strings.TrimRight(candidate, " ,;:-")
		if utf8.RuneCountInString(candidate) < 3 {
			continue
		}
		f.Vendor = clip(candidate, 50)
		return true
	}
	return false
}

func matchVendorLine(doc *Document, f *Fields) bool {
	for _, line := range headerLines(doc) {
		n := utf8.RuneCountInString(line)
		if n < 3 || n > 50 || isLabelLine(line) || numericLineRe.MatchString(line) {
			continue
		}
		first, _ := utf8.DecodeRuneInString(line)
		if !unicode.IsUpper(first) {
			continue
		}
		f.Vendor = line
		return true
	}
	return false
}

func matchClientName(doc *Document, f *Fields) bool {
	for _, line := range doc.Lines {
		for _, m := range clientRe.FindAllStringSubmatch(line, -1) {
			name := strings.TrimRight(strings.TrimSpace(m[1]), " .,-")
			if name == "" || strings.EqualFold(name, f.Vendor) {
				continue
			}
			f.ClientName = name
			return true
		}
	}
	return false
}

func matchLabeledAmount(doc *Document, f *Fields) bool {
	var best decimal.NullDecimal
	for _, re := range labeledAmountRes {
		for _, m := range re.FindAllStringSubmatch(doc.Text, -1) {
			best = maxCandidate(best, m[1])
		}
	}
	f.Amount = best
	return best.Valid
}

func matchEuroAmount(doc *Document, f *Fields) bool {
	var best decimal.NullDecimal
	for _, m := range euroAmountRe.FindAllStringSubmatch(doc.Text, -1) {
		best = maxCandidate(best, m[1])
	}
	f.Amount = best
	return best.Valid
}

func maxCandidate(best decimal.NullDecimal, raw string) decimal.NullDecimal {
	v, ok := ParseAmount(raw)
	if !ok || !amountInRange(v) {
		return best
	}
	if !best.Valid || v.GreaterThan(best.Decimal) {
		return decimal.NullDecimal{Decimal: v, Valid: true}
	}
	return best
}

// matchVatAmount 取第一个严格小于总金额的候选值，总金额缺失时不抽取。
func matchVatAmount(doc *Document, f *Fields) bool {
	if !f.Amount.Valid {
		return false
	}
	for _, re := range vatRes {
		for _, m := range re.FindAllStringSubmatch(doc.Text, -1) {
			if m[2] != "" {
				continue // 税率而非金额
			}
			v, ok := ParseAmount(m[1])
			if !ok || v.IsNegative() || !v.LessThan(f.Amount.Decimal) {
				continue
			}
			f.VatAmount = decimal.NullDecimal{Decimal: v, Valid: true}
			return true
		}
	}
	return false
}

func matchDMY(re *regexp.Regexp) func(*Document, *Fields) bool {
	return func(doc *Document, f *Fields) bool {
		for _, m := range re.FindAllStringSubmatch(doc.Text, -1) {
			year := atoi(m[3])
			if len(m[3]) == 2 {
				year += 2000
			}
			if iso, ok := isoDate(year, atoi(m[2]), atoi(m[1])); ok {
				f.Date = iso
				return true
			}
		}
		return false
	}
}

func matchFrenchDate(doc *Document, f *Fields) bool {
	for _, m := range frenchDateRe.FindAllStringSubmatch(doc.Text, -1) {
		if iso, ok := isoDate(atoi(m[3]), frenchMonth(m[2]), atoi(m[1])); ok {
			f.Date = iso
			return true
		}
	}
	return false
}

func matchISODate(doc *Document, f *Fields) bool {
	for _, m := range bareISODateRe.FindAllStringSubmatch(doc.Text, -1) {
		if iso, ok := isoDate(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			f.Date = iso
			return true
		}
	}
	return false
}

func headerLines(doc *Document) []string {
	if len(doc.Lines) > maxHeaderLines {
		return doc.Lines[:maxHeaderLines]
	}
	return doc.Lines
}

func isLabelLine(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range labelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
