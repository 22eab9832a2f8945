// Package extract 实现 OCR 文本的归一化与发票字段启发式抽取。
package extract

import (
	"github.com/shopspring/decimal"

	"invoice-intake/internal/validate"
)

// 字段名，与置信度 JSON 中的键保持一致。
const (
	FieldIBAN          = "iban"
	FieldEmail         = "email"
	FieldPhone         = "phone"
	FieldSiret         = "siret"
	FieldAddress       = "address"
	FieldInvoiceNumber = "invoiceNumber"
	FieldVendor        = "vendor"
	FieldClientName    = "clientName"
	FieldAmount        = "amount"
	FieldVatAmount     = "vatAmount"
	FieldDate          = "date"
)

// DefaultVendor 为未识别到供应商时的兜底值。
const DefaultVendor = "Inconnu"

// Fields 为抽取出的发票字段，空字符串或 Valid=false 表示缺失。
type Fields struct {
	Vendor        string
	ClientName    string
	InvoiceNumber string
	Amount        decimal.NullDecimal
	VatAmount     decimal.NullDecimal
	Date          string // YYYY-MM-DD
	Iban          string
	Email         string
	Phone         string
	Siret         string
	Address       string
}

// Hit 记录命中的规则及其加分。
type Hit struct {
	Field  string `json:"field"`
	Rule   string `json:"rule"`
	Points int    `json:"points"`
}

// Result 为一次抽取的结果。
type Result struct {
	Fields     Fields
	Confidence int
	Hits       []Hit
}

// Rule 是抽取规则：按顺序执行，同一字段一旦命中即跳过后续规则。
type Rule struct {
	Field  string
	Name   string
	Points int
	Apply  func(doc *Document, f *Fields) bool
}

// Document 是抽取的输入：整体归一化文本与逐行归一化的非空行。
type Document struct {
	Text  string
	Lines []string
}

// NewDocument 从 OCR 原始文本构建 Document。
func NewDocument(raw string) *Document {
	return &Document{Text: Normalize(raw), Lines: splitLines(raw)}
}

// Extractor 按规则表抽取字段。
type Extractor struct {
	rules []Rule
}

// New 创建 Extractor，rules 为空时使用 DefaultRules。
func New(rules []Rule) *Extractor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Extractor{rules: rules}
}

// Extract 使用默认规则表抽取。
func Extract(raw string) Result {
	return New(nil).Extract(raw)
}

// Extract 依次执行规则，累计置信度并截断到 [0,100]。
func (e *Extractor) Extract(raw string) Result {
	doc := NewDocument(raw)
	var res Result
	filled := make(map[string]bool, len(e.rules))
	for _, rule := range e.rules {
		if filled[rule.Field] {
			continue
		}
		if rule.Apply(doc, &res.Fields) {
			filled[rule.Field] = true
			res.Confidence += rule.Points
			res.Hits = append(res.Hits, Hit{Field: rule.Field, Rule: rule.Name, Points: rule.Points})
		}
	}
	res.Confidence = clampConfidence(res.Confidence)
	return res
}

// FillMissing 仅返回 existing 中缺失、且能从文本中抽取到的字段，供补全使用。
// 兜底供应商名不会被写回，IBAN 与 SIRET 未通过校验时不补全。
func FillMissing(raw string, existing Fields) Fields {
	res := Extract(raw)
	var out Fields
	for _, hit := range res.Hits {
		switch hit.Field {
		case FieldVendor:
			if existing.Vendor == "" && hit.Rule != ruleVendorDefault {
				out.Vendor = res.Fields.Vendor
			}
		case FieldClientName:
			if existing.ClientName == "" {
				out.ClientName = res.Fields.ClientName
			}
		case FieldInvoiceNumber:
			if existing.InvoiceNumber == "" {
				out.InvoiceNumber = res.Fields.InvoiceNumber
			}
		case FieldAmount:
			if !existing.Amount.Valid {
				out.Amount = res.Fields.Amount
			}
		case FieldVatAmount:
			amount := existing.Amount
			if !amount.Valid {
				amount = out.Amount
			}
			if !existing.VatAmount.Valid && amount.Valid && res.Fields.VatAmount.Decimal.LessThan(amount.Decimal) {
				out.VatAmount = res.Fields.VatAmount
			}
		case FieldDate:
			if existing.Date == "" {
				out.Date = res.Fields.Date
			}
		case FieldIBAN:
			if existing.Iban == "" && validate.IBAN(res.Fields.Iban) {
				out.Iban = validate.Compact(res.Fields.Iban)
			}
		case FieldEmail:
			if existing.Email == "" {
				out.Email = res.Fields.Email
			}
		case FieldPhone:
			if existing.Phone == "" {
				out.Phone = res.Fields.Phone
			}
		case FieldSiret:
			if existing.Siret == "" && validate.SIRET(res.Fields.Siret) {
				out.Siret = validate.Compact(res.Fields.Siret)
			}
		case FieldAddress:
			if existing.Address == "" {
				out.Address = res.Fields.Address
			}
		}
	}
	return out
}

// Empty 判断是否没有任何字段。
func (f Fields) Empty() bool {
	return f == Fields{}
}

func clampConfidence(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
