// Package gate 综合抽取置信度、字段校验结果与关键字段是否齐全，决定发票是否需要人工复核。
package gate

import (
	"time"

	"gorm.io/datatypes"

	"invoice-intake/internal/extract"
	"invoice-intake/internal/model"
	"invoice-intake/internal/validate"
)

const (
	// ReviewThreshold 为整体置信度阈值，低于该值需要复核。
	ReviewThreshold = 80
	// CriticalFieldThreshold 为关键字段子分阈值。
	CriticalFieldThreshold = 70
)

// Input 为门控判断的输入。
type Input struct {
	Fields         extract.Fields
	Confidence     int
	NormalizedText string
	Date           *time.Time
	Company        model.Company
}

// FieldConfidence 为各字段子分；指针为 nil 表示该字段缺失（序列化为 null）。
type FieldConfidence struct {
	Vendor        int  `json:"vendor"`
	Amount        int  `json:"amount"`
	Date          int  `json:"date"`
	InvoiceNumber int  `json:"invoiceNumber"`
	Company       int  `json:"company"`
	Iban          *int `json:"iban"`
	Siret         *int `json:"siret"`
	VatAmount     *int `json:"vatAmount"`
	TextLength    int  `json:"textLength"`
}

// Decision 为门控结果。
type Decision struct {
	FieldConfidence FieldConfidence
	ReviewRequired  bool
}

// Evaluate 计算字段子分与是否需要复核。
func Evaluate(in Input) Decision {
	f := in.Fields
	amountValid := f.Amount.Valid && f.Amount.Decimal.IsPositive()

	ibanValid := f.Iban == "" || validate.IBAN(f.Iban)
	siretValid := f.Siret == "" || validate.SIRET(f.Siret)
	vatValid := !f.VatAmount.Valid ||
		(amountValid && !f.VatAmount.Decimal.IsNegative() && f.VatAmount.Decimal.LessThanOrEqual(f.Amount.Decimal))

	fc := FieldConfidence{
		Vendor:        score(f.Vendor != "", 85),
		Amount:        score(amountValid, 85),
		Date:          score(in.Date != nil, 85),
		InvoiceNumber: score(f.InvoiceNumber != "", 80),
		Company:       score(in.Company != "" && in.Company != model.CompanyUnknown, 80),
		TextLength:    len([]rune(in.NormalizedText)),
	}
	if f.Iban != "" {
		fc.Iban = validity(ibanValid, 95)
	}
	if f.Siret != "" {
		fc.Siret = validity(siretValid, 95)
	}
	if f.VatAmount.Valid {
		fc.VatAmount = validity(vatValid, 80)
	}

	hasCritical := f.Vendor != "" && f.Amount.Valid && in.Date != nil && f.InvoiceNumber != ""

	review := in.Confidence < ReviewThreshold ||
		!hasCritical ||
		fc.Vendor < CriticalFieldThreshold ||
		fc.Amount < CriticalFieldThreshold ||
		fc.Date < CriticalFieldThreshold ||
		fc.InvoiceNumber < CriticalFieldThreshold ||
		!ibanValid ||
		!siretValid ||
		!vatValid

	return Decision{FieldConfidence: fc, ReviewRequired: review}
}

// Status 将门控结果映射为发票状态。
func (d Decision) Status() model.InvoiceStatus {
	if d.ReviewRequired {
		return model.InvoiceStatusToProcess
	}
	return model.InvoiceStatusProcessed
}

// JSONMap 返回写入 ocr_data 列的结构。
func (d Decision) JSONMap() datatypes.JSONMap {
	fc := d.FieldConfidence
	return datatypes.JSONMap{
		"reviewRequired": d.ReviewRequired,
		"fieldConfidence": map[string]any{
			"vendor":        fc.Vendor,
			"amount":        fc.Amount,
			"date":          fc.Date,
			"invoiceNumber": fc.InvoiceNumber,
			"company":       fc.Company,
			"iban":          nullable(fc.Iban),
			"siret":         nullable(fc.Siret),
			"vatAmount":     nullable(fc.VatAmount),
			"textLength":    fc.TextLength,
		},
	}
}

func score(ok bool, points int) int {
	if ok {
		return points
	}
	return 0
}

func validity(ok bool, high int) *int {
	v := 20
	if ok {
		v = high
	}
	return &v
}

func nullable(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
