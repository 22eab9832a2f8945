package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus 表示发票生命周期状态。
type InvoiceStatus string

const (
	InvoiceStatusToProcess  InvoiceStatus = "TO_PROCESS"
	InvoiceStatusProcessing InvoiceStatus = "PROCESSING"
	InvoiceStatusProcessed  InvoiceStatus = "PROCESSED"
	InvoiceStatusError      InvoiceStatus = "ERROR"
	InvoiceStatusValidated  InvoiceStatus = "VALIDATED"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusProcessing: {InvoiceStatusProcessed, InvoiceStatusToProcess, InvoiceStatusError},
	InvoiceStatusToProcess:  {InvoiceStatusValidated},
	InvoiceStatusProcessed:  {InvoiceStatusValidated},
	// 仅允许人工重新入队。
	InvoiceStatusError: {InvoiceStatusProcessing},
}

// Valid 判断是否为已知状态。
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusToProcess, InvoiceStatusProcessing, InvoiceStatusProcessed, InvoiceStatusError, InvoiceStatusValidated:
		return true
	}
	return false
}

// CanTransition 判断状态迁移是否合法，VALIDATED 为终态。
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	if s == to {
		return true
	}
	for _, next := range invoiceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Company 表示发票归属的业务主体。
type Company string

const (
	CompanySofiaTransport   Company = "SOFIA_TRANSPORT"
	CompanySofianeTransport Company = "SOFIANE_TRANSPORT"
	CompanyGarageExpertise  Company = "GARAGE_EXPERTISE"
	CompanyUnknown          Company = "UNKNOWN"
)

// Invoice 表示一份上传的发票文档及其识别结果。
// - Filename: 存储名 <uuid>.<ext>，OriginalName 为用户上传时的文件名
// - OcrText: 归一化后的 OCR 文本，处理前为空
// - OcrData: 字段置信度与是否需要人工复核
// - Amount/VatAmount 同时存在时满足 0 <= VatAmount <= Amount
type Invoice struct {
	ID            string              `gorm:"primaryKey;size:36" json:"id"`
	Filename      string              `gorm:"size:255;not null" json:"filename"`
	OriginalName  string              `gorm:"size:255" json:"originalName"`
	MimeType      string              `gorm:"size:128" json:"mimeType"`
	Size          int64               `json:"size"`
	OcrText       *string             `json:"ocrText"`
	Vendor        *string             `gorm:"index" json:"vendor"`
	ClientName    *string             `json:"clientName"`
	InvoiceNumber *string             `json:"invoiceNumber"`
	Amount        decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"amount"`
	VatAmount     decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"vatAmount"`
	Date          *time.Time          `json:"date"`
	Iban          *string             `json:"iban"`
	Email         *string             `json:"email"`
	Phone         *string             `json:"phone"`
	Siret         *string             `json:"siret"`
	Address       *string             `json:"address"`
	Confidence    *int                `json:"confidence"`
	Company       Company             `gorm:"size:32;index;default:UNKNOWN" json:"company"`
	Status        InvoiceStatus       `gorm:"size:32;index;default:PROCESSING" json:"status"`
	Category      *string             `json:"category"`
	OcrData       datatypes.JSONMap   `json:"ocrData"`
	CreatedAt     time.Time           `gorm:"index" json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}
