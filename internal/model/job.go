package model

import "time"

// OcrJobStatus 表示识别任务状态。
type OcrJobStatus string

const (
	OcrJobPending OcrJobStatus = "PENDING"
	OcrJobRunning OcrJobStatus = "RUNNING"
	OcrJobDone    OcrJobStatus = "DONE"
	OcrJobFailed  OcrJobStatus = "FAILED"
)

// DefaultMaxAttempts 为单个任务默认的重试预算。
const DefaultMaxAttempts = 3

// OcrJob 表示一次待处理/处理中/已完成的识别尝试。
// 同一发票最多只有一个 PENDING 或 RUNNING 任务；任务从不删除，作为审计记录保留。
type OcrJob struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	InvoiceID   string       `gorm:"size:36;index;not null" json:"invoiceId"`
	Status      OcrJobStatus `gorm:"size:16;index:idx_ocr_jobs_claim,priority:1;not null" json:"status"`
	Priority    int          `gorm:"not null;default:0" json:"priority"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int          `gorm:"not null;default:3" json:"maxAttempts"`
	AvailableAt time.Time    `gorm:"index:idx_ocr_jobs_claim,priority:2;not null" json:"availableAt"`
	LockedAt    *time.Time   `json:"lockedAt"`
	LockedBy    *string      `gorm:"size:128" json:"lockedBy"`
	LastError   *string      `json:"lastError"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
