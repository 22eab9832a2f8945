package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"invoice-intake/internal/model"
	"invoice-intake/internal/validate"
)

var (
	// ErrInvalidTransition 表示状态迁移不被状态机允许。
	ErrInvalidTransition = errors.New("invalid invoice status transition")
	// ErrNotWritable 表示发票已不处于识别流程可写的状态（例如已被人工校验）。
	ErrNotWritable = errors.New("invoice not writable by ocr pipeline")
)

// 识别流程只在这些状态下写发票。
var pipelineWritable = []model.InvoiceStatus{model.InvoiceStatusProcessing, model.InvoiceStatusError}

// 统计周期。
const (
	PeriodToday     = "today"
	PeriodWeek      = "week"
	PeriodThisMonth = "thisMonth"
	PeriodLastMonth = "lastMonth"
	PeriodThisYear  = "thisYear"
)

// InvoiceFilter 描述发票列表的过滤条件，零值字段不参与过滤。
type InvoiceFilter struct {
	Status    model.InvoiceStatus
	Company   model.Company
	Vendor    string
	MinAmount decimal.NullDecimal
	MaxAmount decimal.NullDecimal
	Search    string
	Period    string
	Limit     int
	Offset    int
}

// StatusCounts 为列表页的状态统计。
type StatusCounts struct {
	Total        int64 `json:"total"`
	ToProcess    int64 `json:"toProcess"`
	Processing   int64 `json:"processing"`
	Processed    int64 `json:"processed"`
	Error        int64 `json:"error"`
	Validated    int64 `json:"validated"`
	Unclassified int64 `json:"unclassified"`
}

// InvoicePatch 为人工修正，nil 字段保持不变。
type InvoicePatch struct {
	Vendor     *string
	Amount     *decimal.Decimal
	Date       *time.Time
	Category   *string
	Status     *model.InvoiceStatus
	Confidence *int
	Company    *model.Company
}

// Extraction 为一次识别成功后写回发票的全部字段。
type Extraction struct {
	OcrText       string
	Vendor        *string
	ClientName    *string
	InvoiceNumber *string
	Amount        decimal.NullDecimal
	VatAmount     decimal.NullDecimal
	Date          *time.Time
	Iban          *string
	Email         *string
	Phone         *string
	Siret         *string
	Address       *string
	Confidence    int
	Company       model.Company
	Status        model.InvoiceStatus
	OcrData       datatypes.JSONMap
}

// Backfill 为补全操作写入的缺失字段，nil 或 Valid=false 的字段跳过。
type Backfill struct {
	Vendor        *string
	ClientName    *string
	InvoiceNumber *string
	Amount        decimal.NullDecimal
	VatAmount     decimal.NullDecimal
	Date          *time.Time
	Iban          *string
	Email         *string
	Phone         *string
	Siret         *string
	Address       *string
}

// CreateInvoice 新增发票记录，初始状态 PROCESSING。
func (s *Store) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusProcessing
	}
	if inv.Company == "" {
		inv.Company = model.CompanyUnknown
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
		inv.UpdatedAt = inv.CreatedAt
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

// GetInvoice 根据 ID 获取发票，不存在时返回 sql.ErrNoRows。
func (s *Store) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	var inv model.Invoice
	if err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get invoice")
	}
	return &inv, nil
}

// InvoicesByIDs 批量获取发票。
func (s *Store) InvoicesByIDs(ctx context.Context, ids []string) ([]model.Invoice, error) {
	var invoices []model.Invoice
	if len(ids) == 0 {
		return invoices, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at DESC").Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("invoices by ids: %w", err)
	}
	return invoices, nil
}

// ListInvoices 按创建时间倒序返回满足条件的发票。
func (s *Store) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	var invoices []model.Invoice
	query := s.applyInvoiceFilter(s.db.WithContext(ctx).Model(&model.Invoice{}), filter).Order("created_at DESC")
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if err := query.Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// CountByStatus 按状态统计发票数量，company 非空时只统计该公司；未分类数量为全局值。
func (s *Store) CountByStatus(ctx context.Context, company model.Company) (StatusCounts, error) {
	var rows []struct {
		Status model.InvoiceStatus
		Count  int64
	}
	query := s.db.WithContext(ctx).Model(&model.Invoice{}).Select("status, COUNT(*) AS count").Group("status")
	if company != "" {
		query = query.Where("company = ?", company)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return StatusCounts{}, fmt.Errorf("count invoices by status: %w", err)
	}

	var counts StatusCounts
	for _, row := range rows {
		counts.Total += row.Count
		switch row.Status {
		case model.InvoiceStatusToProcess:
			counts.ToProcess = row.Count
		case model.InvoiceStatusProcessing:
			counts.Processing = row.Count
		case model.InvoiceStatusProcessed:
			counts.Processed = row.Count
		case model.InvoiceStatusError:
			counts.Error = row.Count
		case model.InvoiceStatusValidated:
			counts.Validated = row.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&model.Invoice{}).
		Where("company = ?", model.CompanyUnknown).
		Count(&counts.Unclassified).Error; err != nil {
		return StatusCounts{}, fmt.Errorf("count unclassified: %w", err)
	}
	return counts, nil
}

// ListUnclassified 返回公司未识别的发票，最新的在前。
func (s *Store) ListUnclassified(ctx context.Context, limit int) ([]model.Invoice, error) {
	return s.ListInvoices(ctx, InvoiceFilter{Company: model.CompanyUnknown, Limit: limit})
}

// UpdateInvoice 应用人工修正；状态变化必须符合状态机。
func (s *Store) UpdateInvoice(ctx context.Context, id string, patch InvoicePatch) (*model.Invoice, error) {
	var inv model.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&inv, "id = ?", id).Error; err != nil {
			return notFound(err, "load invoice")
		}

		values := map[string]any{}
		if patch.Status != nil {
			if !patch.Status.Valid() || !inv.Status.CanTransition(*patch.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, *patch.Status)
			}
			values["status"] = *patch.Status
		}
		if patch.Vendor != nil {
			values["vendor"] = *patch.Vendor
		}
		if patch.Amount != nil {
			values["amount"] = decimal.NewNullDecimal(*patch.Amount)
		}
		if patch.Date != nil {
			values["date"] = *patch.Date
		}
		if patch.Category != nil {
			values["category"] = *patch.Category
		}
		if patch.Confidence != nil {
			values["confidence"] = *patch.Confidence
		}
		if patch.Company != nil {
			values["company"] = *patch.Company
		}
		if len(values) == 0 {
			return nil
		}
		values["updated_at"] = s.now()

		if err := tx.Model(&model.Invoice{}).Where("id = ?", id).Updates(values).Error; err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		return tx.First(&inv, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ValidateInvoices 将待复核或已处理的发票标记为 VALIDATED，返回更新数量。
func (s *Store) ValidateInvoices(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx).Model(&model.Invoice{}).
		Where("id IN ? AND status IN ?", ids, []model.InvoiceStatus{model.InvoiceStatusToProcess, model.InvoiceStatusProcessed}).
		Updates(map[string]any{"status": model.InvoiceStatusValidated, "updated_at": s.now()})
	if tx.Error != nil {
		return 0, fmt.Errorf("validate invoices: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// CategorizeInvoices 批量设置分类。
func (s *Store) CategorizeInvoices(ctx context.Context, ids []string, category string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx).Model(&model.Invoice{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"category": category, "updated_at": s.now()})
	if tx.Error != nil {
		return 0, fmt.Errorf("categorize invoices: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// DeleteInvoices 删除发票并返回被删除的记录，供调用方清理文件。识别任务作为审计记录保留。
func (s *Store) DeleteInvoices(ctx context.Context, ids []string) ([]model.Invoice, error) {
	var deleted []model.Invoice
	if len(ids) == 0 {
		return deleted, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ?", ids).Find(&deleted).Error; err != nil {
			return fmt.Errorf("load invoices: %w", err)
		}
		if len(deleted) == 0 {
			return nil
		}
		if err := tx.Where("id IN ?", ids).Delete(&model.Invoice{}).Error; err != nil {
			return fmt.Errorf("delete invoices: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// SaveExtraction 凭 job 的租约写回识别结果，并在同一事务内把任务置为 DONE。
// 租约已失效时返回 ErrLeaseLost，发票已离开 PROCESSING/ERROR 时返回 ErrNotWritable，
// 两种情况下发票与任务都保持不变。
func (s *Store) SaveExtraction(ctx context.Context, job *model.OcrJob, ex Extraction) error {
	values := map[string]any{
		"ocr_text":       ex.OcrText,
		"vendor":         ex.Vendor,
		"client_name":    ex.ClientName,
		"invoice_number": ex.InvoiceNumber,
		"amount":         ex.Amount,
		"vat_amount":     ex.VatAmount,
		"date":           ex.Date,
		"iban":           ex.Iban,
		"email":          ex.Email,
		"phone":          ex.Phone,
		"siret":          ex.Siret,
		"address":        ex.Address,
		"confidence":     ex.Confidence,
		"company":        ex.Company,
		"status":         ex.Status,
		"ocr_data":       ex.OcrData,
		"updated_at":     s.now(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.finishJob(tx, job, map[string]any{
			"status":     model.OcrJobDone,
			"last_error": nil,
		}, "complete job"); err != nil {
			return err
		}
		return s.pipelineUpdate(tx, job.InvoiceID, values, "save extraction")
	})
}

// MarkInvoiceError 在仍持有 job 租约时将发票置为 ERROR 并保存原始文本。
func (s *Store) MarkInvoiceError(ctx context.Context, job *model.OcrJob, rawText string) error {
	values := map[string]any{
		"status":     model.InvoiceStatusError,
		"ocr_text":   rawText,
		"updated_at": s.now(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.holdLease(tx, job, "mark invoice error"); err != nil {
			return err
		}
		return s.pipelineUpdate(tx, job.InvoiceID, values, "mark invoice error")
	})
}

func (s *Store) pipelineUpdate(tx *gorm.DB, id string, values map[string]any, op string) error {
	res := tx.Model(&model.Invoice{}).
		Where("id = ? AND status IN ?", id, pipelineWritable).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var inv model.Invoice
	if err := tx.Select("id").First(&inv, "id = ?", id).Error; err != nil {
		return notFound(err, op)
	}
	return fmt.Errorf("%s: %w", op, ErrNotWritable)
}

// InvoicesWithText 返回已有 OCR 文本的发票。
func (s *Store) InvoicesWithText(ctx context.Context) ([]model.Invoice, error) {
	var invoices []model.Invoice
	if err := s.db.WithContext(ctx).Where("ocr_text IS NOT NULL").Order("created_at ASC").Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("invoices with text: %w", err)
	}
	return invoices, nil
}

// ClassifiedInvoicesWithText 返回已归类且有 OCR 文本的发票，供重新分类使用。
func (s *Store) ClassifiedInvoicesWithText(ctx context.Context) ([]model.Invoice, error) {
	var invoices []model.Invoice
	if err := s.db.WithContext(ctx).
		Where("ocr_text IS NOT NULL AND company <> ?", model.CompanyUnknown).
		Order("created_at ASC").
		Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("classified invoices with text: %w", err)
	}
	return invoices, nil
}

// UpdateCompany 修改发票归属公司。
func (s *Store) UpdateCompany(ctx context.Context, id string, company model.Company) error {
	tx := s.db.WithContext(ctx).Model(&model.Invoice{}).Where("id = ?", id).
		Updates(map[string]any{"company": company, "updated_at": s.now()})
	if tx.Error != nil {
		return fmt.Errorf("update company: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "update company")
	}
	return nil
}

// BackfillInvoice 写入补全得到的字段，返回是否有字段被写入。
// 未通过校验的 IBAN 与 SIRET 会被忽略。
func (s *Store) BackfillInvoice(ctx context.Context, id string, b Backfill) (bool, error) {
	values := map[string]any{}
	setString := func(column string, v *string) {
		if v != nil && *v != "" {
			values[column] = *v
		}
	}
	setChecked := func(column string, v *string, valid func(string) bool) {
		if v != nil && valid(*v) {
			values[column] = validate.Compact(*v)
		}
	}
	setString("vendor", b.Vendor)
	setString("client_name", b.ClientName)
	setString("invoice_number", b.InvoiceNumber)
	setChecked("iban", b.Iban, validate.IBAN)
	setString("email", b.Email)
	setString("phone", b.Phone)
	setChecked("siret", b.Siret, validate.SIRET)
	setString("address", b.Address)
	if b.Amount.Valid {
		values["amount"] = b.Amount
	}
	if b.VatAmount.Valid {
		values["vat_amount"] = b.VatAmount
	}
	if b.Date != nil {
		values["date"] = *b.Date
	}
	if len(values) == 0 {
		return false, nil
	}
	values["updated_at"] = s.now()

	tx := s.db.WithContext(ctx).Model(&model.Invoice{}).Where("id = ?", id).Updates(values)
	if tx.Error != nil {
		return false, fmt.Errorf("backfill invoice: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return false, notFound(gorm.ErrRecordNotFound, "backfill invoice")
	}
	return true, nil
}

func (s *Store) applyInvoiceFilter(db *gorm.DB, f InvoiceFilter) *gorm.DB {
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.Company != "" {
		db = db.Where("company = ?", f.Company)
	}
	if f.Vendor != "" {
		db = db.Where("vendor = ?", f.Vendor)
	}
	if f.MinAmount.Valid {
		db = db.Where("amount >= ?", f.MinAmount.Decimal)
	}
	if f.MaxAmount.Valid {
		db = db.Where("amount <= ?", f.MaxAmount.Decimal)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		db = db.Where("(LOWER(vendor) LIKE ? OR LOWER(original_name) LIKE ? OR LOWER(ocr_text) LIKE ?)", pattern, pattern, pattern)
	}
	if f.Period != "" {
		db = db.Where("created_at >= ?", PeriodStart(f.Period, s.now()))
	}
	return db
}

// PeriodStart 返回统计周期的起点，未知周期返回零时间。
func PeriodStart(period string, now time.Time) time.Time {
	y, m, d := now.Date()
	loc := now.Location()
	switch period {
	case PeriodToday:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case PeriodWeek:
		return time.Date(y, m, d-7, 0, 0, 0, 0, loc)
	case PeriodThisMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case PeriodLastMonth:
		return time.Date(y, m-1, 1, 0, 0, 0, 0, loc)
	case PeriodThisYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}
