package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"invoice-intake/internal/export"
	"invoice-intake/internal/extract"
	"invoice-intake/internal/model"
	"invoice-intake/internal/storage"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// 批量操作。
const (
	bulkValidate   = "validate"
	bulkDelete     = "delete"
	bulkCategorize = "categorize"
)

type patchRequest struct {
	Vendor     *string              `json:"vendor"`
	Amount     *decimal.Decimal     `json:"amount"`
	Date       *string              `json:"date"`
	Category   *string              `json:"category"`
	Status     *model.InvoiceStatus `json:"status" binding:"omitempty,oneof=TO_PROCESS PROCESSED ERROR VALIDATED"`
	Confidence *int                 `json:"confidence" binding:"omitempty,min=0,max=100"`
	Company    *model.Company       `json:"company" binding:"omitempty,oneof=SOFIA_TRANSPORT SOFIANE_TRANSPORT GARAGE_EXPERTISE UNKNOWN"`
}

type bulkRequest struct {
	Action     string   `json:"action"`
	InvoiceIDs []string `json:"invoiceIds"`
	Category   string   `json:"category"`
}

type statusResponse struct {
	ID         string              `json:"id"`
	Status     model.InvoiceStatus `json:"status"`
	Confidence *int                `json:"confidence"`
	Company    model.Company       `json:"company"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// parseCompany 接受路由别名（sofia-transport）或枚举名，all 表示不过滤。
func parseCompany(v string) model.Company {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "all":
		return ""
	case "sofia-transport":
		return model.CompanySofiaTransport
	case "sofiane-transport":
		return model.CompanySofianeTransport
	case "garage-expertise":
		return model.CompanyGarageExpertise
	}
	return model.Company(strings.ToUpper(v))
}

func parseFilter(c *gin.Context) (storage.InvoiceFilter, error) {
	var f storage.InvoiceFilter
	if s := strings.TrimSpace(c.Query("status")); s != "" && !strings.EqualFold(s, "all") {
		f.Status = model.InvoiceStatus(strings.ToUpper(s))
	}
	f.Company = parseCompany(c.Query("company"))
	f.Vendor = strings.TrimSpace(c.Query("vendor"))
	f.Search = c.Query("search")
	f.Period = c.Query("period")

	for key, dst := range map[string]*decimal.NullDecimal{"minAmount": &f.MinAmount, "maxAmount": &f.MaxAmount} {
		v := strings.TrimSpace(c.Query(key))
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("invalid %s", key)
		}
		*dst = decimal.NewNullDecimal(d)
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s", key)
		}
		*dst = n
	}
	return f, nil
}

func (h *handler) listInvoices(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	ctx := c.Request.Context()
	invoices, err := h.store.ListInvoices(ctx, filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to fetch invoices", err)
		return
	}
	counts, err := h.store.CountByStatus(ctx, filter.Company)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to fetch invoices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "counts": counts})
}

func (h *handler) listUnclassified(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	invoices, err := h.store.ListUnclassified(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to fetch invoices", err)
		return
	}
	c.JSON(http.StatusOK, invoices)
}

func (h *handler) getInvoice(c *gin.Context) {
	inv, err := h.store.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		failLookup(c, err, "Failed to fetch invoice")
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *handler) invoiceStatus(c *gin.Context) {
	inv, err := h.store.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		failLookup(c, err, "Failed to fetch invoice status")
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		ID:         inv.ID,
		Status:     inv.Status,
		Confidence: inv.Confidence,
		Company:    inv.Company,
		UpdatedAt:  inv.UpdatedAt,
	})
}

func (h *handler) invoiceJobs(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetInvoice(ctx, id); err != nil {
		failLookup(c, err, "Failed to fetch jobs")
		return
	}
	jobs, err := h.store.ListJobs(ctx, id)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to fetch jobs", err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *handler) updateInvoice(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid payload", nil)
		return
	}
	patch := storage.InvoicePatch{
		Vendor:     req.Vendor,
		Amount:     req.Amount,
		Category:   req.Category,
		Status:     req.Status,
		Confidence: req.Confidence,
		Company:    req.Company,
	}
	if req.Date != nil && *req.Date != "" {
		d, ok := extract.ParseDate(*req.Date)
		if !ok {
			fail(c, http.StatusBadRequest, "Invalid date", nil)
			return
		}
		patch.Date = &d
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		fail(c, http.StatusBadRequest, "Invalid amount", nil)
		return
	}

	inv, err := h.store.UpdateInvoice(c.Request.Context(), c.Param("id"), patch)
	if errors.Is(err, storage.ErrInvalidTransition) {
		fail(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		failLookup(c, err, "Failed to update invoice")
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *handler) deleteInvoice(c *gin.Context) {
	deleted, err := h.store.DeleteInvoices(c.Request.Context(), []string{c.Param("id")})
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to delete invoice", err)
		return
	}
	if len(deleted) == 0 {
		fail(c, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	h.removeFiles(c, deleted)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) retryInvoice(c *gin.Context) {
	job, err := h.store.RequeueInvoice(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrInvalidTransition) {
		fail(c, http.StatusConflict, "Only invoices in ERROR can be retried", nil)
		return
	}
	if err != nil {
		failLookup(c, err, "Failed to retry invoice")
		return
	}
	h.runner.Trigger(uploadWorkerID, uploadBatch)
	c.JSON(http.StatusAccepted, job)
}

func (h *handler) bulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid payload", nil)
		return
	}
	if len(req.InvoiceIDs) == 0 {
		fail(c, http.StatusBadRequest, "No invoice IDs provided", nil)
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case bulkValidate:
		n, err := h.store.ValidateInvoices(ctx, req.InvoiceIDs)
		if err != nil {
			fail(c, http.StatusInternalServerError, "Failed to validate invoices", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
	case bulkCategorize:
		category := strings.TrimSpace(req.Category)
		if category == "" {
			fail(c, http.StatusBadRequest, "Category is required", nil)
			return
		}
		n, err := h.store.CategorizeInvoices(ctx, req.InvoiceIDs, category)
		if err != nil {
			fail(c, http.StatusInternalServerError, "Failed to categorize invoices", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
	case bulkDelete:
		deleted, err := h.store.DeleteInvoices(ctx, req.InvoiceIDs)
		if err != nil {
			fail(c, http.StatusInternalServerError, "Failed to delete invoices", err)
			return
		}
		h.removeFiles(c, deleted)
		c.JSON(http.StatusOK, gin.H{"success": true, "deleted": len(deleted)})
	default:
		fail(c, http.StatusBadRequest, "Invalid action", nil)
	}
}

// enhance 用已保存的 OCR 文本补全缺失字段，已有值不覆盖。
func (h *handler) enhance(c *gin.Context) {
	ctx := c.Request.Context()
	invoices, err := h.store.InvoicesWithText(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to enhance invoices", err)
		return
	}

	updated := 0
	for _, inv := range invoices {
		found := extract.FillMissing(*inv.OcrText, existingFields(inv))
		if found.Empty() {
			continue
		}
		ok, err := h.store.BackfillInvoice(ctx, inv.ID, toBackfill(found))
		if err != nil {
			fail(c, http.StatusInternalServerError, "Failed to enhance invoices", err)
			return
		}
		if ok {
			updated++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"updated": updated,
		"message": fmt.Sprintf("%d invoice(s) enhanced", updated),
	})
}

// sync 用当前规则重新分类已归类的发票，只在结果变化且不为 UNKNOWN 时更新。
func (h *handler) sync(c *gin.Context) {
	ctx := c.Request.Context()
	invoices, err := h.store.ClassifiedInvoicesWithText(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to sync invoices", err)
		return
	}

	changes := 0
	for _, inv := range invoices {
		company := h.classifier.Classify(deref(inv.Vendor), *inv.OcrText)
		if company == model.CompanyUnknown || company == inv.Company {
			continue
		}
		if err := h.store.UpdateCompany(ctx, inv.ID, company); err != nil {
			fail(c, http.StatusInternalServerError, "Failed to sync invoices", err)
			return
		}
		changes++
	}

	msg := "Nothing to change"
	if changes > 0 {
		msg = fmt.Sprintf("%d invoice(s) moved", changes)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changes": changes, "message": msg})
}

func (h *handler) exportInvoices(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	invoices, err := h.store.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to export invoices", err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteInvoices(&buf, invoices); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to export invoices", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="invoices.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func existingFields(inv model.Invoice) extract.Fields {
	f := extract.Fields{
		Vendor:        deref(inv.Vendor),
		ClientName:    deref(inv.ClientName),
		InvoiceNumber: deref(inv.InvoiceNumber),
		Amount:        inv.Amount,
		VatAmount:     inv.VatAmount,
		Iban:          deref(inv.Iban),
		Email:         deref(inv.Email),
		Phone:         deref(inv.Phone),
		Siret:         deref(inv.Siret),
		Address:       deref(inv.Address),
	}
	// 占位供应商视为缺失。
	if f.Vendor == extract.DefaultVendor {
		f.Vendor = ""
	}
	if inv.Date != nil {
		f.Date = inv.Date.Format("2006-01-02")
	}
	return f
}

func toBackfill(f extract.Fields) storage.Backfill {
	b := storage.Backfill{
		Vendor:        optional(f.Vendor),
		ClientName:    optional(f.ClientName),
		InvoiceNumber: optional(f.InvoiceNumber),
		Amount:        f.Amount,
		VatAmount:     f.VatAmount,
		Iban:          optional(f.Iban),
		Email:         optional(f.Email),
		Phone:         optional(f.Phone),
		Siret:         optional(f.Siret),
		Address:       optional(f.Address),
	}
	if d, ok := extract.ParseDate(f.Date); ok {
		b.Date = &d
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
