package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"invoice-intake/internal/docstore"
	"invoice-intake/internal/model"
)

// 手动批处理的任务数范围。
const (
	defaultRunJobs = 10
	maxRunJobs     = 50
)

type runRequest struct {
	MaxJobs *int `json:"maxJobs"`
}

// upload 保存文件、创建 PROCESSING 发票并入队，随后在后台处理一小批任务。
func (h *handler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "No file provided", nil)
		return
	}
	if fh.Size > h.cfg.MaxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, "File too large", nil)
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, "Unreadable file", nil)
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxUploadBytes))
	_ = f.Close()
	if err != nil {
		fail(c, http.StatusBadRequest, "Unreadable file", nil)
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	ctx := c.Request.Context()
	name := docstore.NewName(fh.Filename)
	if err := h.docs.Put(ctx, name, data, contentType); err != nil {
		fail(c, http.StatusInternalServerError, "Failed to store file", err)
		return
	}

	inv := &model.Invoice{
		Filename:     name,
		OriginalName: fh.Filename,
		MimeType:     contentType,
		Size:         int64(len(data)),
		Status:       model.InvoiceStatusProcessing,
	}
	if err := h.store.CreateInvoice(ctx, inv); err != nil {
		h.removeFiles(c, []model.Invoice{{Filename: name}})
		fail(c, http.StatusInternalServerError, "Failed to upload invoice", err)
		return
	}
	if _, _, err := h.store.EnqueueJob(ctx, inv.ID, 0); err != nil {
		if deleted, derr := h.store.DeleteInvoices(ctx, []string{inv.ID}); derr == nil {
			h.removeFiles(c, deleted)
		}
		fail(c, http.StatusInternalServerError, "Failed to upload invoice", err)
		return
	}

	h.runner.Trigger(uploadWorkerID, uploadBatch)
	c.JSON(http.StatusCreated, inv)
}

// runJobs 同步处理一批任务，maxJobs 限制在 1..50。
func (h *handler) runJobs(c *gin.Context) {
	var req runRequest
	// 请求体可省略。
	_ = c.ShouldBindJSON(&req)

	maxJobs := defaultRunJobs
	if req.MaxJobs != nil {
		maxJobs = min(max(*req.MaxJobs, 1), maxRunJobs)
	}

	report, err := h.runner.RunBatch(c.Request.Context(), runnerWorkerID, maxJobs)
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to run OCR jobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (h *handler) serveUpload(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("path"), "/")
	data, err := h.docs.Fetch(c.Request.Context(), name)
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidName) {
		fail(c, http.StatusNotFound, "File not found", nil)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "Failed to read file", err)
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Data(http.StatusOK, contentType, data)
}

// removeFiles 尽力删除发票对应的文件，失败只记录日志。
func (h *handler) removeFiles(c *gin.Context, invoices []model.Invoice) {
	for _, inv := range invoices {
		if inv.Filename == "" {
			continue
		}
		if err := h.docs.Remove(c.Request.Context(), inv.Filename); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			h.logger.WithError(err).WithField("filename", inv.Filename).Warn("remove document failed")
		}
	}
}
