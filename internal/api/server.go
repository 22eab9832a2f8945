package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"invoice-intake/internal/docstore"
	"invoice-intake/internal/model"
	"invoice-intake/internal/storage"
	"invoice-intake/internal/worker"
)

// Store 抽象 API 所需的存储接口。
type Store interface {
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]model.Invoice, error)
	CountByStatus(ctx context.Context, company model.Company) (storage.StatusCounts, error)
	ListUnclassified(ctx context.Context, limit int) ([]model.Invoice, error)
	UpdateInvoice(ctx context.Context, id string, patch storage.InvoicePatch) (*model.Invoice, error)
	ValidateInvoices(ctx context.Context, ids []string) (int64, error)
	CategorizeInvoices(ctx context.Context, ids []string, category string) (int64, error)
	DeleteInvoices(ctx context.Context, ids []string) ([]model.Invoice, error)
	InvoicesWithText(ctx context.Context) ([]model.Invoice, error)
	ClassifiedInvoicesWithText(ctx context.Context) ([]model.Invoice, error)
	UpdateCompany(ctx context.Context, id string, company model.Company) error
	BackfillInvoice(ctx context.Context, id string, b storage.Backfill) (bool, error)
	EnqueueJob(ctx context.Context, invoiceID string, priority int) (*model.OcrJob, bool, error)
	ListJobs(ctx context.Context, invoiceID string) ([]model.OcrJob, error)
	RequeueInvoice(ctx context.Context, invoiceID string) (*model.OcrJob, error)
}

// Runner 抽象识别任务的执行。
type Runner interface {
	RunBatch(ctx context.Context, workerID string, maxJobs int) (worker.BatchReport, error)
	Trigger(workerID string, maxJobs int)
}

// Classifier 根据供应商与文本判断归属公司。
type Classifier interface {
	Classify(vendor, text string) model.Company
}

// 上传后立即触发的批处理。
const (
	uploadWorkerID = "web"
	uploadBatch    = 3
	runnerWorkerID = "api-runner"
)

// Config 为 HTTP 层配置。
type Config struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

// Option 配置 handler。
type Option func(*handler)

// WithLogger 设置日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithConfig 设置 CORS 与上传限制。
func WithConfig(cfg Config) Option {
	return func(h *handler) {
		h.cfg = cfg
	}
}

type handler struct {
	store      Store
	docs       docstore.Store
	runner     Runner
	classifier Classifier
	logger     logrus.FieldLogger
	cfg        Config
}

// NewHandler 构造 gin 路由。
func NewHandler(store Store, docs docstore.Store, runner Runner, classifier Classifier, opts ...Option) http.Handler {
	h := &handler{
		store:      store,
		docs:       docs,
		runner:     runner,
		classifier: classifier,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.MaxUploadBytes <= 0 {
		h.cfg.MaxUploadBytes = 20 << 20
	}

	r := gin.New()
	r.MaxMultipartMemory = h.cfg.MaxUploadBytes
	r.Use(cors.New(h.corsConfig()))
	r.Use(h.requestLogger())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/upload", h.upload)
	api.POST("/ocr-jobs/run", h.runJobs)
	api.GET("/uploads/*path", h.serveUpload)

	inv := api.Group("/invoices")
	inv.GET("", h.listInvoices)
	inv.GET("/unclassified", h.listUnclassified)
	inv.GET("/export.xlsx", h.exportInvoices)
	inv.POST("/bulk", h.bulk)
	inv.POST("/enhance", h.enhance)
	inv.POST("/sync", h.sync)
	inv.GET("/:id", h.getInvoice)
	inv.GET("/:id/status", h.invoiceStatus)
	inv.GET("/:id/jobs", h.invoiceJobs)
	inv.PATCH("/:id", h.updateInvoice)
	inv.DELETE("/:id", h.deleteInvoice)
	inv.POST("/:id/retry", h.retryInvoice)

	return r
}

func (h *handler) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if len(h.cfg.AllowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = h.cfg.AllowedOrigins
	}
	cfg.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type")
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition")
	return cfg
}

// requestLogger 记录每个请求，并把 c.Error 收集的错误写入日志。
func (h *handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := h.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			log.Error(c.Errors.String())
			return
		}
		log.Debug("request")
	}
}

// fail 写出 {"error": msg}，5xx 时同时记录底层错误。
func fail(c *gin.Context, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// failLookup 将不存在映射为 404。
func failLookup(c *gin.Context, err error, msg string) {
	if errors.Is(err, sql.ErrNoRows) {
		fail(c, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	fail(c, http.StatusInternalServerError, msg, err)
}
