// Package worker 领取识别任务并驱动 OCR 流水线，失败时按指数退避重试。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"invoice-intake/internal/directory"
	"invoice-intake/internal/docstore"
	"invoice-intake/internal/extract"
	"invoice-intake/internal/model"
	"invoice-intake/internal/processor"
	"invoice-intake/internal/storage"
)

// MaxBackoff 为重试等待上限。
const MaxBackoff = 300 * time.Second

// ErrUnreadable 表示 OCR 未能给出可用文本。
var ErrUnreadable = errors.New("document unreadable")

// Store 定义 worker 所需的持久化接口。
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string) (*model.OcrJob, error)
	CompleteJob(ctx context.Context, job *model.OcrJob) error
	RetryJob(ctx context.Context, job *model.OcrJob, availableAt time.Time, lastError string) error
	FailJob(ctx context.Context, job *model.OcrJob, lastError string) error
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)
	SaveExtraction(ctx context.Context, job *model.OcrJob, ex storage.Extraction) error
	MarkInvoiceError(ctx context.Context, job *model.OcrJob, rawText string) error
}

// Directory 维护供应商目录。
type Directory interface {
	Upsert(ctx context.Context, c directory.Contact) (*model.Vendor, error)
}

// OutcomeKind 描述单个任务的处理结果。
type OutcomeKind string

const (
	OutcomeIdle     OutcomeKind = "idle"
	OutcomeDone     OutcomeKind = "done"
	OutcomeRetried  OutcomeKind = "retried"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeLostJob  OutcomeKind = "lease_lost"
	OutcomeObsolete OutcomeKind = "obsolete"
)

// Outcome 为 ProcessSingleJob 的结果。
type Outcome struct {
	Kind      OutcomeKind
	JobID     string
	InvoiceID string
	Attempts  int
	Error     string
}

// BatchReport 汇总一次批处理。QueueErrors 为处理后未能写回队列状态的任务数，
// 这些任务留待租约回收。
type BatchReport struct {
	WorkerID       string        `json:"workerId"`
	Skipped        bool          `json:"skipped"`
	Processed      int           `json:"processed"`
	Done           int           `json:"done"`
	Retried        int           `json:"retried"`
	Failed         int           `json:"failed"`
	FailedInvoices []string      `json:"failedInvoices"`
	QueueErrors    int           `json:"queueErrors"`
	Duration       time.Duration `json:"duration"`
}

// Worker 串行处理任务队列。
type Worker struct {
	store     Store
	docs      docstore.Store
	proc      processor.DocumentProcessor
	directory Directory
	logger    logrus.FieldLogger
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	now       func() time.Time
	timeout   time.Duration
	wg        sync.WaitGroup
}

// Option 配置 Worker。
type Option func(*Worker)

// WithLogger 设置日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTracer 设置 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

// WithSemaphore 注入批处理互斥信号量，多个 Worker 共享同一个信号量时互斥。
func WithSemaphore(sem *semaphore.Weighted) Option {
	return func(w *Worker) {
		if sem != nil {
			w.sem = sem
		}
	}
}

// WithClock 设置时钟，用于计算重试时间。
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithDirectory 启用供应商目录写入。
func WithDirectory(d Directory) Option {
	return func(w *Worker) { w.directory = d }
}

// WithTriggerTimeout 设置 Trigger 后台批处理的超时。
func WithTriggerTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// New 创建 Worker。
func New(store Store, docs docstore.Store, proc processor.DocumentProcessor, opts ...Option) *Worker {
	w := &Worker{
		store:   store,
		docs:    docs,
		proc:    proc,
		logger:  logrus.StandardLogger(),
		tracer:  otel.Tracer("invoice-intake/worker"),
		sem:     semaphore.NewWeighted(1),
		now:     func() time.Time { return time.Now().UTC() },
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Backoff 返回第 attempts 次失败后的等待时间：min(300, 2^attempts) 秒。
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 9 {
		return MaxBackoff
	}
	d := time.Duration(1<<attempts) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// ProcessSingleJob 领取并处理一个任务。流水线错误在此处被吸收并转为重试或终止，
// 返回的 error 仅表示队列本身的读写失败。
func (w *Worker) ProcessSingleJob(ctx context.Context, workerID string) (Outcome, error) {
	job, err := w.store.ClaimNextJob(ctx, workerID)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return Outcome{Kind: OutcomeIdle}, nil
	}

	ctx, span := w.tracer.Start(ctx, "ocr.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("invoice.id", job.InvoiceID),
		attribute.String("worker.id", workerID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	log := w.logger.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"job_id":     job.ID,
		"invoice_id": job.InvoiceID,
		"attempt":    job.Attempts,
	})
	out := Outcome{JobID: job.ID, InvoiceID: job.InvoiceID, Attempts: job.Attempts}

	perr := w.runPipeline(ctx, job, log)
	switch {
	case perr == nil:
		out.Kind = OutcomeDone
		return w.finish(ctx, out, log, nil)
	case errors.Is(perr, storage.ErrLeaseLost):
		return w.finish(ctx, out, log, perr)
	case errors.Is(perr, storage.ErrNotWritable):
		// 发票已被人工修改，本次结果作废。
		log.WithError(perr).Warn("invoice changed during processing, result discarded")
		out.Kind = OutcomeObsolete
		return w.finish(ctx, out, log, w.store.CompleteJob(ctx, job))
	}

	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Error())
	out.Error = perr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Attempts)
		log.WithError(perr).WithField("retry_in", delay.String()).Warn("job failed, scheduling retry")
		out.Kind = OutcomeRetried
		return w.finish(ctx, out, log, w.store.RetryJob(ctx, job, w.now().Add(delay), perr.Error()))
	}

	log.WithError(perr).Error("job failed, retries exhausted")
	out.Kind = OutcomeFailed
	return w.finish(ctx, out, log, w.store.FailJob(ctx, job, perr.Error()))
}

func (w *Worker) finish(ctx context.Context, out Outcome, log logrus.FieldLogger, err error) (Outcome, error) {
	if err == nil {
		if out.Kind == OutcomeDone {
			log.Info("job done")
		}
		return out, nil
	}
	if errors.Is(err, storage.ErrLeaseLost) {
		log.WithError(err).Warn("lease lost before job finished")
		out.Kind = OutcomeLostJob
		return out, nil
	}
	return out, fmt.Errorf("finish job %s: %w", out.JobID, err)
}

func (w *Worker) runPipeline(ctx context.Context, job *model.OcrJob, log logrus.FieldLogger) error {
	inv, err := w.store.GetInvoice(ctx, job.InvoiceID)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}
	data, err := w.docs.Fetch(ctx, inv.Filename)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}

	res, err := w.proc.Process(ctx, processor.Document{Name: inv.Filename, ContentType: inv.MimeType, Data: data})
	if err != nil {
		return err
	}
	if res.Outcome == processor.ResultUnreadable {
		if err := w.store.MarkInvoiceError(ctx, job, res.RawText); err != nil {
			return fmt.Errorf("mark invoice error: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrUnreadable, res.Reason)
	}

	ex := res.Extraction
	if w.directory != nil && ex.Fields.Vendor != "" && ex.Fields.Vendor != extract.DefaultVendor {
		if _, err := w.directory.Upsert(ctx, directory.Contact{
			Name:    ex.Fields.Vendor,
			Email:   ex.Fields.Email,
			Phone:   ex.Fields.Phone,
			Siret:   ex.Fields.Siret,
			Address: ex.Fields.Address,
		}); err != nil {
			return fmt.Errorf("upsert vendor: %w", err)
		}
	}

	// 成功时任务已在同一事务内置为 DONE。
	if err := w.store.SaveExtraction(ctx, job, toStorage(ex)); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"status":     ex.Status(),
		"confidence": ex.Confidence,
		"company":    ex.Company,
	}).Debug("extraction saved")
	return nil
}

func toStorage(ex *processor.Extraction) storage.Extraction {
	f := ex.Fields
	return storage.Extraction{
		OcrText:       ex.NormalizedText,
		Vendor:        optional(f.Vendor),
		ClientName:    optional(f.ClientName),
		InvoiceNumber: optional(f.InvoiceNumber),
		Amount:        f.Amount,
		VatAmount:     f.VatAmount,
		Date:          ex.Date,
		Iban:          optional(f.Iban),
		Email:         optional(f.Email),
		Phone:         optional(f.Phone),
		Siret:         optional(f.Siret),
		Address:       optional(f.Address),
		Confidence:    ex.Confidence,
		Company:       ex.Company,
		Status:        ex.Status(),
		OcrData:       ex.OcrData(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RunBatch 最多处理 maxJobs 个任务，队列为空时提前结束。
// 同一进程内已有批处理在运行时直接返回 Skipped。
func (w *Worker) RunBatch(ctx context.Context, workerID string, maxJobs int) (BatchReport, error) {
	report := BatchReport{WorkerID: workerID}
	if !w.sem.TryAcquire(1) {
		report.Skipped = true
		return report, nil
	}
	defer w.sem.Release(1)

	start := time.Now()

	for i := 0; i < maxJobs; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := w.ProcessSingleJob(ctx, workerID)
		if err != nil && out.JobID == "" {
			report.Duration = time.Since(start)
			return report, err
		}
		if err != nil {
			// 单个任务写回失败不影响批内其余任务。
			w.logger.WithError(err).WithField("job_id", out.JobID).Error("job state not recorded")
			report.Processed++
			report.QueueErrors++
			continue
		}
		if out.Kind == OutcomeIdle {
			break
		}
		report.Processed++
		switch out.Kind {
		case OutcomeDone, OutcomeObsolete:
			report.Done++
		case OutcomeRetried:
			report.Retried++
		case OutcomeFailed:
			report.Failed++
			report.FailedInvoices = append(report.FailedInvoices, out.InvoiceID)
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Trigger 在后台运行一次批处理，不等待结果。
func (w *Worker) Trigger(workerID string, maxJobs int) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		report, err := w.RunBatch(ctx, workerID, maxJobs)
		log := w.logger.WithField("worker_id", workerID)
		if err != nil {
			log.WithError(err).Error("triggered batch failed")
			return
		}
		if !report.Skipped {
			log.WithFields(logrus.Fields{"processed": report.Processed, "failed": report.Failed}).Info("triggered batch finished")
		}
	}()
}

// Wait 等待所有 Trigger 启动的批处理结束。
func (w *Worker) Wait() {
	w.wg.Wait()
}
