package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"invoice-intake/internal/directory"
	"invoice-intake/internal/docstore"
	"invoice-intake/internal/model"
	"invoice-intake/internal/processor"
	"invoice-intake/internal/storage"
)

const sampleInvoice = "# SOFIANE TRANSPORT SARL\n" +
	"12 Rue Victor Hugo\n" +
	"Facture N° FA2024001\n" +
	"Date: 14 mars 2024\n" +
	"Client: Garage Martin\n" +
	"Transport Paris Lyon\n" +
	"TOTAL TTC 150,00 €\n"

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		8:  256 * time.Second,
		9:  300 * time.Second,
		40: 300 * time.Second,
	}
	for attempts, want := range cases {
		if got := Backoff(attempts); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestProcessSingleJobExtractsInvoice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}})
	ctx := context.Background()
	inv := f.upload(t, "facture.pdf")

	out, err := f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeDone || out.InvoiceID != inv.ID {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	got, err := f.store.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice error: %v", err)
	}
	if got.Status != model.InvoiceStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", got.Status)
	}
	if got.Company != model.CompanySofianeTransport {
		t.Fatalf("expected SOFIANE_TRANSPORT, got %s", got.Company)
	}
	if got.Vendor == nil || *got.Vendor != "SOFIANE TRANSPORT SARL" {
		t.Fatalf("unexpected vendor %v", got.Vendor)
	}
	if !got.Amount.Valid || !got.Amount.Decimal.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected amount %v", got.Amount)
	}
	if got.Confidence == nil || *got.Confidence != 100 {
		t.Fatalf("unexpected confidence %v", got.Confidence)
	}
	if got.OcrText == nil || strings.Contains(*got.OcrText, "\n") {
		t.Fatalf("expected normalized ocr text, got %v", got.OcrText)
	}
	if got.OcrData["reviewRequired"] != false {
		t.Fatalf("expected review flag stored, got %#v", got.OcrData)
	}

	jobs, err := f.store.ListJobs(ctx, inv.ID)
	if err != nil {
		t.Fatalf("ListJobs error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != model.OcrJobDone || jobs[0].LockedBy != nil {
		t.Fatalf("expected one DONE job with lease cleared, got %+v", jobs)
	}

	cabinetID, err := f.store.DefaultCabinetID(ctx)
	if err != nil {
		t.Fatalf("DefaultCabinetID error: %v", err)
	}
	vendors, err := f.store.ListVendors(ctx, cabinetID)
	if err != nil {
		t.Fatalf("ListVendors error: %v", err)
	}
	if len(vendors) != 1 || vendors[0].Name != "SOFIANE TRANSPORT SARL" {
		t.Fatalf("expected vendor directory entry, got %+v", vendors)
	}
}

func TestProcessSingleJobIdleQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	out, err := f.worker.ProcessSingleJob(context.Background(), "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeIdle {
		t.Fatalf("expected idle outcome, got %+v", out)
	}
}

func TestRetryWithBackoffThenFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{err: errors.New("connection reset")}}, storage.WithMaxAttempts(2))
	ctx := context.Background()
	inv := f.upload(t, "facture.pdf")

	out, err := f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeRetried {
		t.Fatalf("expected retry, got %+v", out)
	}
	job, err := f.store.GetJob(ctx, out.JobID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if job.Status != model.OcrJobPending || job.Attempts != 1 {
		t.Fatalf("unexpected job after retry: %+v", job)
	}
	if !job.AvailableAt.Equal(f.clock.Now().Add(2 * time.Second)) {
		t.Fatalf("expected available_at now+2s, got %v", job.AvailableAt)
	}
	if job.LastError == nil || !strings.Contains(*job.LastError, "connection reset") {
		t.Fatalf("expected last error recorded, got %v", job.LastError)
	}

	out, err = f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeIdle {
		t.Fatalf("expected backoff to hide the job, got %+v", out)
	}

	f.clock.Advance(2 * time.Second)
	out, err = f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeFailed {
		t.Fatalf("expected terminal failure, got %+v", out)
	}

	got, _ := f.store.GetInvoice(ctx, inv.ID)
	if got.Status != model.InvoiceStatusError {
		t.Fatalf("expected invoice ERROR, got %s", got.Status)
	}
	job, _ = f.store.GetJob(ctx, out.JobID)
	if job.Status != model.OcrJobFailed || job.Attempts != 2 {
		t.Fatalf("unexpected failed job: %+v", job)
	}
	if f.ocr.calls.Load() != 2 {
		t.Fatalf("expected two ocr calls, got %d", f.ocr.calls.Load())
	}
}

func TestUnreadableDocumentMarksErrorThenRecovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{
		{res: processor.OCRResult{Success: false, Error: "No pages found in document"}},
		{res: processor.OCRResult{Success: true, Text: sampleInvoice}},
	})
	ctx := context.Background()
	inv := f.upload(t, "scan.pdf")

	out, err := f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeRetried || !strings.Contains(out.Error, "No pages found") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	got, _ := f.store.GetInvoice(ctx, inv.ID)
	if got.Status != model.InvoiceStatusError {
		t.Fatalf("expected provisional ERROR, got %s", got.Status)
	}

	f.clock.Advance(Backoff(1))
	out, err = f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeDone {
		t.Fatalf("expected recovery, got %+v", out)
	}
	got, _ = f.store.GetInvoice(ctx, inv.ID)
	if got.Status != model.InvoiceStatusProcessed {
		t.Fatalf("expected PROCESSED after retry, got %s", got.Status)
	}
}

func TestMissingDocumentIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	inv := &model.Invoice{Filename: "gone.pdf"}
	if err := f.store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if _, _, err := f.store.EnqueueJob(ctx, inv.ID, 0); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}

	out, err := f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeRetried || !strings.Contains(out.Error, "document not found") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if f.ocr.calls.Load() != 0 {
		t.Fatalf("expected no ocr call without a document")
	}
}

func TestManualChangeDiscardsResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}})
	ctx := context.Background()
	inv := f.upload(t, "facture.pdf")

	status := model.InvoiceStatusToProcess
	vendor := "Saisie manuelle"
	if _, err := f.store.UpdateInvoice(ctx, inv.ID, storage.InvoicePatch{Status: &status, Vendor: &vendor}); err != nil {
		t.Fatalf("UpdateInvoice error: %v", err)
	}

	out, err := f.worker.ProcessSingleJob(ctx, "test")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeObsolete {
		t.Fatalf("expected obsolete outcome, got %+v", out)
	}
	got, _ := f.store.GetInvoice(ctx, inv.ID)
	if got.Status != model.InvoiceStatusToProcess || got.Vendor == nil || *got.Vendor != vendor {
		t.Fatalf("expected manual edit kept, got %s %v", got.Status, got.Vendor)
	}
	job, _ := f.store.GetJob(ctx, out.JobID)
	if job.Status != model.OcrJobDone {
		t.Fatalf("expected job closed, got %s", job.Status)
	}
}

func TestRunBatchHonoursMaxJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.upload(t, "facture.pdf")
		f.clock.Advance(time.Second)
	}

	report, err := f.worker.RunBatch(ctx, "batch", 2)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Skipped || report.Processed != 2 || report.Done != 2 {
		t.Fatalf("unexpected first report: %+v", report)
	}

	report, err = f.worker.RunBatch(ctx, "batch", 10)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected remaining job processed, got %+v", report)
	}

	report, err = f.worker.RunBatch(ctx, "batch", 10)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("expected empty queue, got %+v", report)
	}
}

func TestRunBatchReportsFailedInvoices(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{err: errors.New("timeout")}}, storage.WithMaxAttempts(1))
	inv := f.upload(t, "facture.pdf")

	report, err := f.worker.RunBatch(context.Background(), "batch", 5)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Failed != 1 || len(report.FailedInvoices) != 1 || report.FailedInvoices[0] != inv.ID {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunBatchSkipsWhenAnotherBatchRuns(t *testing.T) {
	t.Parallel()

	sem := semaphore.NewWeighted(1)
	f := buildFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}}, nil, []Option{WithSemaphore(sem)})
	f.upload(t, "facture.pdf")

	if !sem.TryAcquire(1) {
		t.Fatalf("expected to acquire semaphore")
	}
	report, err := f.worker.RunBatch(context.Background(), "batch", 5)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if !report.Skipped || report.Processed != 0 || f.ocr.calls.Load() != 0 {
		t.Fatalf("expected skipped batch, got %+v", report)
	}
	sem.Release(1)

	report, err = f.worker.RunBatch(context.Background(), "batch", 5)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Skipped || report.Processed != 1 {
		t.Fatalf("expected batch to run after release, got %+v", report)
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}})
	inv := f.upload(t, "facture.pdf")

	f.worker.Trigger("web", 3)
	f.worker.Wait()

	got, err := f.store.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice error: %v", err)
	}
	if got.Status != model.InvoiceStatusProcessed {
		t.Fatalf("expected triggered batch to process the invoice, got %s", got.Status)
	}
}

func TestReclaimedLeaseDiscardsLateResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{res: processor.OCRResult{Success: true, Text: sampleInvoice}}})
	ctx := context.Background()
	inv := f.upload(t, "facture.pdf")

	slow := &reclaimBeforeSave{Store: f.store, clock: f.clock}
	w := New(slow, f.docs, processor.New(processor.Config{}, f.ocr), WithClock(f.clock.Now), WithLogger(quietLogger()))

	out, err := w.ProcessSingleJob(ctx, "scheduler")
	if err != nil {
		t.Fatalf("ProcessSingleJob error: %v", err)
	}
	if out.Kind != OutcomeLostJob {
		t.Fatalf("expected lease lost outcome, got %+v", out)
	}

	got, _ := f.store.GetInvoice(ctx, inv.ID)
	if got.Status != model.InvoiceStatusProcessing || got.Vendor != nil {
		t.Fatalf("expected invoice untouched by the late worker, got %s %v", got.Status, got.Vendor)
	}
	job, _ := f.store.GetJob(ctx, out.JobID)
	if job.Status != model.OcrJobRunning || job.LockedBy == nil || *job.LockedBy != slow.takeover {
		t.Fatalf("expected job still held by the new claimer, got %+v", job)
	}
}

func TestRunBatchContinuesAfterQueueWriteError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []ocrStep{{err: errors.New("ocr timeout")}})
	ctx := context.Background()
	f.upload(t, "a.pdf")
	f.clock.Advance(time.Second)
	f.upload(t, "b.pdf")

	broken := &brokenRetryStore{Store: f.store}
	w := New(broken, f.docs, processor.New(processor.Config{}, f.ocr), WithClock(f.clock.Now), WithLogger(quietLogger()))

	report, err := w.RunBatch(ctx, "batch", 5)
	if err != nil {
		t.Fatalf("RunBatch error: %v", err)
	}
	if report.Processed != 2 || report.QueueErrors != 2 || broken.retries.Load() != 2 {
		t.Fatalf("expected both jobs attempted, got %+v retries=%d", report, broken.retries.Load())
	}
}

func TestRunBatchStopsOnClaimError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	w := New(claimFailingStore{Store: f.store}, f.docs, processor.New(processor.Config{}, f.ocr), WithLogger(quietLogger()))

	if _, err := w.RunBatch(context.Background(), "batch", 5); err == nil {
		t.Fatalf("expected claim error to stop the batch")
	}
}

// --- stubs ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type ocrStep struct {
	res processor.OCRResult
	err error
}

// scriptedOCR 依次返回预设结果，超出后重复最后一个。
type scriptedOCR struct {
	steps []ocrStep
	calls atomic.Int32
}

func (s *scriptedOCR) Recognize(ctx context.Context, doc processor.Document) (processor.OCRResult, error) {
	idx := int(s.calls.Add(1)) - 1
	if len(s.steps) == 0 {
		return processor.OCRResult{}, errors.New("no scripted response")
	}
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx].res, s.steps[idx].err
}

type fixture struct {
	store  *storage.Store
	docs   *docstore.Local
	clock  *testClock
	ocr    *scriptedOCR
	worker *Worker
}

func newFixture(t *testing.T, steps []ocrStep, storeOpts ...storage.Option) *fixture {
	t.Helper()
	return buildFixture(t, steps, storeOpts, nil)
}

func buildFixture(t *testing.T, steps []ocrStep, storeOpts []storage.Option, workerOpts []Option) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)}

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "invoices.db"), append([]storage.Option{storage.WithClock(clock.Now)}, storeOpts...)...)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	docs, err := docstore.NewLocal(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewLocal error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ocr := &scriptedOCR{steps: steps}
	opts := append([]Option{
		WithClock(clock.Now),
		WithLogger(logger),
		WithDirectory(directory.NewService(store, directory.Config{})),
	}, workerOpts...)
	w := New(store, docs, processor.New(processor.Config{}, ocr), opts...)

	return &fixture{store: store, docs: docs, clock: clock, ocr: ocr, worker: w}
}

// upload 模拟上传：保存原件、创建 PROCESSING 发票并入队。
func (f *fixture) upload(t *testing.T, original string) *model.Invoice {
	t.Helper()
	ctx := context.Background()
	name := docstore.NewName(original)
	if err := f.docs.Put(ctx, name, []byte("%PDF-1.4"), "application/pdf"); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	inv := &model.Invoice{Filename: name, OriginalName: original, MimeType: "application/pdf", Size: 8}
	if err := f.store.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if _, _, err := f.store.EnqueueJob(ctx, inv.ID, 0); err != nil {
		t.Fatalf("EnqueueJob error: %v", err)
	}
	return inv
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// reclaimBeforeSave 在写回前模拟租约过期，并由同名 worker 重新领取同一任务。
type reclaimBeforeSave struct {
	*storage.Store
	clock    *testClock
	takeover string
}

func (r *reclaimBeforeSave) SaveExtraction(ctx context.Context, job *model.OcrJob, ex storage.Extraction) error {
	r.clock.Advance(20 * time.Minute)
	if _, err := r.Store.ReclaimStaleJobs(ctx, 10*time.Minute); err != nil {
		return err
	}
	next, err := r.Store.ClaimNextJob(ctx, "scheduler")
	if err != nil || next == nil {
		return fmt.Errorf("re-claim: job=%v err=%v", next, err)
	}
	r.takeover = *next.LockedBy
	return r.Store.SaveExtraction(ctx, job, ex)
}

type brokenRetryStore struct {
	*storage.Store
	retries atomic.Int32
}

func (b *brokenRetryStore) RetryJob(context.Context, *model.OcrJob, time.Time, string) error {
	b.retries.Add(1)
	return errors.New("database is locked")
}

type claimFailingStore struct {
	*storage.Store
}

func (claimFailingStore) ClaimNextJob(context.Context, string) (*model.OcrJob, error) {
	return nil, errors.New("connection refused")
}
