package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"invoice-intake/internal/model"
)

// ErrLeaseLost 表示任务已不再由当前 worker 持有（被回收或已结束）。
var ErrLeaseLost = errors.New("ocr job lease lost")

var liveJobStatuses = []model.OcrJobStatus{model.OcrJobPending, model.OcrJobRunning}

// ReclaimResult 为一次过期租约清理的结果。
type ReclaimResult struct {
	Requeued int
	// FailedInvoices 为重试预算耗尽、已置为 ERROR 的发票。
	FailedInvoices []string
}

// EnqueueJob 为发票创建 PENDING 任务；已有 PENDING/RUNNING 任务时直接返回该任务，created 为 false。
// 检查与插入在同一事务内，但不依赖唯一约束，并发入队仍可能产生重复任务。
func (s *Store) EnqueueJob(ctx context.Context, invoiceID string, priority int) (job *model.OcrJob, created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, created, err = s.enqueueTx(tx, invoiceID, priority)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func (s *Store) enqueueTx(tx *gorm.DB, invoiceID string, priority int) (*model.OcrJob, bool, error) {
	var existing []model.OcrJob
	if err := tx.Where("invoice_id = ? AND status IN ?", invoiceID, liveJobStatuses).
		Limit(1).Find(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("check live job: %w", err)
	}
	if len(existing) > 0 {
		return &existing[0], false, nil
	}

	now := s.now()
	job := &model.OcrJob{
		ID:          uuid.NewString(),
		InvoiceID:   invoiceID,
		Status:      model.OcrJobPending,
		Priority:    priority,
		MaxAttempts: s.maxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	return job, true, nil
}

// ClaimNextJob 原子地领取一个可执行任务：按优先级降序、创建时间升序，
// PostgreSQL 上使用 FOR UPDATE SKIP LOCKED，并发领取者跳过而不是等待。
// locked_by 记为 workerID 加本次领取的随机令牌，同名 worker 重新领取后旧租约即失效。
// 没有可领取任务时返回 nil, nil。
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*model.OcrJob, error) {
	var claimed *model.OcrJob
	lease := workerID + "/" + uuid.NewString()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		q := tx.Where("status = ? AND available_at <= ?", model.OcrJobPending, now).
			Order("priority DESC").
			Order("created_at ASC").
			Limit(1)
		// SQLite 没有行锁，单连接写事务已串行化。
		if !s.isSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []model.OcrJob
		if err := q.Find(&candidates).Error; err != nil {
			return fmt.Errorf("select job: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}
		job := candidates[0]

		res := tx.Model(&model.OcrJob{}).
			Where("id = ? AND status = ?", job.ID, model.OcrJobPending).
			Updates(map[string]any{
				"status":     model.OcrJobRunning,
				"locked_at":  now,
				"locked_by":  lease,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("lock job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		job.Status = model.OcrJobRunning
		job.LockedAt = &now
		job.LockedBy = &lease
		job.Attempts++
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// CompleteJob 将任务标记为 DONE 并清除租约与错误信息。
func (s *Store) CompleteJob(ctx context.Context, job *model.OcrJob) error {
	return s.finishJob(s.db.WithContext(ctx), job, map[string]any{
		"status":     model.OcrJobDone,
		"last_error": nil,
	}, "complete job")
}

// RetryJob 将任务放回 PENDING，availableAt 之后才可再次领取。
func (s *Store) RetryJob(ctx context.Context, job *model.OcrJob, availableAt time.Time, lastError string) error {
	return s.finishJob(s.db.WithContext(ctx), job, map[string]any{
		"status":       model.OcrJobPending,
		"available_at": availableAt,
		"last_error":   lastError,
	}, "retry job")
}

// FailJob 将任务标记为 FAILED，并在同一事务内把发票置为 ERROR。
func (s *Store) FailJob(ctx context.Context, job *model.OcrJob, lastError string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.finishJob(tx, job, map[string]any{
			"status":     model.OcrJobFailed,
			"last_error": lastError,
		}, "fail job"); err != nil {
			return err
		}
		return s.markInvoiceErrorTx(tx, job.InvoiceID)
	})
}

func (s *Store) finishJob(db *gorm.DB, job *model.OcrJob, values map[string]any, op string) error {
	values["locked_at"] = nil
	values["locked_by"] = nil
	values["updated_at"] = s.now()

	res := db.Model(&model.OcrJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, model.OcrJobRunning, deref(job.LockedBy)).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", op, job.ID, ErrLeaseLost)
	}
	return nil
}

// holdLease 确认 job 仍由本次领取持有，PostgreSQL 上同时锁住任务行直到事务结束。
func (s *Store) holdLease(tx *gorm.DB, job *model.OcrJob, op string) error {
	q := tx.Model(&model.OcrJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, model.OcrJobRunning, deref(job.LockedBy))
	if !s.isSQLite() {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("%s %s: %w", op, job.ID, ErrLeaseLost)
	}
	return nil
}

func (s *Store) markInvoiceErrorTx(tx *gorm.DB, invoiceID string) error {
	if err := tx.Model(&model.Invoice{}).
		Where("id = ? AND status IN ?", invoiceID, pipelineWritable).
		Updates(map[string]any{"status": model.InvoiceStatusError, "updated_at": s.now()}).Error; err != nil {
		return fmt.Errorf("mark invoice error: %w", err)
	}
	return nil
}

// ReclaimStaleJobs 回收 locked_at 早于 ttl 的 RUNNING 任务（worker 崩溃后遗留）。
// 仍有重试预算的放回 PENDING，预算耗尽的标记 FAILED 并将发票置为 ERROR。
func (s *Store) ReclaimStaleJobs(ctx context.Context, ttl time.Duration) (ReclaimResult, error) {
	var result ReclaimResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		q := tx.Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?", model.OcrJobRunning, now.Add(-ttl))
		if !s.isSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var stale []model.OcrJob
		if err := q.Find(&stale).Error; err != nil {
			return fmt.Errorf("select stale jobs: %w", err)
		}

		for i := range stale {
			job := &stale[i]
			msg := fmt.Sprintf("lease expired (locked by %s)", deref(job.LockedBy))
			if job.Attempts >= job.MaxAttempts {
				if err := s.finishJob(tx, job, map[string]any{"status": model.OcrJobFailed, "last_error": msg}, "fail stale job"); err != nil {
					return err
				}
				if err := s.markInvoiceErrorTx(tx, job.InvoiceID); err != nil {
					return err
				}
				result.FailedInvoices = append(result.FailedInvoices, job.InvoiceID)
				continue
			}
			if err := s.finishJob(tx, job, map[string]any{
				"status":       model.OcrJobPending,
				"available_at": now,
				"last_error":   msg,
			}, "requeue stale job"); err != nil {
				return err
			}
			result.Requeued++
		}
		return nil
	})
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return result, nil
}

// ListJobs 返回发票的全部识别任务（审计记录），按创建时间升序。
func (s *Store) ListJobs(ctx context.Context, invoiceID string) ([]model.OcrJob, error) {
	var jobs []model.OcrJob
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob 根据 ID 获取任务。
func (s *Store) GetJob(ctx context.Context, id string) (*model.OcrJob, error) {
	var job model.OcrJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get job")
	}
	return &job, nil
}

// RequeueInvoice 人工重试：ERROR 发票回到 PROCESSING 并以优先级 1 入队。
func (s *Store) RequeueInvoice(ctx context.Context, invoiceID string) (*model.OcrJob, error) {
	var job *model.OcrJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv model.Invoice
		if err := tx.First(&inv, "id = ?", invoiceID).Error; err != nil {
			return notFound(err, "load invoice")
		}
		if inv.Status != model.InvoiceStatusError {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, model.InvoiceStatusProcessing)
		}
		if err := tx.Model(&model.Invoice{}).Where("id = ?", invoiceID).
			Updates(map[string]any{"status": model.InvoiceStatusProcessing, "updated_at": s.now()}).Error; err != nil {
			return fmt.Errorf("reset invoice status: %w", err)
		}
		var err error
		job, _, err = s.enqueueTx(tx, invoiceID, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
