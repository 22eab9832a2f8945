// Package scheduler 周期性回收过期租约并驱动识别批处理。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"invoice-intake/internal/model"
	"invoice-intake/internal/storage"
	"invoice-intake/internal/worker"
)

const sweepLockKey = "invoice-intake:ocr-jobs:sweep"

// Config 用于调度配置。
type Config struct {
	Interval  string `yaml:"interval" json:"interval"`
	Timeout   string `yaml:"timeout" json:"timeout"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	WorkerID  string `yaml:"worker_id" json:"worker_id"`
	LeaseTTL  string `yaml:"lease_ttl" json:"lease_ttl"`
}

// BatchRunner 执行一次识别批处理。
type BatchRunner interface {
	RunBatch(ctx context.Context, workerID string, maxJobs int) (worker.BatchReport, error)
}

// Store 抽象存储接口，便于测试替换。
type Store interface {
	ReclaimStaleJobs(ctx context.Context, ttl time.Duration) (storage.ReclaimResult, error)
	InvoicesByIDs(ctx context.Context, ids []string) ([]model.Invoice, error)
}

// Notifier 用于发送识别失败通知。
type Notifier interface {
	Notify(ctx context.Context, invoices []model.Invoice) error
}

// Scheduler 负责周期性回收租约并处理队列。
type Scheduler struct {
	runner    BatchRunner
	store     Store
	notif     Notifier
	locker    Locker
	logger    logrus.FieldLogger
	interval  time.Duration
	cronSpec  string
	cron      *cronSchedule
	timeout   time.Duration
	leaseTTL  time.Duration
	batchSize int
	workerID  string
	running   atomic.Bool
	newTicker func(time.Duration) ticker
	now       func() time.Time
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithLocker 设置跨进程锁，用于串行化租约回收。
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithLogger 设置日志。
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewScheduler 创建 Scheduler，解析配置的间隔与超时。
func NewScheduler(runner BatchRunner, store Store, n Notifier, cfg Config, opts ...Option) *Scheduler {
	interval, cronCfg := parseSchedule(cfg.Interval)
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "scheduler"
	}

	s := &Scheduler{
		runner:    runner,
		store:     store,
		notif:     n,
		logger:    logrus.StandardLogger(),
		interval:  interval,
		cronSpec:  cronCfg.spec,
		cron:      cronCfg.schedule,
		timeout:   parseDuration(cfg.Timeout, 5*time.Minute),
		leaseTTL:  parseDuration(cfg.LeaseTTL, 10*time.Minute),
		batchSize: batch,
		workerID:  workerID,
		newTicker: defaultTicker,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "scheduler")
	return s
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Start 按间隔或 cron 触发批处理直到 ctx 取消。单次失败只记日志。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.runner == nil || s.store == nil {
		return fmt.Errorf("scheduler missing dependencies")
	}

	if s.cron != nil {
		s.logger.WithField("cron", s.cronSpec).Info("scheduler started")
		return s.startCron(ctx)
	}

	s.logger.WithField("interval", s.interval.String()).Info("scheduler started")
	t := s.newTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			s.tick(ctx)
			skipMissed(t.C())
		}
	}
}

// skipMissed 丢弃批处理期间堆积的 tick。
func skipMissed(ch <-chan time.Time) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.runOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Error("scheduled run failed")
		return
	}
	if report.Processed > 0 {
		s.logger.WithFields(logrus.Fields{
			"processed": report.Processed,
			"done":      report.Done,
			"retried":   report.Retried,
			"failed":    report.Failed,
		}).Info("scheduled batch finished")
	}
}

// RunOnce 对外暴露单次运行接口，便于手动触发。
func (s *Scheduler) RunOnce(ctx context.Context) (worker.BatchReport, error) {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) (worker.BatchReport, error) {
	if s.running.Swap(true) {
		return worker.BatchReport{WorkerID: s.workerID, Skipped: true}, nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	failed, err := s.sweep(ctx)
	if err != nil {
		return worker.BatchReport{}, fmt.Errorf("reclaim stale jobs: %w", err)
	}

	report, err := s.runner.RunBatch(ctx, s.workerID, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("run batch: %w", err)
	}
	failed = append(failed, report.FailedInvoices...)

	if s.notif != nil && len(failed) > 0 {
		invoices, err := s.store.InvoicesByIDs(ctx, failed)
		if err != nil {
			return report, fmt.Errorf("load failed invoices: %w", err)
		}
		if len(invoices) > 0 {
			if err := s.notif.Notify(ctx, invoices); err != nil {
				return report, fmt.Errorf("notify: %w", err)
			}
		}
	}

	return report, nil
}

// sweep 回收过期租约，返回因此终止的发票。配置了锁时同一时刻只有一个进程执行。
func (s *Scheduler) sweep(ctx context.Context) ([]string, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, sweepLockKey, s.timeout)
		switch {
		case errors.Is(err, ErrLockHeld):
			s.logger.Debug("sweep lock held elsewhere, skipping")
			return nil, nil
		case err != nil:
			s.logger.WithError(err).Warn("could not obtain sweep lock; proceeding without lock")
		default:
			defer func() {
				if err := lock.Release(context.Background()); err != nil {
					s.logger.WithError(err).Warn("failed to release sweep lock")
				}
			}()
		}
	}

	res, err := s.store.ReclaimStaleJobs(ctx, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	if res.Requeued > 0 || len(res.FailedInvoices) > 0 {
		s.logger.WithFields(logrus.Fields{
			"requeued": res.Requeued,
			"failed":   len(res.FailedInvoices),
		}).Warn("reclaimed stale job leases")
	}
	return res.FailedInvoices, nil
}

type realTicker struct{ t *time.Ticker }

func defaultTicker(d time.Duration) ticker { return realTicker{time.NewTicker(d)} }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func (s *Scheduler) startCron(ctx context.Context) error {
	for {
		now := s.now()
		at, err := s.cron.next(now)
		if err != nil {
			return fmt.Errorf("compute next cron time: %w", err)
		}
		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.tick(ctx)
		}
	}
}
