package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"invoice-intake/internal/api"
	"invoice-intake/internal/directory"
	"invoice-intake/internal/docstore"
	"invoice-intake/internal/notifier"
	"invoice-intake/internal/processor"
	"invoice-intake/internal/scheduler"
	"invoice-intake/internal/storage"
	"invoice-intake/internal/worker"
)

// appScheduler 为 cmd 使用的调度接口。
type appScheduler interface {
	Start(ctx context.Context) error
	RunOnce(ctx context.Context) (worker.BatchReport, error)
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// appDeps 为装配好的运行时组件。
type appDeps struct {
	sched   appScheduler
	handler http.Handler
}

type appBuilder func(AppConfig) (appDeps, func(), error)

func main() {
	once := flag.Bool("once", false, "process one batch of OCR jobs and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Error("load config")
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	build := func(c AppConfig) (appDeps, func(), error) {
		return buildApp(ctx, c, logger)
	}

	if *once {
		report, err := runOnceManual(ctx, cfg, build)
		if err != nil {
			logger.WithError(err).Error("manual run failed")
			os.Exit(1)
		}
		logger.WithFields(logrus.Fields{
			"processed": report.Processed,
			"done":      report.Done,
			"retried":   report.Retried,
			"failed":    report.Failed,
		}).Info("manual run finished")
		return
	}

	deps, cleanup, err := build(cfg)
	if err != nil {
		logger.WithError(err).Error("init app")
		os.Exit(1)
	}
	defer cleanup()

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: deps.handler, ReadHeaderTimeout: 10 * time.Second}

	logger.WithField("addr", addr).Info("listening")
	if err := runServer(ctx, srv, deps.sched, shutdownTimeout(cfg.Server)); err != nil {
		logger.WithError(err).Error("server stopped")
	}
}

func shutdownTimeout(cfg ServerConfig) time.Duration {
	if d, err := time.ParseDuration(cfg.ShutdownTimeout); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// runServer 同时运行 HTTP 服务与调度器，ctx 取消后优雅关闭。
func runServer(ctx context.Context, srv httpServer, sched appScheduler, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// runOnceManual 装配组件后执行一次清理与批处理。
func runOnceManual(ctx context.Context, cfg AppConfig, build appBuilder) (worker.BatchReport, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return worker.BatchReport{}, fmt.Errorf("init app: %w", err)
	}
	defer cleanup()

	report, err := deps.sched.RunOnce(ctx)
	if err != nil {
		return report, fmt.Errorf("run once: %w", err)
	}
	return report, nil
}

// buildApp 按配置装配存储、OCR、worker、调度器与 HTTP handler。
// 返回的 cleanup 按创建的逆序释放资源。
func buildApp(ctx context.Context, cfg AppConfig, logger *logrus.Logger) (appDeps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (appDeps, func(), error) {
		cleanup()
		return appDeps{}, func() {}, err
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	closers = append(closers, func() { _ = store.Close() })

	docs, err := docstore.New(ctx, cfg.Documents)
	if err != nil {
		return fail(fmt.Errorf("open docstore: %w", err))
	}
	if c, ok := docs.(io.Closer); ok {
		closers = append(closers, func() { _ = c.Close() })
	}

	ocr, err := processor.NewOCRClient(cfg.OCR)
	if err != nil {
		return fail(err)
	}
	proc := processor.New(cfg.OCR, ocr)

	w := worker.New(store, docs, proc,
		worker.WithLogger(logger),
		worker.WithDirectory(directory.NewService(store, cfg.Directory)),
	)
	closers = append(closers, w.Wait)

	notif, err := notifier.New(cfg.Notifier, logger)
	if err != nil {
		return fail(fmt.Errorf("init notifier: %w", err))
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		locker, err := scheduler.NewRedisLocker(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = locker.Close() })
		schedOpts = append(schedOpts, scheduler.WithLocker(locker))
	}
	sched := scheduler.NewScheduler(w, store, notif, cfg.Scheduler, schedOpts...)

	handler := api.NewHandler(store, docs, w, proc,
		api.WithLogger(logger),
		api.WithConfig(api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		}),
	)

	return appDeps{sched: sched, handler: handler}, cleanup, nil
}
