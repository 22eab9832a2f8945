package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"invoice-intake/internal/model"
)

// 支持的数据库驱动。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 描述数据库连接配置。
type Config struct {
	Driver      string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn" validate:"required_if=Driver postgres"`
	MaxConns    int32  `yaml:"max_conns"`
	MaxAttempts int    `yaml:"max_attempts" validate:"omitempty,min=1"`
}

// Option 调整 Store 行为。
type Option func(*Store)

// WithClock 注入时钟，便于测试退避与租约。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts 设置新任务的重试预算。
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Store 封装发票、识别任务与供应商目录的数据库访问。
type Store struct {
	db          *gorm.DB
	pool        *pgxpool.Pool
	now         func() time.Time
	maxAttempts int
}

// Open 按配置选择驱动创建 Store。
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.MaxAttempts > 0 {
		opts = append([]Option{WithMaxAttempts(cfg.MaxAttempts)}, opts...)
	}
	switch cfg.Driver {
	case "", DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "data/invoices.db"
		}
		return NewStore(path, opts...)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewStore 创建 SQLite Store 并自动迁移数据表。
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_foreign_keys=on"), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	// SQLite 只有库级写锁，单连接让事务串行执行。
	sqlDB.SetMaxOpenConns(1)

	return newStore(db, nil, opts)
}

// NewPostgresStore 基于 pgx 连接池创建 PostgreSQL Store。
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, opts ...Option) (*Store, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "invoice-intake"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gormConfig())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newStore(db, pool, opts)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}

func newStore(db *gorm.DB, pool *pgxpool.Pool, opts []Option) (*Store, error) {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("install otelgorm: %w", err)
	}
	if err := db.AutoMigrate(&model.Invoice{}, &model.OcrJob{}, &model.Cabinet{}, &model.Vendor{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	s := &Store{
		db:          db,
		pool:        pool,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: model.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) isSQLite() bool {
	return s.db.Dialector.Name() == DriverSQLite
}

func notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sql.ErrNoRows
	}
	return fmt.Errorf("%s: %w", op, err)
}
