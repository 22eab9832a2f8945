package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"invoice-intake/internal/directory"
	"invoice-intake/internal/docstore"
	"invoice-intake/internal/notifier"
	"invoice-intake/internal/processor"
	"invoice-intake/internal/scheduler"
	"invoice-intake/internal/storage"
)

const defaultConfigFile = "config.yaml"

// AppConfig 应用配置。
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Log       LogConfig             `yaml:"log"`
	Database  storage.Config        `yaml:"database"`
	Documents docstore.Config       `yaml:"documents"`
	OCR       processor.Config      `yaml:"ocr"`
	Directory directory.Config      `yaml:"directory"`
	Scheduler scheduler.Config      `yaml:"scheduler"`
	Redis     scheduler.RedisConfig `yaml:"redis"`
	Notifier  notifier.Config       `yaml:"notifier"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes" validate:"omitempty,min=1024"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Validate 校验配置。
func (c AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadConfig 读取 .env 与 YAML 配置，再用环境变量覆盖密钥等字段。
// 未指定 CONFIG_FILE 且默认文件不存在时使用空配置。
func loadConfig() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg AppConfig
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return AppConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖配置，密钥只建议通过环境变量提供。
func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set("HTTP_ADDR", &cfg.Server.Addr)
	if v, ok := lookup("PORT"); ok && v != "" && cfg.Server.Addr == "" {
		cfg.Server.Addr = ":" + v
	}
	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v)
	}
	set("LOG_LEVEL", &cfg.Log.Level)
	set("LOG_FORMAT", &cfg.Log.Format)

	set("DB_PATH", &cfg.Database.Path)
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Database.Driver = storage.DriverPostgres
		cfg.Database.DSN = v
	}
	if v, ok := lookup("OCR_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Database.MaxAttempts = n
		}
	}

	set("DOCUMENTS_BACKEND", &cfg.Documents.Backend)
	set("GCS_CREDENTIALS_JSON", &cfg.Documents.CredentialsJSON)
	set("SUPABASE_URL", &cfg.Documents.SupabaseURL)
	set("SUPABASE_KEY", &cfg.Documents.SupabaseKey)

	set("OCR_PROVIDER", &cfg.OCR.Provider)
	set("MISTRAL_API_KEY", &cfg.OCR.Mistral.APIKey)
	set("OCR_SPACE_API_KEY", &cfg.OCR.OCRSpace.APIKey)

	set("REDIS_ADDR", &cfg.Redis.Addr)
	set("REDIS_PASSWORD", &cfg.Redis.Password)
	set("SMTP_PASSWORD", &cfg.Notifier.Email.Password)
}

func splitAndTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// newLogger 按配置创建 logrus 日志。
func newLogger(cfg LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
