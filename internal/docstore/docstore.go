// Package docstore 保存上传的发票原件，支持本地目录、GCS 与 Supabase Storage。
package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// 存储后端。
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSupabase = "supabase"
)

var (
	// ErrNotFound 表示文件不存在。
	ErrNotFound = errors.New("document not found")
	// ErrInvalidName 表示文件名包含路径成分。
	ErrInvalidName = errors.New("invalid document name")
)

// Store 定义原件存取接口，name 为不含目录的存储名。
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Fetch(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
}

// Config 描述存储后端配置。
type Config struct {
	Backend         string `yaml:"backend" json:"backend" validate:"omitempty,oneof=local gcs supabase"`
	Dir             string `yaml:"dir" json:"dir"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	CredentialsJSON string `yaml:"credentials_json" json:"-"`
	SupabaseURL     string `yaml:"supabase_url" json:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_key" json:"-"`
}

// New 按配置创建存储后端，默认本地目录 uploads/invoices。
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("uploads", "invoices")
		}
		return NewLocal(dir)
	case BackendGCS:
		return NewGCS(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsJSON)
	case BackendSupabase:
		return NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.Backend)
	}
}

// NewName 为上传文件生成存储名 <uuid>.<ext>，扩展名取自原始文件名并转为小写。
func NewName(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" || len(ext) > 8 {
		ext = ".bin"
	}
	return uuid.NewString() + ext
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
