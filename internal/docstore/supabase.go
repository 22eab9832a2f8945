package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	storage "github.com/supabase-community/storage-go"
)

// Supabase 将原件保存在 Supabase Storage 的 bucket 中。
type Supabase struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewSupabase 创建 Supabase 存储，baseURL 为项目地址。
func NewSupabase(baseURL, key, bucket, prefix string) (*Supabase, error) {
	if baseURL == "" || bucket == "" {
		return nil, errors.New("supabase url and bucket are required")
	}
	client := storage.NewClient(strings.TrimRight(baseURL, "/")+"/storage/v1", key, nil)
	return &Supabase{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put 上传原件，同名覆盖。
func (s *Supabase) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if err := checkName(name); err != nil {
		return err
	}
	upsert := true
	_, err := s.client.UploadFile(s.bucket, objectKey(s.prefix, name), bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("upload to supabase: %w", err)
	}
	return nil
}

// Fetch 下载原件。
func (s *Supabase) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := s.client.DownloadFile(s.bucket, objectKey(s.prefix, name))
	if err != nil {
		if isSupabaseNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("download from supabase: %w", err)
	}
	return data, nil
}

// Remove 删除原件。
func (s *Supabase) Remove(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{objectKey(s.prefix, name)}); err != nil {
		return fmt.Errorf("remove from supabase: %w", err)
	}
	return nil
}

// storage-go 不区分错误类型，只能按消息判断。
func isSupabaseNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
