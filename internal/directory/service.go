// Package directory 维护按事务所隔离的供应商联系人目录。
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"invoice-intake/internal/model"
	"invoice-intake/internal/validate"
)

// ErrNoVendor 表示联系人没有可用的供应商名称。
var ErrNoVendor = errors.New("vendor name required")

// Store 定义目录所需的持久化接口。
type Store interface {
	DefaultCabinetID(ctx context.Context) (string, error)
	GetCabinet(ctx context.Context, id string) (*model.Cabinet, error)
	UpsertVendor(ctx context.Context, v *model.Vendor) error
}

// Config 控制目录归属与号码解析区域。
type Config struct {
	CabinetID string `yaml:"cabinet_id" json:"cabinet_id"`
	Region    string `yaml:"region" json:"region"`
}

// Contact 为从发票中抽取的供应商联系方式。
type Contact struct {
	Name    string
	Email   string
	Phone   string
	Siret   string
	Address string
}

// Service 负责清洗联系方式并写入目录。
type Service struct {
	store    Store
	cfg      Config
	validate *validator.Validate
}

// NewService 创建目录服务。
func NewService(store Store, cfg Config) *Service {
	if cfg.Region == "" {
		cfg.Region = "FR"
	}
	return &Service{store: store, cfg: cfg, validate: validator.New()}
}

// Upsert 按 (name, cabinet) 写入供应商，重复调用结果一致。
// 非法邮箱与未通过校验的 SIRET 会被丢弃，合法电话号码统一为 E.164。
func (s *Service) Upsert(ctx context.Context, c Contact) (*model.Vendor, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, ErrNoVendor
	}

	cabinetID, err := s.cabinetID(ctx)
	if err != nil {
		return nil, err
	}

	v := model.Vendor{
		Name:      name,
		CabinetID: cabinetID,
		Email:     s.email(c.Email),
		Telephone: s.phone(c.Phone),
		Siret:     siret(c.Siret),
		Address:   optional(c.Address),
	}
	if err := s.store.UpsertVendor(ctx, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Service) cabinetID(ctx context.Context) (string, error) {
	if s.cfg.CabinetID == "" {
		id, err := s.store.DefaultCabinetID(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve default cabinet: %w", err)
		}
		return id, nil
	}
	cabinet, err := s.store.GetCabinet(ctx, s.cfg.CabinetID)
	if err != nil {
		return "", fmt.Errorf("resolve cabinet %s: %w", s.cfg.CabinetID, err)
	}
	return cabinet.ID, nil
}

func (s *Service) email(raw string) *string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || s.validate.Var(email, "email") != nil {
		return nil
	}
	return &email
}

// phone 将可解析的号码格式化为 E.164，无法解析时保留原值。
func (s *Service) phone(raw string) *string {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return nil
	}
	num, err := libphonenumber.Parse(phone, s.cfg.Region)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return &phone
	}
	formatted := libphonenumber.Format(num, libphonenumber.E164)
	return &formatted
}

func siret(raw string) *string {
	v := validate.Compact(raw)
	if v == "" || !validate.SIRET(v) {
		return nil
	}
	return &v
}

func optional(raw string) *string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	return &v
}
