package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"invoice-intake/internal/model"
)

const (
	defaultCabinetName  = "Default Cabinet"
	defaultCabinetEmail = "default@cabinet.local"
)

// DefaultCabinetID 返回最早创建的事务所 ID，不存在时创建默认事务所。
func (s *Store) DefaultCabinetID(ctx context.Context) (string, error) {
	var cabinets []model.Cabinet
	if err := s.db.WithContext(ctx).Order("created_at ASC").Limit(1).Find(&cabinets).Error; err != nil {
		return "", fmt.Errorf("find cabinet: %w", err)
	}
	if len(cabinets) > 0 {
		return cabinets[0].ID, nil
	}

	cabinet := model.Cabinet{ID: uuid.NewString(), Name: defaultCabinetName, Email: defaultCabinetEmail, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&cabinet).Error; err != nil {
		return "", fmt.Errorf("create default cabinet: %w", err)
	}
	// 并发创建时以数据库中的记录为准。
	var stored model.Cabinet
	if err := s.db.WithContext(ctx).First(&stored, "email = ?", defaultCabinetEmail).Error; err != nil {
		return "", notFound(err, "reload default cabinet")
	}
	return stored.ID, nil
}

// GetCabinet 根据 ID 获取事务所。
func (s *Store) GetCabinet(ctx context.Context, id string) (*model.Cabinet, error) {
	var cabinet model.Cabinet
	if err := s.db.WithContext(ctx).First(&cabinet, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get cabinet")
	}
	return &cabinet, nil
}

// UpsertVendor 按 (name, cabinet_id) 写入供应商联系人，已存在时更新联系方式。
func (s *Store) UpsertVendor(ctx context.Context, v *model.Vendor) error {
	now := s.now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "cabinet_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "telephone", "siret", "address", "updated_at"}),
	}).Create(v)
	if tx.Error != nil {
		return fmt.Errorf("upsert vendor: %w", tx.Error)
	}
	return nil
}

// ListVendors 返回事务所的供应商目录。
func (s *Store) ListVendors(ctx context.Context, cabinetID string) ([]model.Vendor, error) {
	var vendors []model.Vendor
	if err := s.db.WithContext(ctx).Where("cabinet_id = ?", cabinetID).Order("name ASC").Find(&vendors).Error; err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	return vendors, nil
}
