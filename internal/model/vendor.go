package model

import "time"

// Cabinet 表示会计事务所，供应商目录按事务所隔离。
type Cabinet struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `json:"name"`
	Email     string    `gorm:"uniqueIndex;size:255" json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Vendor 是按 (Name, CabinetID) 去重的供应商联系人目录。
type Vendor struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null;uniqueIndex:idx_vendor_cabinet" json:"name"`
	CabinetID string    `gorm:"size:36;not null;uniqueIndex:idx_vendor_cabinet" json:"cabinetId"`
	Email     *string   `json:"email"`
	Telephone *string   `json:"telephone"`
	Siret     *string   `json:"siret"`
	Address   *string   `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
