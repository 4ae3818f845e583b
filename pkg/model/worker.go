package model

import (
	"time"

	"github.com/google/uuid"
)

type Category string

type OccupancyState string

const (
	StateAvailable OccupancyState = "available"
	StateOccupied  OccupancyState = "occupied"
)

const (
	RoleEmployee   = "employee"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Worker is owned by the worker registry. The admission controller only writes State.
type Worker struct {
	ID                uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Username          string         `gorm:"uniqueIndex;not null"`
	Name              string
	Role              string         `gorm:"type:varchar(16);not null;default:'employee'"`
	Category          Category       `gorm:"type:varchar(32);not null;index:idx_workers_category_state"`
	DailyQuotaMinutes int            `gorm:"not null;default:30"`
	State             OccupancyState `gorm:"type:varchar(16);not null;default:'available';index:idx_workers_category_state"`
	Active            bool           `gorm:"not null;default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (w *Worker) Occupied() bool {
	return w.State == StateOccupied
}

// DisplayName prefers the full name and falls back to the username.
func (w *Worker) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Username
}

// CategoryLock is the per-category serialization point. Version grows with every
// committed change in the category.
type CategoryLock struct {
	Category  Category `gorm:"type:varchar(32);primaryKey"`
	Version   int64    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (CategoryLock) TableName() string {
	return "category_locks"
}

type SystemSetting struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

const (
	SettingDefaultQuota     = "default_quota"
	SettingBroadcastMessage = "broadcast_message"
)

// CapSettingKey names the setting holding the concurrency cap of a category.
func CapSettingKey(category Category) string {
	return "max_" + string(category) + "_breaks"
}
