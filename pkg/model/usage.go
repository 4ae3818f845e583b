package model

import (
	"time"

	"github.com/google/uuid"
)

// UsageInterval is one occupancy period. EndTime is nil while the interval is open.
type UsageInterval struct {
	ID              uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	WorkerID        uuid.UUID  `gorm:"type:uuid;not null;index:idx_usage_worker_start"`
	StartTime       time.Time  `gorm:"not null;index:idx_usage_worker_start"`
	EndTime         *time.Time `gorm:"index"`
	DurationMinutes float64    `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (UsageInterval) TableName() string {
	return "usage_intervals"
}

func (u *UsageInterval) Open() bool {
	return u.EndTime == nil
}

// MinutesAt returns the stored duration of a closed interval, or the elapsed
// time at now for an open one.
func (u *UsageInterval) MinutesAt(now time.Time) float64 {
	if u.EndTime != nil {
		return u.DurationMinutes
	}
	elapsed := now.Sub(u.StartTime).Minutes()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Close sets the end time and the duration in fractional minutes.
func (u *UsageInterval) Close(end time.Time) {
	if end.Before(u.StartTime) {
		end = u.StartTime
	}
	u.EndTime = &end
	u.DurationMinutes = end.Sub(u.StartTime).Minutes()
}
