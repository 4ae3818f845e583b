package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

type ledger struct {
	tx    *gorm.DB
	locks map[model.Category]int64
}

func newLedger(tx *gorm.DB) *ledger {
	return &ledger{tx: tx, locks: make(map[model.Category]int64)}
}

func (l *ledger) Worker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	var worker model.Worker
	if err := l.tx.WithContext(ctx).First(&worker, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get worker")
	}
	return &worker, nil
}

func (l *ledger) LockWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	var worker model.Worker
	err := l.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&worker, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "lock worker")
	}
	return &worker, nil
}

func (l *ledger) LockCategory(ctx context.Context, category model.Category) error {
	db := l.tx.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.CategoryLock{Category: category}).Error; err != nil {
		return fmt.Errorf("ensure category lock: %w", err)
	}

	var lock model.CategoryLock
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&lock, "category = ?", category).Error; err != nil {
		return translate(err, "lock category")
	}
	l.locks[category] = lock.Version
	return nil
}

func (l *ledger) BumpVersion(ctx context.Context, category model.Category) (int64, error) {
	version, ok := l.locks[category]
	if !ok {
		return 0, store.ErrCategoryNotLocked
	}
	version++
	err := l.tx.WithContext(ctx).Model(&model.CategoryLock{}).
		Where("category = ?", category).
		Updates(map[string]interface{}{
			"version":    version,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return 0, fmt.Errorf("bump category version: %w", err)
	}
	l.locks[category] = version
	return version, nil
}

func (l *ledger) Setting(ctx context.Context, key string) (string, bool, error) {
	var settings []model.SystemSetting
	if err := l.tx.WithContext(ctx).Where("key = ?", key).Limit(1).Find(&settings).Error; err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	if len(settings) == 0 {
		return "", false, nil
	}
	return settings[0].Value, true, nil
}

func (l *ledger) PutSetting(ctx context.Context, key, value string) error {
	setting := &model.SystemSetting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := l.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(setting).Error
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (l *ledger) OccupiedCount(ctx context.Context, category model.Category) (int, error) {
	var count int64
	err := l.tx.WithContext(ctx).Model(&model.Worker{}).
		Where("category = ? AND state = ?", category, model.StateOccupied).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count occupied workers: %w", err)
	}
	return int(count), nil
}

func (l *ledger) Occupants(ctx context.Context, category *model.Category) ([]model.Worker, error) {
	query := l.tx.WithContext(ctx).Where("state = ?", model.StateOccupied)
	if category != nil {
		query = query.Where("category = ?", *category)
	}

	var workers []model.Worker
	if err := query.Order("id").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("list occupants: %w", err)
	}
	return workers, nil
}

func (l *ledger) OpenInterval(ctx context.Context, workerID uuid.UUID) (*model.UsageInterval, error) {
	var intervals []model.UsageInterval
	err := l.tx.WithContext(ctx).
		Where("worker_id = ? AND end_time IS NULL", workerID).
		Order("start_time DESC").
		Limit(1).
		Find(&intervals).Error
	if err != nil {
		return nil, fmt.Errorf("get open interval: %w", err)
	}
	if len(intervals) == 0 {
		return nil, nil
	}
	return &intervals[0], nil
}

func (l *ledger) IntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) ([]model.UsageInterval, error) {
	var intervals []model.UsageInterval
	err := l.tx.WithContext(ctx).
		Where("worker_id = ? AND start_time >= ?", workerID, since).
		Order("start_time ASC").
		Find(&intervals).Error
	if err != nil {
		return nil, fmt.Errorf("list intervals: %w", err)
	}
	return intervals, nil
}

func (l *ledger) Workers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	if err := l.tx.WithContext(ctx).Order("username").Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

func (l *ledger) AllIntervalsSince(ctx context.Context, since time.Time) ([]model.UsageInterval, error) {
	var intervals []model.UsageInterval
	err := l.tx.WithContext(ctx).
		Where("start_time >= ?", since).
		Order("start_time ASC").
		Find(&intervals).Error
	if err != nil {
		return nil, fmt.Errorf("list intervals: %w", err)
	}
	return intervals, nil
}

// Versions reads category_locks without locking. Inside a Snapshot the rows
// belong to the same repeatable-read view as every other read.
func (l *ledger) Versions(ctx context.Context) (map[model.Category]int64, error) {
	var locks []model.CategoryLock
	if err := l.tx.WithContext(ctx).Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("list category versions: %w", err)
	}
	versions := make(map[model.Category]int64, len(locks))
	for _, lock := range locks {
		versions[lock.Category] = lock.Version
	}
	return versions, nil
}

func (l *ledger) CreateInterval(ctx context.Context, interval *model.UsageInterval) error {
	if interval.ID == uuid.Nil {
		interval.ID = uuid.New()
	}
	if err := l.tx.WithContext(ctx).Create(interval).Error; err != nil {
		if isUniqueViolation(err) {
			return store.ErrOpenIntervalExists
		}
		return fmt.Errorf("create interval: %w", err)
	}
	return nil
}

func (l *ledger) CloseInterval(ctx context.Context, interval *model.UsageInterval) error {
	result := l.tx.WithContext(ctx).Model(&model.UsageInterval{}).
		Where("id = ?", interval.ID).
		Updates(map[string]interface{}{
			"end_time":         interval.EndTime,
			"duration_minutes": interval.DurationMinutes,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("close interval: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (l *ledger) DeleteIntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) (int64, error) {
	result := l.tx.WithContext(ctx).
		Where("worker_id = ? AND start_time >= ?", workerID, since).
		Delete(&model.UsageInterval{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete intervals: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (l *ledger) SetState(ctx context.Context, workerID uuid.UUID, state model.OccupancyState) error {
	result := l.tx.WithContext(ctx).Model(&model.Worker{}).
		Where("id = ?", workerID).
		Updates(map[string]interface{}{
			"state":      state,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("set worker state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (l *ledger) AppendEvent(ctx context.Context, event *model.OccupancyEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	if err := l.tx.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

func translate(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
