package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

type Store struct {
	db         *gorm.DB
	maxRetries int
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	s, err := openDSN(cfg.DSN(), cfg.MaxTxRetries)
	if err != nil {
		return nil, err
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return s, nil
}

func openDSN(dsn string, maxRetries int) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, maxRetries: maxRetries}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&model.Worker{},
		&model.UsageInterval{},
		&model.SystemSetting{},
		&model.CategoryLock{},
		&model.OccupancyEvent{},
	); err != nil {
		return err
	}

	// At most one open interval per worker.
	return s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_one_open
		ON usage_intervals (worker_id)
		WHERE end_time IS NULL
	`).Error
}

// Atomic runs fn in a read-committed transaction. Serialization comes from the
// row locks taken through the Ledger (worker row first, then category row), so
// the category count read after LockCategory always reflects every earlier
// commit in that category.
func (s *Store) Atomic(ctx context.Context, fn func(store.Ledger) error) error {
	attempts := s.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(newLedger(tx))
		}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) Snapshot(ctx context.Context, fn func(store.Reader) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(newLedger(tx))
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}
