package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/breakslot/breakslot/pkg/model"
)

var ErrNotFound = errors.New("record not found")

// ErrCategoryNotLocked is returned when a write that requires the category lock
// runs without it.
var ErrCategoryNotLocked = errors.New("category lock not held")

// ErrOpenIntervalExists is returned when a second open interval would be created for a worker.
var ErrOpenIntervalExists = errors.New("worker already has an open interval")

// Reader is the read side of the usage ledger and configuration store.
type Reader interface {
	// Worker returns the worker or ErrNotFound.
	Worker(ctx context.Context, id uuid.UUID) (*model.Worker, error)

	// Setting returns the stored value of a configuration key.
	Setting(ctx context.Context, key string) (string, bool, error)

	// OccupiedCount counts workers of the category whose state is occupied.
	OccupiedCount(ctx context.Context, category model.Category) (int, error)

	// Occupants lists occupied workers, restricted to a category when one is given.
	Occupants(ctx context.Context, category *model.Category) ([]model.Worker, error)

	// OpenInterval returns the worker's interval without an end time, or nil.
	OpenInterval(ctx context.Context, workerID uuid.UUID) (*model.UsageInterval, error)

	// IntervalsSince lists the worker's intervals that started at or after since, oldest first.
	IntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) ([]model.UsageInterval, error)

	// Workers lists every registered worker ordered by username.
	Workers(ctx context.Context) ([]model.Worker, error)

	// AllIntervalsSince lists the intervals of every worker that started at or
	// after since, oldest first.
	AllIntervalsSince(ctx context.Context, since time.Time) ([]model.UsageInterval, error)

	// Versions returns the committed version of every category that has one.
	// Categories without an entry are at version zero.
	Versions(ctx context.Context) (map[model.Category]int64, error)
}

// Ledger is the transactional view used by every mutating operation. Reads made
// through a Ledger observe the writes already made through it.
type Ledger interface {
	Reader

	// LockWorker loads the worker and holds its row until the transaction ends.
	LockWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error)

	// LockCategory holds the category serialization point until the transaction ends.
	LockCategory(ctx context.Context, category model.Category) error

	// BumpVersion increments and returns the category version. The category must be locked.
	BumpVersion(ctx context.Context, category model.Category) (int64, error)

	PutSetting(ctx context.Context, key, value string) error
	CreateInterval(ctx context.Context, interval *model.UsageInterval) error
	CloseInterval(ctx context.Context, interval *model.UsageInterval) error
	DeleteIntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) (int64, error)
	SetState(ctx context.Context, workerID uuid.UUID, state model.OccupancyState) error

	// AppendEvent writes an outbox row committed together with the change it describes.
	AppendEvent(ctx context.Context, event *model.OccupancyEvent) error
}

// LedgerStore runs ledger work inside transactional boundaries.
type LedgerStore interface {
	// Atomic runs fn in a transaction. Any error returned by fn rolls back every
	// write it made. fn may be invoked again when the backend retries a
	// serialization failure, so it must not keep state across invocations.
	Atomic(ctx context.Context, fn func(Ledger) error) error

	// Snapshot runs fn against a consistent read-only view.
	Snapshot(ctx context.Context, fn func(Reader) error) error

	Close() error
}
