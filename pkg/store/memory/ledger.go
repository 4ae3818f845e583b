// Package memory is an in-process ledger backend for development and tests.
// All writers are serialized by one mutex. Every write made inside Atomic
// records its inverse, and a failed transaction replays those in reverse.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

const defaultEventRetention = 1024

type Option func(*Store)

// WithEventRetention bounds how many outbox rows the store keeps. Older rows
// are overwritten once the bound is reached.
func WithEventRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.events = newEventLog(n)
		}
	}
}

type Store struct {
	mu        sync.RWMutex
	workers   map[uuid.UUID]model.Worker
	occupied  map[model.Category]map[uuid.UUID]struct{}
	intervals map[uuid.UUID][]model.UsageInterval
	settings  map[string]string
	versions  map[model.Category]int64
	events    *eventLog
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		workers:   make(map[uuid.UUID]model.Worker),
		occupied:  make(map[model.Category]map[uuid.UUID]struct{}),
		intervals: make(map[uuid.UUID][]model.UsageInterval),
		settings:  make(map[string]string),
		versions:  make(map[model.Category]int64),
		events:    newEventLog(defaultEventRetention),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutWorker inserts or replaces a worker, standing in for the worker registry.
func (s *Store) PutWorker(worker model.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker.State == "" {
		worker.State = model.StateAvailable
	}
	if worker.Role == "" {
		worker.Role = model.RoleEmployee
	}
	s.putWorker(worker)
}

// PutInterval inserts a historical interval as-is.
func (s *Store) PutInterval(interval model.UsageInterval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals[interval.WorkerID] = append(s.intervals[interval.WorkerID], interval)
}

// Events returns the retained outbox rows, oldest first.
func (s *Store) Events() []model.OccupancyEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.list()
}

func (s *Store) Atomic(ctx context.Context, fn func(store.Ledger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &ledger{s: s, locked: make(map[model.Category]bool)}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) Snapshot(ctx context.Context, fn func(store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&ledger{s: s})
}

func (s *Store) Close() error {
	return nil
}

// putWorker stores w and keeps the occupancy index in step with its state.
func (s *Store) putWorker(w model.Worker) {
	if old, ok := s.workers[w.ID]; ok && old.State == model.StateOccupied {
		delete(s.occupied[old.Category], old.ID)
	}
	s.workers[w.ID] = w
	if w.State == model.StateOccupied {
		if s.occupied[w.Category] == nil {
			s.occupied[w.Category] = make(map[uuid.UUID]struct{})
		}
		s.occupied[w.Category][w.ID] = struct{}{}
	}
}

type ledger struct {
	s      *Store
	locked map[model.Category]bool
	undo   []func()
}

func (l *ledger) onRollback(fn func()) {
	l.undo = append(l.undo, fn)
}

func (l *ledger) rollback() {
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
	l.undo = nil
}

func (l *ledger) Worker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	w, ok := l.s.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (l *ledger) Workers(ctx context.Context) ([]model.Worker, error) {
	workers := make([]model.Worker, 0, len(l.s.workers))
	for _, w := range l.s.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Username < workers[j].Username
	})
	return workers, nil
}

func (l *ledger) Setting(ctx context.Context, key string) (string, bool, error) {
	value, ok := l.s.settings[key]
	return value, ok, nil
}

func (l *ledger) Versions(ctx context.Context) (map[model.Category]int64, error) {
	versions := make(map[model.Category]int64, len(l.s.versions))
	for category, version := range l.s.versions {
		versions[category] = version
	}
	return versions, nil
}

func (l *ledger) OccupiedCount(ctx context.Context, category model.Category) (int, error) {
	return len(l.s.occupied[category]), nil
}

func (l *ledger) Occupants(ctx context.Context, category *model.Category) ([]model.Worker, error) {
	var occupants []model.Worker
	for c, ids := range l.s.occupied {
		if category != nil && c != *category {
			continue
		}
		for id := range ids {
			occupants = append(occupants, l.s.workers[id])
		}
	}
	sort.Slice(occupants, func(i, j int) bool {
		return occupants[i].ID.String() < occupants[j].ID.String()
	})
	return occupants, nil
}

func (l *ledger) OpenInterval(ctx context.Context, workerID uuid.UUID) (*model.UsageInterval, error) {
	var open *model.UsageInterval
	for i := range l.s.intervals[workerID] {
		interval := l.s.intervals[workerID][i]
		if interval.EndTime != nil {
			continue
		}
		if open == nil || interval.StartTime.After(open.StartTime) {
			copied := interval
			open = &copied
		}
	}
	return open, nil
}

func (l *ledger) IntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) ([]model.UsageInterval, error) {
	return startedSince(l.s.intervals[workerID], since, nil), nil
}

func (l *ledger) AllIntervalsSince(ctx context.Context, since time.Time) ([]model.UsageInterval, error) {
	var intervals []model.UsageInterval
	for _, list := range l.s.intervals {
		intervals = startedSince(list, since, intervals)
	}
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].StartTime.Before(intervals[j].StartTime)
	})
	return intervals, nil
}

func (l *ledger) LockWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	return l.Worker(ctx, id)
}

func (l *ledger) LockCategory(ctx context.Context, category model.Category) error {
	l.locked[category] = true
	return nil
}

func (l *ledger) BumpVersion(ctx context.Context, category model.Category) (int64, error) {
	if !l.locked[category] {
		return 0, store.ErrCategoryNotLocked
	}
	previous, existed := l.s.versions[category]
	l.onRollback(func() {
		if existed {
			l.s.versions[category] = previous
		} else {
			delete(l.s.versions, category)
		}
	})
	l.s.versions[category] = previous + 1
	return previous + 1, nil
}

func (l *ledger) PutSetting(ctx context.Context, key, value string) error {
	previous, existed := l.s.settings[key]
	l.onRollback(func() {
		if existed {
			l.s.settings[key] = previous
		} else {
			delete(l.s.settings, key)
		}
	})
	l.s.settings[key] = value
	return nil
}

func (l *ledger) CreateInterval(ctx context.Context, interval *model.UsageInterval) error {
	if _, ok := l.s.workers[interval.WorkerID]; !ok {
		return store.ErrNotFound
	}
	if interval.EndTime == nil {
		open, _ := l.OpenInterval(ctx, interval.WorkerID)
		if open != nil {
			return store.ErrOpenIntervalExists
		}
	}
	if interval.ID == uuid.Nil {
		interval.ID = uuid.New()
	}
	now := time.Now()
	interval.CreatedAt, interval.UpdatedAt = now, now

	l.restoreIntervalsOnRollback(interval.WorkerID)
	l.s.intervals[interval.WorkerID] = append(l.s.intervals[interval.WorkerID], *interval)
	return nil
}

func (l *ledger) CloseInterval(ctx context.Context, interval *model.UsageInterval) error {
	list := l.s.intervals[interval.WorkerID]
	for i := range list {
		if list[i].ID != interval.ID {
			continue
		}
		previous := list[i]
		l.onRollback(func() { list[i] = previous })

		end := *interval.EndTime
		list[i].EndTime = &end
		list[i].DurationMinutes = interval.DurationMinutes
		list[i].UpdatedAt = time.Now()
		return nil
	}
	return store.ErrNotFound
}

func (l *ledger) DeleteIntervalsSince(ctx context.Context, workerID uuid.UUID, since time.Time) (int64, error) {
	list := l.s.intervals[workerID]
	kept := make([]model.UsageInterval, 0, len(list))
	for _, interval := range list {
		if interval.StartTime.Before(since) {
			kept = append(kept, interval)
		}
	}
	deleted := int64(len(list) - len(kept))
	if deleted == 0 {
		return 0, nil
	}

	// kept is a fresh slice, so list stays intact for the rollback.
	l.restoreIntervalsOnRollback(workerID)
	l.s.intervals[workerID] = kept
	return deleted, nil
}

func (l *ledger) SetState(ctx context.Context, workerID uuid.UUID, state model.OccupancyState) error {
	w, ok := l.s.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	previous := w
	l.onRollback(func() { l.s.putWorker(previous) })

	w.State = state
	w.UpdatedAt = time.Now()
	l.s.putWorker(w)
	return nil
}

func (l *ledger) AppendEvent(ctx context.Context, event *model.OccupancyEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	event.CreatedAt = time.Now()

	evicted, full := l.s.events.push(*event)
	l.onRollback(func() { l.s.events.pop(evicted, full) })
	return nil
}

// restoreIntervalsOnRollback remembers the worker's interval slice header as
// it is now. Appends past its length never change what it sees.
func (l *ledger) restoreIntervalsOnRollback(workerID uuid.UUID) {
	previous, existed := l.s.intervals[workerID]
	l.onRollback(func() {
		if existed {
			l.s.intervals[workerID] = previous
		} else {
			delete(l.s.intervals, workerID)
		}
	})
}

func startedSince(list []model.UsageInterval, since time.Time, into []model.UsageInterval) []model.UsageInterval {
	start := len(into)
	for _, interval := range list {
		if !interval.StartTime.Before(since) {
			into = append(into, interval)
		}
	}
	added := into[start:]
	sort.Slice(added, func(i, j int) bool {
		return added[i].StartTime.Before(added[j].StartTime)
	})
	return into
}
