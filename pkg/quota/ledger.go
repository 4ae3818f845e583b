package quota

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

// Occupant is a worker holding the slot together with the start of its open interval.
type Occupant struct {
	WorkerID  uuid.UUID
	Name      string
	Category  model.Category
	StartTime time.Time
}

// Ledger is the read-only query layer over the usage ledger. Every method runs
// against one consistent snapshot.
type Ledger struct {
	store store.LedgerStore
	clock clock
}

func NewLedger(ledgerStore store.LedgerStore, opts ...Option) *Ledger {
	return &Ledger{store: ledgerStore, clock: newClock(opts)}
}

// CurrentOccupant returns the longest-running occupant, restricted to a category
// when one is given, or nil when the slot is free.
func (l *Ledger) CurrentOccupant(ctx context.Context, category *model.Category) (*Occupant, error) {
	var occupant *Occupant
	err := l.store.Snapshot(ctx, func(r store.Reader) error {
		list, err := occupantsOf(ctx, r, category)
		if err != nil {
			return err
		}
		if len(list) > 0 {
			occupant = &list[0]
		}
		return nil
	})
	return occupant, err
}

func (l *Ledger) OpenInterval(ctx context.Context, workerID uuid.UUID) (*model.UsageInterval, error) {
	var open *model.UsageInterval
	err := l.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		open, err = r.OpenInterval(ctx, workerID)
		return err
	})
	return open, err
}

// UsageSinceMidnight sums the closed durations of today's intervals. Open
// intervals are not counted.
func (l *Ledger) UsageSinceMidnight(ctx context.Context, workerID uuid.UUID) (float64, error) {
	var used float64
	err := l.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		used, _, err = closedUsageSince(ctx, r, workerID, l.clock.startOfDay(l.clock.now()))
		return err
	})
	return used, err
}

func (l *Ledger) OccupiedCount(ctx context.Context, category model.Category) (int, error) {
	var count int
	err := l.store.Snapshot(ctx, func(r store.Reader) error {
		var err error
		count, err = r.OccupiedCount(ctx, category)
		return err
	})
	return count, err
}

// occupantsOf lists occupied workers ordered by start time, oldest first. A
// worker marked occupied without an open interval is reported with a zero start.
func occupantsOf(ctx context.Context, r store.Reader, category *model.Category) ([]Occupant, error) {
	workers, err := r.Occupants(ctx, category)
	if err != nil {
		return nil, err
	}

	occupants := make([]Occupant, 0, len(workers))
	for i := range workers {
		w := &workers[i]
		occupant := Occupant{WorkerID: w.ID, Name: w.DisplayName(), Category: w.Category}
		open, err := r.OpenInterval(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			occupant.StartTime = open.StartTime
		}
		occupants = append(occupants, occupant)
	}

	sort.SliceStable(occupants, func(i, j int) bool {
		return occupants[i].StartTime.Before(occupants[j].StartTime)
	})
	return occupants, nil
}

// closedUsageSince returns the closed minutes since the given instant together
// with every interval in that window.
func closedUsageSince(ctx context.Context, r store.Reader, workerID uuid.UUID, since time.Time) (float64, []model.UsageInterval, error) {
	intervals, err := r.IntervalsSince(ctx, workerID, since)
	if err != nil {
		return 0, nil, err
	}
	var used float64
	for i := range intervals {
		if !intervals[i].Open() {
			used += intervals[i].DurationMinutes
		}
	}
	return used, intervals, nil
}
