package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

func seedWorker(s *Store, category model.Category) model.Worker {
	w := model.Worker{
		ID:                uuid.New(),
		Username:          "worker-" + uuid.NewString()[:8],
		Category:          category,
		DailyQuotaMinutes: 30,
		Active:            true,
	}
	s.PutWorker(w)
	return w
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := NewStore()
	w := seedWorker(s, "male")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(l store.Ledger) error {
		if err := l.CreateInterval(ctx, &model.UsageInterval{WorkerID: w.ID, StartTime: time.Now()}); err != nil {
			return err
		}
		if err := l.SetState(ctx, w.ID, model.StateOccupied); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.Snapshot(ctx, func(r store.Reader) error {
		worker, err := r.Worker(ctx, w.ID)
		if err != nil {
			return err
		}
		if worker.State != model.StateAvailable {
			t.Fatalf("expected rolled back state available, got %s", worker.State)
		}
		open, err := r.OpenInterval(ctx, w.ID)
		if err != nil {
			return err
		}
		if open != nil {
			t.Fatalf("expected no open interval after rollback, got %+v", open)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
}

func TestCreateIntervalRejectsSecondOpenInterval(t *testing.T) {
	s := NewStore()
	w := seedWorker(s, "female")
	ctx := context.Background()

	err := s.Atomic(ctx, func(l store.Ledger) error {
		if err := l.CreateInterval(ctx, &model.UsageInterval{WorkerID: w.ID, StartTime: time.Now()}); err != nil {
			return err
		}
		return l.CreateInterval(ctx, &model.UsageInterval{WorkerID: w.ID, StartTime: time.Now()})
	})
	if !errors.Is(err, store.ErrOpenIntervalExists) {
		t.Fatalf("expected ErrOpenIntervalExists, got %v", err)
	}
}

func TestBumpVersionRequiresLock(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.Atomic(ctx, func(l store.Ledger) error {
		_, err := l.BumpVersion(ctx, "male")
		return err
	})
	if !errors.Is(err, store.ErrCategoryNotLocked) {
		t.Fatalf("expected ErrCategoryNotLocked, got %v", err)
	}

	var versions []int64
	for i := 0; i < 2; i++ {
		err = s.Atomic(ctx, func(l store.Ledger) error {
			if err := l.LockCategory(ctx, "male"); err != nil {
				return err
			}
			v, err := l.BumpVersion(ctx, "male")
			versions = append(versions, v)
			return err
		})
		if err != nil {
			t.Fatalf("Atomic() error: %v", err)
		}
	}
	if versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("expected versions 1 and 2, got %v", versions)
	}
}

func TestDeleteIntervalsSinceKeepsOlderIntervals(t *testing.T) {
	s := NewStore()
	w := seedWorker(s, "male")
	ctx := context.Background()
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	yesterdayEnd := midnight.Add(-time.Hour).Add(10 * time.Minute)
	todayEnd := midnight.Add(9*time.Hour + 5*time.Minute)
	s.PutInterval(model.UsageInterval{ID: uuid.New(), WorkerID: w.ID, StartTime: midnight.Add(-time.Hour), EndTime: &yesterdayEnd, DurationMinutes: 10})
	s.PutInterval(model.UsageInterval{ID: uuid.New(), WorkerID: w.ID, StartTime: midnight.Add(9 * time.Hour), EndTime: &todayEnd, DurationMinutes: 5})

	var deleted int64
	err := s.Atomic(ctx, func(l store.Ledger) error {
		var err error
		deleted, err = l.DeleteIntervalsSince(ctx, w.ID, midnight)
		return err
	})
	if err != nil {
		t.Fatalf("Atomic() error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted interval, got %d", deleted)
	}

	_ = s.Snapshot(ctx, func(r store.Reader) error {
		all, _ := r.IntervalsSince(ctx, w.ID, midnight.Add(-48*time.Hour))
		if len(all) != 1 || all[0].DurationMinutes != 10 {
			t.Fatalf("expected only yesterday's interval to remain, got %+v", all)
		}
		return nil
	})
}

func TestAtomicHonoursCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Atomic(ctx, func(store.Ledger) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn should not run with a cancelled context")
	}
}

func TestAtomicRollsBackEveryWriteKind(t *testing.T) {
	s := NewStore()
	w := seedWorker(s, "male")
	ctx := context.Background()
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	end := midnight.Add(9*time.Hour + 5*time.Minute)
	closedID, openID := uuid.New(), uuid.New()
	s.PutInterval(model.UsageInterval{ID: closedID, WorkerID: w.ID, StartTime: midnight.Add(9 * time.Hour), EndTime: &end, DurationMinutes: 5})
	s.PutInterval(model.UsageInterval{ID: openID, WorkerID: w.ID, StartTime: midnight.Add(10 * time.Hour)})

	err := s.Atomic(ctx, func(l store.Ledger) error {
		if err := l.LockCategory(ctx, "male"); err != nil {
			return err
		}
		_, err := l.BumpVersion(ctx, "male")
		return err
	})
	if err != nil {
		t.Fatalf("Atomic() error: %v", err)
	}
	_ = s.Atomic(ctx, func(l store.Ledger) error {
		return l.PutSetting(ctx, "max_male_breaks", "1")
	})
	committedEvents := len(s.Events())

	boom := errors.New("boom")
	err = s.Atomic(ctx, func(l store.Ledger) error {
		if err := l.LockCategory(ctx, "male"); err != nil {
			return err
		}
		if _, err := l.BumpVersion(ctx, "male"); err != nil {
			return err
		}
		if _, err := l.BumpVersion(ctx, "female"); err == nil {
			t.Fatal("expected unlocked bump to fail")
		}
		if err := l.LockCategory(ctx, "female"); err != nil {
			return err
		}
		if _, err := l.BumpVersion(ctx, "female"); err != nil {
			return err
		}
		if err := l.PutSetting(ctx, "max_male_breaks", "3"); err != nil {
			return err
		}
		if err := l.PutSetting(ctx, "broadcast_message", "hello"); err != nil {
			return err
		}
		open, _ := l.OpenInterval(ctx, w.ID)
		open.Close(midnight.Add(10*time.Hour + 7*time.Minute))
		if err := l.CloseInterval(ctx, open); err != nil {
			return err
		}
		if err := l.SetState(ctx, w.ID, model.StateOccupied); err != nil {
			return err
		}
		if err := l.CreateInterval(ctx, &model.UsageInterval{WorkerID: w.ID, StartTime: midnight.Add(11 * time.Hour)}); err != nil {
			return err
		}
		if _, err := l.DeleteIntervalsSince(ctx, w.ID, midnight); err != nil {
			return err
		}
		if err := l.AppendEvent(ctx, &model.OccupancyEvent{EventType: "occupancy_changed"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.Snapshot(ctx, func(r store.Reader) error {
		versions, _ := r.Versions(ctx)
		if len(versions) != 1 || versions["male"] != 1 {
			t.Fatalf("expected versions {male:1}, got %v", versions)
		}
		if value, _, _ := r.Setting(ctx, "max_male_breaks"); value != "1" {
			t.Fatalf("expected cap setting 1, got %q", value)
		}
		if _, ok, _ := r.Setting(ctx, "broadcast_message"); ok {
			t.Fatal("expected new setting to be removed")
		}
		worker, _ := r.Worker(ctx, w.ID)
		if worker.State != model.StateAvailable {
			t.Fatalf("expected state available, got %s", worker.State)
		}
		if count, _ := r.OccupiedCount(ctx, "male"); count != 0 {
			t.Fatalf("expected occupancy index to be restored, got %d", count)
		}
		intervals, _ := r.IntervalsSince(ctx, w.ID, midnight)
		if len(intervals) != 2 || intervals[0].ID != closedID || intervals[1].ID != openID {
			t.Fatalf("expected the two seeded intervals, got %+v", intervals)
		}
		if !intervals[1].Open() {
			t.Fatal("expected the closed interval to be reopened")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if got := len(s.Events()); got != committedEvents {
		t.Fatalf("expected %d events, got %d", committedEvents, got)
	}
}

func TestAtomicRollsBackOnPanic(t *testing.T) {
	s := NewStore()
	w := seedWorker(s, "female")
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = s.Atomic(ctx, func(l store.Ledger) error {
			_ = l.SetState(ctx, w.ID, model.StateOccupied)
			panic("fn failed")
		})
	}()

	_ = s.Snapshot(ctx, func(r store.Reader) error {
		if count, _ := r.OccupiedCount(ctx, "female"); count != 0 {
			t.Fatalf("expected panic to roll back, got %d occupied", count)
		}
		return nil
	})
}

func TestOccupantsFollowStateChanges(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	a, b := seedWorker(s, "male"), seedWorker(s, "female")

	_ = s.Atomic(ctx, func(l store.Ledger) error {
		_ = l.SetState(ctx, a.ID, model.StateOccupied)
		return l.SetState(ctx, b.ID, model.StateOccupied)
	})

	male := model.Category("male")
	_ = s.Snapshot(ctx, func(r store.Reader) error {
		all, _ := r.Occupants(ctx, nil)
		if len(all) != 2 {
			t.Fatalf("expected 2 occupants, got %d", len(all))
		}
		only, _ := r.Occupants(ctx, &male)
		if len(only) != 1 || only[0].ID != a.ID {
			t.Fatalf("expected only the male occupant, got %+v", only)
		}
		return nil
	})

	_ = s.Atomic(ctx, func(l store.Ledger) error {
		return l.SetState(ctx, a.ID, model.StateAvailable)
	})
	_ = s.Snapshot(ctx, func(r store.Reader) error {
		if count, _ := r.OccupiedCount(ctx, male); count != 0 {
			t.Fatalf("expected 0 male occupants, got %d", count)
		}
		return nil
	})
}

func TestEventRetentionKeepsNewestRows(t *testing.T) {
	s := NewStore(WithEventRetention(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		version := int64(i)
		_ = s.Atomic(ctx, func(l store.Ledger) error {
			return l.AppendEvent(ctx, &model.OccupancyEvent{EventType: "occupancy_changed", Version: version})
		})
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	for i, event := range events {
		if event.Version != int64(i+3) {
			t.Fatalf("event %d: expected version %d, got %d", i, i+3, event.Version)
		}
	}

	// A rolled back append into a full ring restores the evicted row.
	_ = s.Atomic(ctx, func(l store.Ledger) error {
		_ = l.AppendEvent(ctx, &model.OccupancyEvent{EventType: "occupancy_changed", Version: 6})
		return errors.New("boom")
	})
	events = s.Events()
	if len(events) != 3 || events[0].Version != 3 || events[2].Version != 5 {
		t.Fatalf("expected versions 3..5 after rollback, got %+v", events)
	}
}

func TestWorkersAndAllIntervalsSince(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	b := model.Worker{ID: uuid.New(), Username: "bora", Category: "male", Active: true}
	a := model.Worker{ID: uuid.New(), Username: "amira", Category: "female", Active: true}
	s.PutWorker(b)
	s.PutWorker(a)
	s.PutInterval(model.UsageInterval{ID: uuid.New(), WorkerID: b.ID, StartTime: midnight.Add(10 * time.Hour)})
	s.PutInterval(model.UsageInterval{ID: uuid.New(), WorkerID: a.ID, StartTime: midnight.Add(9 * time.Hour)})
	s.PutInterval(model.UsageInterval{ID: uuid.New(), WorkerID: a.ID, StartTime: midnight.Add(-time.Hour)})

	_ = s.Snapshot(ctx, func(r store.Reader) error {
		workers, _ := r.Workers(ctx)
		if len(workers) != 2 || workers[0].Username != "amira" || workers[1].Username != "bora" {
			t.Fatalf("expected workers ordered by username, got %+v", workers)
		}
		intervals, _ := r.AllIntervalsSince(ctx, midnight)
		if len(intervals) != 2 || intervals[0].WorkerID != a.ID || intervals[1].WorkerID != b.ID {
			t.Fatalf("expected today's intervals oldest first, got %+v", intervals)
		}
		return nil
	})
}
