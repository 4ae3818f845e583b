package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/metrics"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/store"
)

var (
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrWorkerOccupied  = errors.New("worker is currently occupying the slot")
	ErrInvalidCap      = errors.New("cap must not be negative")
	ErrInvalidQuota    = errors.New("quota must not be negative")
	ErrUnknownCategory = errors.New("unknown category")
	ErrEmptyMessage    = errors.New("message must not be empty")
)

// Reason explains a rejected or no-op outcome.
type Reason string

const (
	ReasonCapacityExceeded Reason = "capacity_exceeded"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonNotActive        Reason = "not_active"
	ReasonNotOccupied      Reason = "not_occupied"
)

// Decision is the outcome of a start request. Rejections are values, not errors.
type Decision struct {
	Admitted     bool
	Duplicate    bool // worker already held the slot; no new interval was created
	Reason       Reason
	WorkerID     uuid.UUID
	Category     model.Category
	Cap          int
	UsedMinutes  float64
	QuotaMinutes int
	StartTime    time.Time
	CommittedAt  time.Time
}

func (d *Decision) Message() string {
	switch d.Reason {
	case ReasonCapacityExceeded:
		return fmt.Sprintf("slot busy: at most %d %s worker(s) may be on break", d.Cap, d.Category)
	case ReasonQuotaExceeded:
		return fmt.Sprintf("daily quota exceeded: used %.1f of %d minutes", d.UsedMinutes, d.QuotaMinutes)
	case ReasonNotActive:
		return "worker is not active"
	}
	return ""
}

// StopResult is the outcome of a stop or force close.
type StopResult struct {
	Stopped         bool
	Reason          Reason
	WorkerID        uuid.UUID
	Category        model.Category
	Interval        *model.UsageInterval
	DurationMinutes float64
	CommittedAt     time.Time
}

// Notifier receives events after their commit. It must not block.
type Notifier interface {
	Notify(event eventbus.Event)
}

type stopSource string

const (
	sourceRequest stopSource = "request"
	sourceForce   stopSource = "force"
)

// AdmissionController decides whether workers may take the slot. Every mutation
// runs as one atomic unit: the worker row is locked first, then the category
// serialization point, and all reads that feed a decision happen under both locks.
type AdmissionController struct {
	store     store.LedgerStore
	hierarchy *Hierarchy
	notifier  Notifier
	logger    *zap.Logger
	clock     clock
}

func NewAdmissionController(ledgerStore store.LedgerStore, hierarchy *Hierarchy, notifier Notifier, logger *zap.Logger, opts ...Option) *AdmissionController {
	return &AdmissionController{
		store:     ledgerStore,
		hierarchy: hierarchy,
		notifier:  notifier,
		logger:    logger,
		clock:     newClock(opts),
	}
}

// Ledger returns the query layer sharing this controller's store and clock.
func (a *AdmissionController) Ledger() *Ledger {
	return &Ledger{store: a.store, clock: a.clock}
}

func (a *AdmissionController) Hierarchy() *Hierarchy {
	return a.hierarchy
}

func (a *AdmissionController) RequestStart(ctx context.Context, workerID uuid.UUID) (*Decision, error) {
	var (
		decision *Decision
		event    *eventbus.Event
	)

	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		decision, event = nil, nil

		worker, err := lockWorker(ctx, l, workerID)
		if err != nil {
			return err
		}
		decision = &Decision{WorkerID: worker.ID, Category: worker.Category, QuotaMinutes: worker.DailyQuotaMinutes}

		if !worker.Active {
			decision.Reason = ReasonNotActive
			return nil
		}

		if worker.Occupied() {
			open, err := l.OpenInterval(ctx, worker.ID)
			if err != nil {
				return err
			}
			if open != nil {
				decision.Admitted = true
				decision.Duplicate = true
				decision.StartTime = open.StartTime
				decision.CommittedAt = open.StartTime
				return nil
			}
		}

		if err := l.LockCategory(ctx, worker.Category); err != nil {
			return err
		}

		if worker.Occupied() {
			// Occupied without an open interval; restore the invariant before evaluating.
			a.logger.Warn("repairing occupancy without open interval", zap.String("worker_id", worker.ID.String()))
			if err := l.SetState(ctx, worker.ID, model.StateAvailable); err != nil {
				return err
			}
		}

		limit, err := a.hierarchy.ResolveCap(ctx, l, worker.Category)
		if err != nil {
			return err
		}
		decision.Cap = limit

		count, err := l.OccupiedCount(ctx, worker.Category)
		if err != nil {
			return err
		}
		if count >= limit {
			decision.Reason = ReasonCapacityExceeded
			return nil
		}

		now := a.clock.now()
		used, _, err := closedUsageSince(ctx, l, worker.ID, a.clock.startOfDay(now))
		if err != nil {
			return err
		}
		decision.UsedMinutes = used
		if used >= float64(worker.DailyQuotaMinutes) {
			decision.Reason = ReasonQuotaExceeded
			return nil
		}

		interval := &model.UsageInterval{WorkerID: worker.ID, StartTime: now}
		if err := l.CreateInterval(ctx, interval); err != nil {
			return err
		}
		if err := l.SetState(ctx, worker.ID, model.StateOccupied); err != nil {
			return err
		}

		event, err = a.recordOccupancy(ctx, l, worker, eventbus.ActionStarted, now)
		if err != nil {
			return err
		}

		decision.Admitted = true
		decision.StartTime = now
		decision.CommittedAt = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrWorkerNotFound) {
			a.logger.Error("start request failed", zap.String("worker_id", workerID.String()), zap.Error(err))
		}
		return nil, err
	}

	outcome := "admitted"
	switch {
	case decision.Duplicate:
		outcome = "duplicate"
	case !decision.Admitted:
		outcome = string(decision.Reason)
	}
	metrics.AdmissionsTotal.WithLabelValues(string(decision.Category), outcome).Inc()

	if event != nil {
		a.notifier.Notify(*event)
		a.logger.Info("break started",
			zap.String("worker_id", workerID.String()),
			zap.String("category", string(decision.Category)),
			zap.Int64("version", event.Version),
		)
	}
	return decision, nil
}

// RequestStop closes the worker's open interval. A worker that is not occupied
// gets a benign not_occupied result rather than an error.
func (a *AdmissionController) RequestStop(ctx context.Context, workerID uuid.UUID) (*StopResult, error) {
	return a.close(ctx, workerID, sourceRequest)
}

func (a *AdmissionController) close(ctx context.Context, workerID uuid.UUID, source stopSource) (*StopResult, error) {
	var (
		result *StopResult
		event  *eventbus.Event
	)

	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		result, event = nil, nil

		worker, err := lockWorker(ctx, l, workerID)
		if err != nil {
			return err
		}
		result = &StopResult{WorkerID: worker.ID, Category: worker.Category}

		if !worker.Occupied() && source == sourceRequest {
			result.Reason = ReasonNotOccupied
			return nil
		}

		open, err := l.OpenInterval(ctx, worker.ID)
		if err != nil {
			return err
		}
		if open == nil && !worker.Occupied() {
			result.Reason = ReasonNotOccupied
			return nil
		}

		if err := l.LockCategory(ctx, worker.Category); err != nil {
			return err
		}

		now := a.clock.now()
		if open != nil {
			open.Close(now)
			if err := l.CloseInterval(ctx, open); err != nil {
				return err
			}
			result.Interval = open
			result.DurationMinutes = open.DurationMinutes
		}
		if err := l.SetState(ctx, worker.ID, model.StateAvailable); err != nil {
			return err
		}

		action := eventbus.ActionStopped
		if source == sourceForce {
			action = eventbus.ActionForceClosed
		}
		event, err = a.recordOccupancy(ctx, l, worker, action, now)
		if err != nil {
			return err
		}

		result.Stopped = true
		result.CommittedAt = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrWorkerNotFound) {
			a.logger.Error("stop request failed",
				zap.String("worker_id", workerID.String()),
				zap.String("source", string(source)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if event != nil {
		metrics.StopsTotal.WithLabelValues(string(result.Category), string(source)).Inc()
		if result.Interval != nil {
			metrics.UsageDuration.WithLabelValues(string(result.Category)).Observe(result.DurationMinutes)
		}
		a.notifier.Notify(*event)
		a.logger.Info("break stopped",
			zap.String("worker_id", workerID.String()),
			zap.String("source", string(source)),
			zap.Float64("duration_minutes", result.DurationMinutes),
			zap.Int64("version", event.Version),
		)
	}
	return result, nil
}

// ResetDailyUsage deletes the worker's intervals that started today. It refuses
// to run while the worker holds the slot; callers force close first.
func (a *AdmissionController) ResetDailyUsage(ctx context.Context, workerID uuid.UUID) (int64, error) {
	var deleted int64

	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		deleted = 0

		worker, err := lockWorker(ctx, l, workerID)
		if err != nil {
			return err
		}
		if worker.Occupied() {
			return ErrWorkerOccupied
		}
		open, err := l.OpenInterval(ctx, worker.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return ErrWorkerOccupied
		}

		deleted, err = l.DeleteIntervalsSince(ctx, worker.ID, a.clock.startOfDay(a.clock.now()))
		return err
	})
	if err != nil {
		return 0, err
	}

	a.logger.Info("daily usage reset", zap.String("worker_id", workerID.String()), zap.Int64("deleted", deleted))
	return deleted, nil
}

// UpdateCapConfig stores a new cap for a category. Lowering a cap below the
// current count evicts nobody; new starts are rejected until the count drops.
func (a *AdmissionController) UpdateCapConfig(ctx context.Context, category model.Category, limit int) error {
	if limit < 0 {
		return ErrInvalidCap
	}
	if !a.hierarchy.Known(category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	var event *eventbus.Event
	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		event = nil
		if err := l.LockCategory(ctx, category); err != nil {
			return err
		}
		if err := l.PutSetting(ctx, model.CapSettingKey(category), strconv.Itoa(limit)); err != nil {
			return err
		}
		payload := eventbus.CapEvent{Category: string(category), Cap: limit, ServerReferenceTime: a.clock.now()}
		var err error
		event, err = a.record(ctx, l, eventbus.TypeCapChanged, category, payload)
		return err
	})
	if err != nil {
		return err
	}

	metrics.CategoryCap.WithLabelValues(string(category)).Set(float64(limit))
	a.notifier.Notify(*event)
	a.logger.Info("category cap updated", zap.String("category", string(category)), zap.Int("cap", limit))
	return nil
}

// UpdateDefaultQuota stores the quota applied to newly created workers.
func (a *AdmissionController) UpdateDefaultQuota(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return ErrInvalidQuota
	}

	payload := eventbus.SettingsEvent{DefaultQuotaMinutes: minutes, ServerReferenceTime: a.clock.now()}
	err := a.store.Atomic(ctx, func(l store.Ledger) error {
		if err := l.PutSetting(ctx, model.SettingDefaultQuota, strconv.Itoa(minutes)); err != nil {
			return err
		}
		return appendEvent(ctx, l, eventbus.TypeSettingsChanged, payload)
	})
	if err != nil {
		return err
	}

	a.notify(eventbus.TypeSettingsChanged, payload)
	a.logger.Info("default quota updated", zap.Int("minutes", minutes))
	return nil
}

// Settings is the effective configuration read by admission decisions, plus
// the broadcast banner when one is active.
type Settings struct {
	Caps                map[model.Category]int
	DefaultQuotaMinutes int
	BroadcastMessage    *string
}

func (a *AdmissionController) Settings(ctx context.Context) (*Settings, error) {
	settings := &Settings{Caps: make(map[model.Category]int)}
	err := a.store.Snapshot(ctx, func(r store.Reader) error {
		for _, category := range a.hierarchy.Categories() {
			limit, err := a.hierarchy.ResolveCap(ctx, r, category)
			if err != nil {
				return err
			}
			settings.Caps[category] = limit
		}
		var err error
		settings.DefaultQuotaMinutes, err = a.hierarchy.ResolveDefaultQuota(ctx, r)
		if err != nil {
			return err
		}
		settings.BroadcastMessage, err = broadcastOf(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

type CategoryStatus struct {
	Category model.Category
	Cap      int
	Occupied int
}

// Status is a consistent view of slot occupancy. Occupant is the longest-running
// occupant; ServerReferenceTime lets observers compute their clock offset.
// Versions holds the category versions the view reflects, read in the same
// snapshot, so a consumer can tell it apart from a newer committed event.
type Status struct {
	Occupied            bool
	Occupant            *Occupant
	Occupants           []Occupant
	Categories          []CategoryStatus
	Versions            map[model.Category]int64
	ServerReferenceTime time.Time
}

// EventVersions returns Versions keyed the way events carry them.
func (s *Status) EventVersions() map[string]int64 {
	versions := make(map[string]int64, len(s.Versions))
	for category, version := range s.Versions {
		versions[string(category)] = version
	}
	return versions
}

func (a *AdmissionController) StatusSnapshot(ctx context.Context) (*Status, error) {
	status := &Status{}
	err := a.store.Snapshot(ctx, func(r store.Reader) error {
		occupants, err := occupantsOf(ctx, r, nil)
		if err != nil {
			return err
		}
		status.Occupants = occupants
		if len(occupants) > 0 {
			status.Occupied = true
			status.Occupant = &occupants[0]
		}

		versions, err := r.Versions(ctx)
		if err != nil {
			return err
		}
		status.Versions = versions

		counts := make(map[model.Category]int)
		for _, o := range occupants {
			counts[o.Category]++
		}
		for _, category := range a.hierarchy.Categories() {
			if _, ok := versions[category]; !ok {
				versions[category] = 0
			}
			limit, err := a.hierarchy.ResolveCap(ctx, r, category)
			if err != nil {
				return err
			}
			status.Categories = append(status.Categories, CategoryStatus{
				Category: category,
				Cap:      limit,
				Occupied: counts[category],
			})
		}
		status.ServerReferenceTime = a.clock.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Summary reports today's usage of one worker. UsedMinutesToday includes the
// elapsed time of an open interval; admission decisions only count ClosedMinutes.
type Summary struct {
	WorkerID            uuid.UUID
	Username            string
	Name                string
	Category            model.Category
	Role                string
	Active              bool
	Occupied            bool
	UsedMinutesToday    float64
	ClosedMinutes       float64
	QuotaMinutes        int
	RemainingMinutes    float64
	Intervals           []model.UsageInterval
	ServerReferenceTime time.Time
}

func (a *AdmissionController) UsageSummary(ctx context.Context, workerID uuid.UUID) (*Summary, error) {
	var summary *Summary
	err := a.store.Snapshot(ctx, func(r store.Reader) error {
		worker, err := r.Worker(ctx, workerID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrWorkerNotFound
		}
		if err != nil {
			return err
		}

		now := a.clock.now()
		intervals, err := r.IntervalsSince(ctx, worker.ID, a.clock.startOfDay(now))
		if err != nil {
			return err
		}
		summary = summarize(worker, intervals, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// UsageOverview summarizes today's usage of every worker include accepts,
// ordered by username and read from one snapshot. A nil include accepts all.
func (a *AdmissionController) UsageOverview(ctx context.Context, include func(*model.Worker) bool) ([]Summary, error) {
	var summaries []Summary
	err := a.store.Snapshot(ctx, func(r store.Reader) error {
		summaries = nil

		workers, err := r.Workers(ctx)
		if err != nil {
			return err
		}
		now := a.clock.now()
		intervals, err := r.AllIntervalsSince(ctx, a.clock.startOfDay(now))
		if err != nil {
			return err
		}

		byWorker := make(map[uuid.UUID][]model.UsageInterval)
		for _, interval := range intervals {
			byWorker[interval.WorkerID] = append(byWorker[interval.WorkerID], interval)
		}
		for i := range workers {
			worker := &workers[i]
			if include != nil && !include(worker) {
				continue
			}
			summaries = append(summaries, *summarize(worker, byWorker[worker.ID], now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// summarize folds today's intervals of one worker, oldest first, into a Summary at now.
func summarize(worker *model.Worker, intervals []model.UsageInterval, now time.Time) *Summary {
	var used, closed float64
	for i := range intervals {
		used += intervals[i].MinutesAt(now)
		if !intervals[i].Open() {
			closed += intervals[i].DurationMinutes
		}
	}
	remaining := float64(worker.DailyQuotaMinutes) - used
	if remaining < 0 {
		remaining = 0
	}

	return &Summary{
		WorkerID:            worker.ID,
		Username:            worker.Username,
		Name:                worker.DisplayName(),
		Category:            worker.Category,
		Role:                worker.Role,
		Active:              worker.Active,
		Occupied:            worker.Occupied(),
		UsedMinutesToday:    used,
		ClosedMinutes:       closed,
		QuotaMinutes:        worker.DailyQuotaMinutes,
		RemainingMinutes:    remaining,
		Intervals:           intervals,
		ServerReferenceTime: now,
	}
}

// recordOccupancy bumps the category version and writes the occupancy event of
// the category as it stands after the writes made through l.
func (a *AdmissionController) recordOccupancy(ctx context.Context, l store.Ledger, worker *model.Worker, action string, now time.Time) (*eventbus.Event, error) {
	occupants, err := occupantsOf(ctx, l, &worker.Category)
	if err != nil {
		return nil, err
	}
	payload := occupancyPayload(occupants, now)
	payload.Change = &eventbus.OccupancyChange{
		WorkerID: worker.ID.String(),
		Category: string(worker.Category),
		Action:   action,
	}
	return a.record(ctx, l, eventbus.TypeOccupancyChanged, worker.Category, payload)
}

func (a *AdmissionController) record(ctx context.Context, l store.Ledger, eventType string, category model.Category, payload interface{}) (*eventbus.Event, error) {
	version, err := l.BumpVersion(ctx, category)
	if err != nil {
		return nil, err
	}
	event, err := eventbus.NewVersionedEvent(eventType, string(category), version, payload)
	if err != nil {
		return nil, err
	}
	doc, err := model.ToJSONB(payload)
	if err != nil {
		return nil, err
	}
	err = l.AppendEvent(ctx, &model.OccupancyEvent{
		EventType: eventType,
		Category:  string(category),
		Version:   version,
		Payload:   doc,
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// OccupancyPayload renders occupants in the shape shared by snapshots and events.
func OccupancyPayload(status *Status) eventbus.OccupancyEvent {
	return occupancyPayload(status.Occupants, status.ServerReferenceTime)
}

func occupancyPayload(occupants []Occupant, now time.Time) eventbus.OccupancyEvent {
	payload := eventbus.OccupancyEvent{
		ServerReferenceTime: now,
		Occupants:           make([]eventbus.Occupant, 0, len(occupants)),
	}
	for _, o := range occupants {
		payload.Occupants = append(payload.Occupants, eventbus.Occupant{
			WorkerID:  o.WorkerID.String(),
			Name:      o.Name,
			Category:  string(o.Category),
			StartTime: o.StartTime,
		})
	}
	if len(occupants) > 0 {
		first := occupants[0]
		id := first.WorkerID.String()
		start := first.StartTime
		payload.Occupied = true
		payload.OccupantID = &id
		payload.OccupantName = first.Name
		payload.OccupantCategory = string(first.Category)
		payload.StartTime = &start
	}
	return payload
}

// appendEvent writes the outbox row of a change that is not scoped to a category.
func appendEvent(ctx context.Context, l store.Ledger, eventType string, payload interface{}) error {
	doc, err := model.ToJSONB(payload)
	if err != nil {
		return err
	}
	return l.AppendEvent(ctx, &model.OccupancyEvent{EventType: eventType, Payload: doc})
}

// notify hands an unversioned event to the notifier after its commit. The
// change is already durable, so an event that cannot be built is only logged.
func (a *AdmissionController) notify(eventType string, payload interface{}) {
	event, err := eventbus.NewEvent(eventType, payload)
	if err != nil {
		a.logger.Warn("failed to build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	a.notifier.Notify(event)
}

func lockWorker(ctx context.Context, l store.Ledger, workerID uuid.UUID) (*model.Worker, error) {
	worker, err := l.LockWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}
