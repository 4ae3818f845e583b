package statuscollector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/metrics"
	"github.com/breakslot/breakslot/pkg/model"
	"github.com/breakslot/breakslot/pkg/notify"
	"github.com/breakslot/breakslot/pkg/quota"
	"github.com/breakslot/breakslot/pkg/store/memory"
)

type staticSource struct {
	status *quota.Status
	err    error
}

func (s *staticSource) StatusSnapshot(ctx context.Context) (*quota.Status, error) {
	return s.status, s.err
}

type captureNotifier struct {
	events []eventbus.Event
}

func (n *captureNotifier) Notify(event eventbus.Event) {
	n.events = append(n.events, event)
}

func TestCollectUpdatesGaugesAndSendsHeartbeat(t *testing.T) {
	occupantID := uuid.New()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	source := &staticSource{status: &quota.Status{
		Occupied:  true,
		Occupant:  &quota.Occupant{WorkerID: occupantID, Name: "Lina", Category: "collector-a", StartTime: start},
		Occupants: []quota.Occupant{{WorkerID: occupantID, Name: "Lina", Category: "collector-a", StartTime: start}},
		Categories: []quota.CategoryStatus{
			{Category: "collector-a", Cap: 2, Occupied: 1},
			{Category: "collector-b", Cap: 1, Occupied: 0},
		},
		Versions:            map[model.Category]int64{"collector-a": 7, "collector-b": 0},
		ServerReferenceTime: start.Add(time.Minute),
	}}
	notifier := &captureNotifier{}
	collector := NewCollector(source, notifier, zap.NewNop(), time.Minute)

	collector.collect(context.Background())

	if got := testutil.ToFloat64(metrics.OccupiedWorkers.WithLabelValues("collector-a")); got != 1 {
		t.Fatalf("expected occupied gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.CategoryCap.WithLabelValues("collector-a")); got != 2 {
		t.Fatalf("expected cap gauge 2, got %v", got)
	}

	if len(notifier.events) != 1 || notifier.events[0].Type != eventbus.TypeHeartbeat {
		t.Fatalf("expected one heartbeat, got %+v", notifier.events)
	}
	if notifier.events[0].Version != 0 || notifier.events[0].Category != "" {
		t.Fatal("heartbeats must not claim a single category version")
	}
	if versions := notifier.events[0].Versions; len(versions) != 2 || versions["collector-a"] != 7 {
		t.Fatalf("expected snapshot versions on the heartbeat, got %v", versions)
	}

	var payload eventbus.OccupancyEvent
	if err := json.Unmarshal(notifier.events[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if !payload.Occupied || payload.OccupantID == nil || *payload.OccupantID != occupantID.String() {
		t.Fatalf("unexpected heartbeat payload %+v", payload)
	}
}

func TestCollectSkipsOnError(t *testing.T) {
	notifier := &captureNotifier{}
	collector := NewCollector(&staticSource{err: errors.New("db down")}, notifier, zap.NewNop(), 0)

	collector.collect(context.Background())

	if len(notifier.events) != 0 {
		t.Fatalf("expected no heartbeat on error, got %d", len(notifier.events))
	}
	if collector.interval != defaultInterval {
		t.Fatalf("expected default interval, got %v", collector.interval)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	collector := NewCollector(&staticSource{status: &quota.Status{}}, &captureNotifier{}, zap.NewNop(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := collector.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type hubNotifier struct {
	hub *notify.Hub
}

func (n hubNotifier) Notify(event eventbus.Event) {
	n.hub.Deliver(event)
}

// interleavedSource runs between after the snapshot is read and before the
// collector sees it.
type interleavedSource struct {
	controller *quota.AdmissionController
	between    func()
}

func (s *interleavedSource) StatusSnapshot(ctx context.Context) (*quota.Status, error) {
	status, err := s.controller.StatusSnapshot(ctx)
	if err == nil {
		s.between()
	}
	return status, err
}

func TestHeartbeatOvertakenByStopIsDropped(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	hub := notify.NewHub(zap.NewNop(), 16)
	hierarchy := quota.NewHierarchy(config.AdmissionConfig{
		Categories:          []string{"male", "female"},
		DefaultCap:          1,
		DefaultQuotaMinutes: 30,
	})
	controller := quota.NewAdmissionController(st, hierarchy, hubNotifier{hub}, zap.NewNop(), quota.WithLocation(time.UTC))

	w := model.Worker{ID: uuid.New(), Username: "lina", Category: "male", DailyQuotaMinutes: 30, Active: true}
	st.PutWorker(w)
	if decision, err := controller.RequestStart(ctx, w.ID); err != nil || !decision.Admitted {
		t.Fatalf("RequestStart() = %+v, %v", decision, err)
	}

	observer := hub.Connect("")
	defer hub.Disconnect(observer)

	source := &interleavedSource{controller: controller, between: func() {
		if result, err := controller.RequestStop(ctx, w.ID); err != nil || !result.Stopped {
			t.Fatalf("RequestStop() = %+v, %v", result, err)
		}
	}}
	NewCollector(source, hubNotifier{hub}, zap.NewNop(), time.Minute).collect(ctx)

	select {
	case event := <-observer.Events():
		if event.Type != eventbus.TypeOccupancyChanged || event.Version != 2 {
			t.Fatalf("expected occupancy_changed v2, got %s v%d", event.Type, event.Version)
		}
		var payload eventbus.OccupancyEvent
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if payload.Occupied {
			t.Fatal("expected the stop event to report a free slot")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the stop event")
	}

	select {
	case event := <-observer.Events():
		t.Fatalf("expected the stale heartbeat to be dropped, got %s %v", event.Type, event.Versions)
	default:
	}

	// The next sample reflects the stop and goes through.
	source.between = func() {}
	NewCollector(source, hubNotifier{hub}, zap.NewNop(), time.Minute).collect(ctx)
	select {
	case event := <-observer.Events():
		var payload eventbus.OccupancyEvent
		_ = json.Unmarshal(event.Data, &payload)
		if event.Type != eventbus.TypeHeartbeat || payload.Occupied {
			t.Fatalf("expected a free-slot heartbeat, got %s occupied=%v", event.Type, payload.Occupied)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the heartbeat")
	}
}
