package notify

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
)

func receive(t *testing.T, o *Observer) eventbus.Event {
	t.Helper()
	select {
	case event, ok := <-o.Events():
		if !ok {
			t.Fatal("observer channel closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return eventbus.Event{}
}

func versioned(t *testing.T, category string, version int64) eventbus.Event {
	t.Helper()
	event, err := eventbus.NewVersionedEvent(eventbus.TypeOccupancyChanged, category, version, eventbus.OccupancyEvent{})
	if err != nil {
		t.Fatalf("NewVersionedEvent() error: %v", err)
	}
	return event
}

func TestHubBroadcastsPresence(t *testing.T) {
	hub := NewHub(zap.NewNop(), 8)

	first := hub.Connect("worker-1")
	event := receive(t, first)
	if event.Type != eventbus.TypePresenceChanged {
		t.Fatalf("expected presence event, got %s", event.Type)
	}
	var presence eventbus.PresenceEvent
	if err := json.Unmarshal(event.Data, &presence); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if len(presence.Online) != 1 || presence.Online[0] != "worker-1" {
		t.Fatalf("unexpected presence %v", presence.Online)
	}

	// A second tab of the same worker does not change presence.
	second := hub.Connect("worker-1")
	dashboard := hub.Connect("")
	if hub.Count() != 3 {
		t.Fatalf("expected 3 observers, got %d", hub.Count())
	}
	select {
	case event := <-first.Events():
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}

	hub.Disconnect(second)
	if online := hub.Online(); len(online) != 1 {
		t.Fatalf("expected worker to stay online, got %v", online)
	}

	hub.Disconnect(first)
	if online := hub.Online(); len(online) != 0 {
		t.Fatalf("expected nobody online, got %v", online)
	}
	if event := receive(t, dashboard); event.Type != eventbus.TypePresenceChanged {
		t.Fatalf("expected dashboard to see presence change, got %s", event.Type)
	}

	// Disconnecting twice is harmless.
	hub.Disconnect(first)
}

func TestHubDropsStaleVersions(t *testing.T) {
	hub := NewHub(zap.NewNop(), 8)
	o := hub.Connect("")

	if !hub.Deliver(versioned(t, "male", 2)) {
		t.Fatal("expected first event to be delivered")
	}
	if hub.Deliver(versioned(t, "male", 2)) {
		t.Fatal("expected duplicate to be dropped")
	}
	if hub.Deliver(versioned(t, "male", 1)) {
		t.Fatal("expected older version to be dropped")
	}
	if !hub.Deliver(versioned(t, "female", 1)) {
		t.Fatal("expected versions to be tracked per category")
	}

	heartbeat, _ := eventbus.NewEvent(eventbus.TypeHeartbeat, eventbus.OccupancyEvent{})
	if !hub.Deliver(heartbeat) || !hub.Deliver(heartbeat) {
		t.Fatal("expected unversioned events to always be delivered")
	}

	want := []string{"male", "female", "", ""}
	for i, category := range want {
		event := receive(t, o)
		if event.Category != category {
			t.Fatalf("event %d: expected category %q, got %q", i, category, event.Category)
		}
	}
}

func heartbeat(t *testing.T, versions map[string]int64) eventbus.Event {
	t.Helper()
	event, err := eventbus.NewEvent(eventbus.TypeHeartbeat, eventbus.OccupancyEvent{})
	if err != nil {
		t.Fatalf("NewEvent() error: %v", err)
	}
	event.Versions = versions
	return event
}

func TestHubDropsHeartbeatsBehindDeliveredEvents(t *testing.T) {
	hub := NewHub(zap.NewNop(), 8)
	o := hub.Connect("")

	if !hub.Deliver(heartbeat(t, map[string]int64{"male": 1, "female": 0})) {
		t.Fatal("expected first heartbeat to be delivered")
	}
	if !hub.Deliver(versioned(t, "male", 2)) {
		t.Fatal("expected newer occupancy event to be delivered")
	}

	// Built from a snapshot taken before male v2 committed.
	if hub.Deliver(heartbeat(t, map[string]int64{"male": 1, "female": 0})) {
		t.Fatal("expected heartbeat older than a delivered event to be dropped")
	}
	// A snapshot that predates a category entirely is just as old.
	if hub.Deliver(heartbeat(t, map[string]int64{"female": 0})) {
		t.Fatal("expected heartbeat missing a seen category to be dropped")
	}
	if !hub.Deliver(heartbeat(t, map[string]int64{"male": 2, "female": 0})) {
		t.Fatal("expected current heartbeat to be delivered")
	}
	if !hub.Deliver(heartbeat(t, map[string]int64{"male": 2, "female": 3})) {
		t.Fatal("expected heartbeat ahead of the hub to be delivered")
	}
	if hub.Deliver(versioned(t, "female", 3)) {
		t.Fatal("expected event already covered by a heartbeat to be dropped")
	}

	want := []string{eventbus.TypeHeartbeat, eventbus.TypeOccupancyChanged, eventbus.TypeHeartbeat, eventbus.TypeHeartbeat}
	for i, eventType := range want {
		if event := receive(t, o); event.Type != eventType {
			t.Fatalf("event %d: expected %s, got %s", i, eventType, event.Type)
		}
	}
	select {
	case event := <-o.Events():
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

func TestHubDropsLaggingObserver(t *testing.T) {
	hub := NewHub(zap.NewNop(), 1)
	slow := hub.Connect("worker-1")

	// The presence event fills the buffer.
	hub.Deliver(versioned(t, "male", 1))

	if hub.Count() != 0 {
		t.Fatalf("expected lagging observer to be dropped, got %d observers", hub.Count())
	}
	if online := hub.Online(); len(online) != 0 {
		t.Fatalf("expected worker to go offline, got %v", online)
	}

	if event := receive(t, slow); event.Type != eventbus.TypePresenceChanged {
		t.Fatalf("expected buffered presence event, got %s", event.Type)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("expected channel to be closed")
	}
}
