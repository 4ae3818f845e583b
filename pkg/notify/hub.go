package notify

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/metrics"
)

const defaultObserverBuffer = 32

// Observer is one connected stream. Its channel is closed when the hub drops it.
type Observer struct {
	id       uuid.UUID
	workerID string
	events   chan eventbus.Event
}

func (o *Observer) ID() uuid.UUID                  { return o.id }
func (o *Observer) WorkerID() string               { return o.workerID }
func (o *Observer) Events() <-chan eventbus.Event { return o.events }

// Hub is the process-scoped registry of connected observers. It is created at
// service start and injected wherever events are delivered.
type Hub struct {
	mu        sync.Mutex
	observers map[uuid.UUID]*Observer
	online    map[string]int
	watermark Watermark
	buffer    int
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultObserverBuffer
	}
	return &Hub{
		observers: make(map[uuid.UUID]*Observer),
		online:    make(map[string]int),
		watermark: make(Watermark),
		buffer:    buffer,
		logger:    logger,
	}
}

// Connect registers an observer. workerID may be empty for anonymous dashboards.
func (h *Hub) Connect(workerID string) *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()

	o := &Observer{
		id:       uuid.New(),
		workerID: workerID,
		events:   make(chan eventbus.Event, h.buffer),
	}
	h.observers[o.id] = o
	metrics.Observers.Set(float64(len(h.observers)))

	if workerID != "" {
		h.online[workerID]++
		if h.online[workerID] == 1 {
			h.broadcastPresenceLocked()
		}
	}
	return o
}

func (h *Hub) Disconnect(o *Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.observers[o.id]; !ok {
		return
	}
	if h.removeLocked(o) {
		h.broadcastPresenceLocked()
	}
}

// Deliver fans an event out to every observer. Versioned events at or below the
// last delivered version of their category are dropped, which discards both
// duplicates and events overtaken by a newer commit. Heartbeats built from a
// snapshot older than a delivered event are dropped the same way. It reports
// whether the event was delivered.
func (h *Hub) Deliver(event eventbus.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.watermark.Advance(event) {
		metrics.NotificationsDropped.WithLabelValues("stale").Inc()
		return false
	}

	if h.broadcastLocked(event) {
		h.broadcastPresenceLocked()
	}
	return true
}

// Online lists the workers with at least one connected observer.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *Hub) onlineLocked() []string {
	online := make([]string, 0, len(h.online))
	for workerID := range h.online {
		online = append(online, workerID)
	}
	sort.Strings(online)
	return online
}

// broadcastLocked reports whether dropping a lagging observer took a worker offline.
func (h *Hub) broadcastLocked(event eventbus.Event) bool {
	var lagging []*Observer
	for _, o := range h.observers {
		select {
		case o.events <- event:
		default:
			lagging = append(lagging, o)
		}
	}

	presenceChanged := false
	for _, o := range lagging {
		// The client reconnects and resyncs from a fresh snapshot.
		h.logger.Warn("dropping lagging observer",
			zap.String("observer_id", o.id.String()),
			zap.String("worker_id", o.workerID),
		)
		metrics.NotificationsDropped.WithLabelValues("slow_observer").Inc()
		if h.removeLocked(o) {
			presenceChanged = true
		}
	}
	return presenceChanged
}

func (h *Hub) broadcastPresenceLocked() {
	event, err := eventbus.NewEvent(eventbus.TypePresenceChanged, eventbus.PresenceEvent{Online: h.onlineLocked()})
	if err != nil {
		return
	}
	if h.broadcastLocked(event) {
		h.broadcastPresenceLocked()
	}
}

// removeLocked reports whether the observer's worker has no observers left.
func (h *Hub) removeLocked(o *Observer) bool {
	delete(h.observers, o.id)
	close(o.events)
	metrics.Observers.Set(float64(len(h.observers)))

	if o.workerID == "" {
		return false
	}
	h.online[o.workerID]--
	if h.online[o.workerID] > 0 {
		return false
	}
	delete(h.online, o.workerID)
	return true
}
