package memory

import "github.com/breakslot/breakslot/pkg/model"

// eventLog keeps the most recent outbox rows in a fixed ring.
type eventLog struct {
	buf  []model.OccupancyEvent
	head int // oldest row
	size int
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{buf: make([]model.OccupancyEvent, capacity)}
}

// push appends event. When the ring is full the oldest row is overwritten and
// returned with evicted set.
func (e *eventLog) push(event model.OccupancyEvent) (model.OccupancyEvent, bool) {
	if e.size < len(e.buf) {
		e.buf[(e.head+e.size)%len(e.buf)] = event
		e.size++
		return model.OccupancyEvent{}, false
	}
	evicted := e.buf[e.head]
	e.buf[e.head] = event
	e.head = (e.head + 1) % len(e.buf)
	return evicted, true
}

// pop undoes the latest push, putting back the row it evicted.
func (e *eventLog) pop(evicted model.OccupancyEvent, wasEvicted bool) {
	if wasEvicted {
		e.head = (e.head - 1 + len(e.buf)) % len(e.buf)
		e.buf[e.head] = evicted
		return
	}
	e.size--
	e.buf[(e.head+e.size)%len(e.buf)] = model.OccupancyEvent{}
}

func (e *eventLog) list() []model.OccupancyEvent {
	out := make([]model.OccupancyEvent, 0, e.size)
	for i := 0; i < e.size; i++ {
		out = append(out, e.buf[(e.head+i)%len(e.buf)])
	}
	return out
}
