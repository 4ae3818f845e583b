package notify

import "github.com/breakslot/breakslot/pkg/eventbus"

// Watermark tracks the newest version delivered per category. It is not safe
// for concurrent use.
type Watermark map[string]int64

// NewWatermark starts from versions already known to the consumer, typically
// those of the snapshot it was sent.
func NewWatermark(versions map[string]int64) Watermark {
	w := make(Watermark, len(versions))
	for category, version := range versions {
		w[category] = version
	}
	return w
}

// Advance reports whether event is at least as new as everything delivered so
// far, and records its versions when it is.
//
// A versioned event must be strictly newer than its category. An event with a
// version set must not be behind in any category, including categories it does
// not name. Events with neither always pass.
func (w Watermark) Advance(event eventbus.Event) bool {
	if event.Category != "" && event.Version > 0 {
		if event.Version <= w[event.Category] {
			return false
		}
		w[event.Category] = event.Version
		return true
	}

	if event.Versions == nil {
		return true
	}
	for category, seen := range w {
		if event.Versions[category] < seen {
			return false
		}
	}
	for category, version := range event.Versions {
		if version > w[category] {
			w[category] = version
		}
	}
	return true
}
