package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypeOccupancyChanged     = "occupancy_changed"
	TypeCapChanged           = "cap_changed"
	TypeSettingsChanged      = "settings_changed"
	TypeBroadcastChanged     = "broadcast_changed"
	TypeForceLogout          = "force_logout"
	TypePersonalNotification = "personal_notification"
	TypePresenceChanged      = "presence_changed"
	TypeHeartbeat            = "heartbeat"
)

// Event is the envelope delivered to observers. Category and Version are set
// for events that describe a committed change in one category; Version is
// monotonic per category so observers can discard stale events. Versions is
// set on events that describe every category at once, such as heartbeats.
type Event struct {
	Type      string           `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Category  string           `json:"category,omitempty"`
	Version   int64            `json:"version,omitempty"`
	Versions  map[string]int64 `json:"versions,omitempty"`
	Data      json.RawMessage  `json:"data"`
}

type Occupant struct {
	WorkerID  string    `json:"worker_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	StartTime time.Time `json:"start_time"`
}

// OccupancyChange names the commit that produced an occupancy event.
type OccupancyChange struct {
	WorkerID string `json:"worker_id"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

const (
	ActionStarted     = "started"
	ActionStopped     = "stopped"
	ActionForceClosed = "force_closed"
)

type OccupancyEvent struct {
	Occupied            bool             `json:"occupied"`
	OccupantID          *string          `json:"occupant_id"`
	OccupantName        string           `json:"occupant_name,omitempty"`
	OccupantCategory    string           `json:"occupant_category,omitempty"`
	StartTime           *time.Time       `json:"start_time"`
	ServerReferenceTime time.Time        `json:"server_reference_time"`
	Occupants           []Occupant       `json:"occupants"`
	Change              *OccupancyChange `json:"change,omitempty"`
}

type CapEvent struct {
	Category            string    `json:"category"`
	Cap                 int       `json:"cap"`
	ServerReferenceTime time.Time `json:"server_reference_time"`
}

type SettingsEvent struct {
	DefaultQuotaMinutes int       `json:"default_quota_minutes"`
	ServerReferenceTime time.Time `json:"server_reference_time"`
}

// BroadcastEvent carries the banner shown to every worker. Message is nil once
// the broadcast is cleared.
type BroadcastEvent struct {
	Message             *string   `json:"message"`
	ServerReferenceTime time.Time `json:"server_reference_time"`
}

type SessionEvent struct {
	WorkerID string `json:"worker_id"`
}

// PersonalEvent is a message for one worker. Streams of other workers skip it.
type PersonalEvent struct {
	WorkerID string `json:"worker_id"`
	Message  string `json:"message"`
}

type PresenceEvent struct {
	Online []string `json:"online"`
}

const (
	ChannelOccupancy = "bs:events:occupancy"
	ChannelSettings  = "bs:events:settings"
	ChannelSession   = "bs:events:session"
)

// Channels lists every channel an observer relay must subscribe to.
var Channels = []string{ChannelOccupancy, ChannelSettings, ChannelSession}

// ChannelFor maps an event type to its pub/sub channel.
func ChannelFor(eventType string) string {
	switch eventType {
	case TypeCapChanged, TypeSettingsChanged, TypeBroadcastChanged:
		return ChannelSettings
	case TypeForceLogout, TypePersonalNotification:
		return ChannelSession
	default:
		return ChannelOccupancy
	}
}

type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

// NewVersionedEvent builds an event describing a committed change in category.
func NewVersionedEvent(eventType, category string, version int64, payload interface{}) (Event, error) {
	event, err := NewEvent(eventType, payload)
	if err != nil {
		return Event{}, err
	}
	event.Category = category
	event.Version = version
	return event, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
