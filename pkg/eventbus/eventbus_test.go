package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

func TestNewVersionedEvent(t *testing.T) {
	event, err := NewVersionedEvent(TypeOccupancyChanged, "male", 7, OccupancyEvent{Occupied: true})
	if err != nil {
		t.Fatalf("NewVersionedEvent() error: %v", err)
	}
	if event.Category != "male" || event.Version != 7 {
		t.Fatalf("unexpected envelope %+v", event)
	}

	var payload OccupancyEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.Occupied {
		t.Fatal("expected occupied payload")
	}
}

func TestChannelFor(t *testing.T) {
	cases := map[string]string{
		TypeOccupancyChanged:     ChannelOccupancy,
		TypeHeartbeat:            ChannelOccupancy,
		TypeCapChanged:           ChannelSettings,
		TypeSettingsChanged:      ChannelSettings,
		TypeBroadcastChanged:     ChannelSettings,
		TypeForceLogout:          ChannelSession,
		TypePersonalNotification: ChannelSession,
	}
	for eventType, want := range cases {
		if got := ChannelFor(eventType); got != want {
			t.Fatalf("%s: expected %s, got %s", eventType, want, got)
		}
	}
}

func TestHeartbeatVersionsSurviveTheBus(t *testing.T) {
	event, _ := NewEvent(TypeHeartbeat, OccupancyEvent{})
	event.Versions = map[string]int64{"male": 3, "female": 0}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if len(decoded.Versions) != 2 || decoded.Versions["male"] != 3 {
		t.Fatalf("expected versions to round-trip, got %v", decoded.Versions)
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewBus(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.Subscribe(ctx, Channels...)
	sent, err := NewVersionedEvent(TypeCapChanged, "female", 3, CapEvent{Category: "female", Cap: 2})
	if err != nil {
		t.Fatalf("NewVersionedEvent() error: %v", err)
	}

	// The subscription becomes active asynchronously; publish until it is seen.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-events:
			if got.Type != TypeCapChanged || got.Version != 3 || got.Category != "female" {
				t.Fatalf("unexpected event %+v", got)
			}
			return
		case <-ticker.C:
			if err := bus.Publish(ctx, ChannelFor(sent.Type), sent); err != nil {
				t.Fatalf("Publish() error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaProducerRoutesTopics(t *testing.T) {
	writer := &recordingWriter{}
	producer := &KafkaProducer{writer: writer, eventTopic: "events", dlqTopic: "events.dlq"}
	ctx := context.Background()

	if err := producer.PublishEvent(ctx, []byte("male"), []byte("{}")); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}
	if err := producer.PublishDLQ(ctx, []byte("male"), []byte("{}")); err != nil {
		t.Fatalf("PublishDLQ() error: %v", err)
	}
	if len(writer.messages) != 2 || writer.messages[0].Topic != "events" || writer.messages[1].Topic != "events.dlq" {
		t.Fatalf("unexpected messages %+v", writer.messages)
	}

	producer.dlqTopic = ""
	if err := producer.PublishDLQ(ctx, nil, nil); err == nil {
		t.Fatal("expected error without dlq topic")
	}

	writer.err = errors.New("broker down")
	if err := producer.PublishEvent(ctx, nil, nil); !errors.Is(err, writer.err) {
		t.Fatalf("expected writer error, got %v", err)
	}
}
