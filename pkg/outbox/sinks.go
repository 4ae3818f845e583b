package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/model"
)

type Message struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	Category  string      `json:"category,omitempty"`
	Version   int64       `json:"version,omitempty"`
	Payload   model.JSONB `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewMessage(event model.OccupancyEvent) Message {
	return Message{
		EventID:   event.EventID.String(),
		EventType: event.EventType,
		Category:  event.Category,
		Version:   event.Version,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
}

// EventPublisher is satisfied by *eventbus.KafkaProducer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// KafkaSink keys messages by category so a consumer sees each category's
// versions in order.
type KafkaSink struct {
	publisher EventPublisher
}

// NewKafkaSink returns a sink that also implements DeadLetterSink when
// deadLetters is set.
func NewKafkaSink(publisher EventPublisher, deadLetters bool) Sink {
	sink := &KafkaSink{publisher: publisher}
	if deadLetters {
		return &deadLetterKafkaSink{sink}
	}
	return sink
}

func (s *KafkaSink) Ship(ctx context.Context, events []model.OccupancyEvent) []error {
	var errs []error
	for i, event := range events {
		err := s.publish(ctx, event)
		if err == nil {
			continue
		}
		if errs == nil {
			errs = make([]error, len(events))
		}
		errs[i] = err
	}
	return errs
}

func (s *KafkaSink) publish(ctx context.Context, event model.OccupancyEvent) error {
	value, err := json.Marshal(NewMessage(event))
	if err != nil {
		return err
	}
	return s.publisher.PublishEvent(ctx, messageKey(event), value, headersFor(event)...)
}

type deadLetterKafkaSink struct {
	*KafkaSink
}

func (s *deadLetterKafkaSink) DeadLetter(ctx context.Context, event model.OccupancyEvent, cause error) error {
	value, err := json.Marshal(DLQMessage{
		Event:    NewMessage(event),
		Error:    cause.Error(),
		FailedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	headers := append(headersFor(event), kafka.Header{Key: eventbus.HeaderDLQError, Value: []byte(cause.Error())})
	return s.publisher.PublishDLQ(ctx, messageKey(event), value, headers...)
}

func messageKey(event model.OccupancyEvent) []byte {
	if event.Category == "" {
		return []byte(event.EventID.String())
	}
	return []byte(event.Category)
}

func headersFor(event model.OccupancyEvent) []kafka.Header {
	return []kafka.Header{
		{Key: eventbus.HeaderEventID, Value: []byte(event.EventID.String())},
		{Key: eventbus.HeaderEventType, Value: []byte(event.EventType)},
		{Key: eventbus.HeaderCategory, Value: []byte(event.Category)},
		{Key: eventbus.HeaderVersion, Value: []byte(strconv.FormatInt(event.Version, 10))},
	}
}

// Archiver is satisfied by *clickhouse.EventStore.
type Archiver interface {
	Archive(ctx context.Context, events []model.OccupancyEvent) error
}

// ArchiveSink writes whole batches; a failed batch stays pending as a unit.
type ArchiveSink struct {
	archiver Archiver
}

func NewArchiveSink(archiver Archiver) *ArchiveSink {
	return &ArchiveSink{archiver: archiver}
}

func (s *ArchiveSink) Ship(ctx context.Context, events []model.OccupancyEvent) []error {
	err := s.archiver.Archive(ctx, events)
	if err == nil {
		return nil
	}
	errs := make([]error, len(events))
	for i := range errs {
		errs[i] = err
	}
	return errs
}
