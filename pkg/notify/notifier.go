package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/metrics"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// Publisher fans events out to every replica. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// Notifier decouples event publication from the commit that produced it.
// Notify never blocks; Run drains the queue.
type Notifier struct {
	hub       *Hub
	publisher Publisher
	logger    *zap.Logger
	queue     chan eventbus.Event
	timeout   time.Duration
}

// NewNotifier builds a notifier. With a nil publisher events go straight to the local hub.
func NewNotifier(hub *Hub, publisher Publisher, logger *zap.Logger, queueSize int, publishTimeout time.Duration) *Notifier {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	return &Notifier{
		hub:       hub,
		publisher: publisher,
		logger:    logger,
		queue:     make(chan eventbus.Event, queueSize),
		timeout:   publishTimeout,
	}
}

func (n *Notifier) Notify(event eventbus.Event) {
	select {
	case n.queue <- event:
	default:
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		n.logger.Warn("notification queue full, dropping event",
			zap.String("type", event.Type),
			zap.String("category", event.Category),
			zap.Int64("version", event.Version),
		)
	}
}

func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("notifier starting", zap.Bool("fan_out", n.publisher != nil))
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier shutting down")
			return
		case event := <-n.queue:
			n.dispatch(ctx, event)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, event eventbus.Event) {
	if n.publisher != nil {
		publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := n.publisher.Publish(publishCtx, eventbus.ChannelFor(event.Type), event)
		cancel()
		if err == nil {
			return
		}
		metrics.NotificationsDropped.WithLabelValues("publish_failed").Inc()
		n.logger.Warn("failed to publish event, delivering locally",
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
	n.hub.Deliver(event)
}

// Forward delivers events received from the bus into the hub until ctx ends or
// the subscription closes.
func Forward(ctx context.Context, events <-chan *eventbus.Event, hub *Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			hub.Deliver(*event)
		}
	}
}
