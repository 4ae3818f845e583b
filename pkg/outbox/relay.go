package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/metrics"
	"github.com/breakslot/breakslot/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.OccupancyEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
}

// Sink ships a batch of events downstream. The returned slice is either nil or
// holds one entry per event, nil where that event was shipped.
type Sink interface {
	Ship(ctx context.Context, events []model.OccupancyEvent) []error
}

// DeadLetterSink is implemented by sinks that can park an event they failed to ship.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, event model.OccupancyEvent, cause error) error
}

type Relay struct {
	repo         Repository
	sink         Sink
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

func NewRelay(repo Repository, sink Sink, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		sink:         sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) {
	events, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return
	}

	if len(events) == 0 {
		return
	}

	errs := r.sink.Ship(ctx, events)
	for i, event := range events {
		var shipErr error
		if len(errs) > i {
			shipErr = errs[i]
		}
		if shipErr != nil {
			r.handleFailure(ctx, event, shipErr)
			continue
		}
		if err := r.repo.MarkPublished(ctx, event.EventID, r.now()); err != nil {
			r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", event.EventID.String()))
			continue
		}
		metrics.OutboxEventsTotal.WithLabelValues(model.OutboxStatusPublished).Inc()
	}
}

// handleFailure parks the event when the sink supports dead letters. Otherwise
// the event stays pending and is retried on the next poll.
func (r *Relay) handleFailure(ctx context.Context, event model.OccupancyEvent, cause error) {
	logger := r.logger.With(zap.String("event_id", event.EventID.String()), zap.String("category", event.Category))

	dlq, ok := r.sink.(DeadLetterSink)
	if !ok {
		logger.Warn("failed to ship outbox event, will retry", zap.Error(cause))
		metrics.OutboxEventsTotal.WithLabelValues("retry").Inc()
		return
	}

	logger.Warn("failed to ship outbox event, sending to DLQ", zap.Error(cause))
	if err := dlq.DeadLetter(ctx, event, cause); err != nil {
		logger.Warn("failed to publish to DLQ", zap.Error(err))
		metrics.OutboxEventsTotal.WithLabelValues("retry").Inc()
		return
	}

	if err := r.repo.MarkFailed(ctx, event.EventID); err != nil {
		logger.Warn("failed to mark event failed", zap.Error(err))
		return
	}
	metrics.OutboxEventsTotal.WithLabelValues(model.OutboxStatusFailed).Inc()
}
