package statuscollector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/metrics"
	"github.com/breakslot/breakslot/pkg/quota"
)

const defaultInterval = 25 * time.Second

// StatusSource is satisfied by *quota.AdmissionController.
type StatusSource interface {
	StatusSnapshot(ctx context.Context) (*quota.Status, error)
}

// Collector samples occupancy on a fixed interval. Each sample refreshes the
// occupancy gauges and goes out as a heartbeat, so observers that missed an
// event converge without polling. The heartbeat carries the category versions
// of its snapshot; a sample overtaken by a newer commit is dropped downstream.
type Collector struct {
	source   StatusSource
	notifier quota.Notifier
	logger   *zap.Logger
	interval time.Duration
}

func NewCollector(source StatusSource, notifier quota.Notifier, logger *zap.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Collector{
		source:   source,
		notifier: notifier,
		logger:   logger,
		interval: interval,
	}
}

func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("status collector starting", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("status collector shutting down")
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	status, err := c.source.StatusSnapshot(ctx)
	if err != nil {
		c.logger.Warn("failed to collect status", zap.Error(err))
		return
	}

	for _, category := range status.Categories {
		label := string(category.Category)
		metrics.OccupiedWorkers.WithLabelValues(label).Set(float64(category.Occupied))
		metrics.CategoryCap.WithLabelValues(label).Set(float64(category.Cap))
		if category.Occupied > category.Cap {
			// Possible only after a cap was lowered below the live count.
			c.logger.Info("category above cap",
				zap.String("category", label),
				zap.Int("occupied", category.Occupied),
				zap.Int("cap", category.Cap),
			)
		}
	}

	event, err := eventbus.NewEvent(eventbus.TypeHeartbeat, quota.OccupancyPayload(status))
	if err != nil {
		c.logger.Warn("failed to build heartbeat", zap.Error(err))
		return
	}
	event.Versions = status.EventVersions()
	c.notifier.Notify(event)
}
