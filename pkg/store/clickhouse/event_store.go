package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/model"
)

// EventStore archives published occupancy events for reporting.
type EventStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewEventStore(cfg config.ClickHouseConfig, logger *zap.Logger) (*EventStore, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("clickhouse hosts are not configured")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &EventStore{
		conn:   conn,
		logger: logger,
	}, nil
}

// Archive appends events in one batch. ReplacingMergeTree on event_id absorbs
// re-sends after a relay crash between insert and MarkPublished.
func (s *EventStore) Archive(ctx context.Context, events []model.OccupancyEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO occupancy_events")
	if err != nil {
		return err
	}

	rows, err := archiveRows(events, time.Now())
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return err
		}
	}

	if err := batch.Send(); err != nil {
		return err
	}

	s.logger.Debug("archived occupancy events", zap.Int("count", len(events)))
	return nil
}

func archiveRows(events []model.OccupancyEvent, archivedAt time.Time) ([][]interface{}, error) {
	rows := make([][]interface{}, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", event.EventID, err)
		}
		rows = append(rows, []interface{}{
			event.EventID,
			event.EventType,
			event.Category,
			event.Version,
			string(payload),
			event.CreatedAt,
			archivedAt,
		})
	}
	return rows, nil
}

func (s *EventStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the table if not exists
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS occupancy_events (
		event_id UUID,
		event_type LowCardinality(String),
		category LowCardinality(String),
		version Int64,
		payload String Codec(ZSTD),
		created_at DateTime64(3),
		archived_at DateTime DEFAULT now()
	)
	ENGINE = ReplacingMergeTree(archived_at)
	ORDER BY (category, created_at, event_id)
	PARTITION BY toYYYYMM(created_at)
	TTL toDateTime(created_at) + INTERVAL 400 DAY
	`
	return s.conn.Exec(ctx, query)
}
