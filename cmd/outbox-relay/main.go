package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/logging"
	"github.com/breakslot/breakslot/pkg/outbox"
	"github.com/breakslot/breakslot/pkg/store/clickhouse"
	"github.com/breakslot/breakslot/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Storage.Driver != "postgres" {
		logger.Fatal("outbox relay requires the postgres storage driver", zap.String("driver", cfg.Storage.Driver))
	}

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink outbox.Sink
	switch cfg.Outbox.Sink {
	case "clickhouse":
		events, err := clickhouse.NewEventStore(cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to connect to clickhouse", zap.Error(err))
		}
		defer events.Close()

		if err := events.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure clickhouse schema", zap.Error(err))
		}
		sink = outbox.NewArchiveSink(events)
	default:
		producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			EventTopic: cfg.Kafka.EventTopic,
			DLQTopic:   cfg.Kafka.DLQTopic,
		})
		defer producer.Close()

		sink = outbox.NewKafkaSink(producer, cfg.Kafka.DLQTopic != "")
	}

	repo := postgres.NewOutboxRepository(db.DB())
	relay := outbox.NewRelay(repo, sink, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)

	go func() {
		if err := relay.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal("outbox relay stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("outbox relay shutting down", zap.String("sink", cfg.Outbox.Sink))
}
