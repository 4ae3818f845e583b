package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/breakslot/breakslot/pkg/apiserver"
	"github.com/breakslot/breakslot/pkg/auth"
	"github.com/breakslot/breakslot/pkg/config"
	"github.com/breakslot/breakslot/pkg/eventbus"
	"github.com/breakslot/breakslot/pkg/logging"
	"github.com/breakslot/breakslot/pkg/notify"
	"github.com/breakslot/breakslot/pkg/quota"
	"github.com/breakslot/breakslot/pkg/session"
	"github.com/breakslot/breakslot/pkg/statuscollector"
	"github.com/breakslot/breakslot/pkg/store"
	"github.com/breakslot/breakslot/pkg/store/memory"
	"github.com/breakslot/breakslot/pkg/store/postgres"
	redisclient "github.com/breakslot/breakslot/pkg/store/redis"
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

	loc, err := cfg.Admission.Location()
	if err != nil {
		logger.Fatal("Invalid admission timezone", zap.Error(err))
	}

	ledgerStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open ledger store", zap.Error(err))
	}
	defer ledgerStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := notify.NewHub(logger, cfg.Notifier.ObserverBuffer)

	var (
		publisher notify.Publisher
		revoker   session.Revoker = session.NewMemoryRevoker()
	)
	if len(cfg.Redis.Addresses) > 0 {
		redis, err := redisclient.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()

		bus := eventbus.NewBus(redis)
		publisher = bus
		revoker = session.NewRedisRevoker(redis, cfg.Auth.TokenTTL)
		go notify.Forward(ctx, bus.Subscribe(ctx, eventbus.Channels...), hub)
	} else {
		logger.Warn("Redis not configured, events and revocations stay in this process")
	}

	notifier := notify.NewNotifier(hub, publisher, logger, cfg.Notifier.BufferSize, cfg.Notifier.PublishTimeout)
	go notifier.Run(ctx)

	controller := quota.NewAdmissionController(ledgerStore, quota.NewHierarchy(cfg.Admission), notifier, logger, quota.WithLocation(loc))
	gate := quota.NewOverrideGate(controller, revoker, logger)
	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)

	collector := statuscollector.NewCollector(controller, notifier, logger, cfg.Notifier.HeartbeatInterval)
	go func() {
		if err := collector.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Status collector stopped", zap.Error(err))
		}
	}()

	server := apiserver.NewServer(controller, gate, hub, tokens, revoker, cfg, logger)

	// No WriteTimeout: event streams stay open for the life of the session.
	// Request contexts derive from ctx so cancel ends open streams on shutdown.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort), zap.String("storage", cfg.Storage.Driver))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}

func openStore(cfg *config.Config) (store.LedgerStore, error) {
	if cfg.Storage.Driver == "memory" {
		return memory.NewStore(memory.WithEventRetention(cfg.Storage.EventRetention)), nil
	}

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}
