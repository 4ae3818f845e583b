// Package redis connects the API server to the Redis deployment that carries
// the event bus and the shared session revocations.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/breakslot/breakslot/pkg/config"
)

var ErrNoAddresses = errors.New("redis: no addresses configured")

const connectTimeout = 5 * time.Second

// Connect opens a client for cfg and checks that it answers PING within
// connectTimeout. In cluster mode every address is a seed node; otherwise only
// the first one is dialled and DB selects the logical database.
func Connect(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, ErrNoAddresses
	}

	client := newUniversalClient(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", strings.Join(cfg.Addresses, ","), err)
	}
	return client, nil
}

func newUniversalClient(cfg config.RedisConfig) redis.UniversalClient {
	if cfg.ClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addresses,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
