// Package redis provides the Redis-backed adapters: the shared client,
// the distributed lock store, and the health check.
package redis

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/config"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pingTimeout bounds the startup connectivity check so a wrong address
// fails fast instead of hanging process boot.
const pingTimeout = 5 * time.Second

// NewClient dials Redis and confirms the server answers before handing the
// client out. Lock leases depend on Redis being reachable, so a dead
// server is a startup failure, not something to discover on first use.
func NewClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr(), err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Redis connection established")

	return client, nil
}
