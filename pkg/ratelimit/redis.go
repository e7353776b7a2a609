package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter is a Limiter whose window is shared by every instance using
// the same redis. Each allowed action sets a key that expires after the
// window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		window: window,
	}
}

// Allow reports whether key may act now and records the action if so.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, 1, l.window).Result()
	if err != nil {
		return false, fmt.Errorf("recording rate limit key: %w", err)
	}

	return ok, nil
}

// New builds the Limiter selected by cfg. The returned close function
// releases backend resources.
func New(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.UploadLimitConfig,
) (Limiter, func() error, error) {
	switch cfg.Backend {
	case config.LimiterBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()

			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}

		log.WithField("component", "ratelimit").
			WithField("addr", cfg.Redis.Addr).
			Info("Using redis upload limiter")

		return NewRedisLimiter(client, cfg.Redis.KeyPrefix, cfg.Window), client.Close, nil
	case config.LimiterBackendMemory, "":
		return NewWindowLimiter(cfg), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown limiter backend %q", cfg.Backend)
	}
}
