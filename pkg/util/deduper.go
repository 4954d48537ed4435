package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper is a redis-backed idempotence guard for consumers. The broker only
// promises at-least-once delivery, so a handler asks the deduper before doing
// non-idempotent work: the first caller for a given (handler, key) wins, later
// redeliveries within the TTL are reported as duplicates.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{
		rdb: rdb,
		ttl: ttl,
	}
}

// NewDeduperWithLogger creates a deduper with logger support.
func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce tries to acquire the dedup lock for a handler + event key.
// Returns true if this is the FIRST time processing, false on a duplicate.
// When redis is unavailable processing is allowed through: the persisted
// reminder_sent flag is the authoritative guard, this is only a cheap filter.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	redisKey := fmt.Sprintf("dedup:%s:%s", handler, key)

	ok, err := d.rdb.SetNX(ctx, redisKey, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed, allowing processing",
				zap.String("handler", handler),
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("key", key),
			zap.String("dedup_key", redisKey),
		)
	}

	return ok
}

// Release drops a previously acquired dedup key. A handler that acquired the
// key but then failed must release it, otherwise the broker's redelivery of
// the same message would be skipped as a duplicate and the event lost.
func (d *Deduper) Release(ctx context.Context, handler, key string) {
	redisKey := fmt.Sprintf("dedup:%s:%s", handler, key)
	if err := d.rdb.Del(ctx, redisKey).Err(); err != nil && d.logger != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("dedup_key", redisKey),
			zap.Error(err),
		)
	}
}
