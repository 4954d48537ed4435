package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taskremind/pkg/trace"
)

// releaseScript deletes the lease only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the lease only when this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// LeaderLease is a redis lease used to keep a single scheduler instance
// active. The lease holder publishes reminder events; everyone else idles and
// re-checks each tick. If the holder dies the lease expires after TTL and
// another instance takes over.
type LeaderLease struct {
	rdb    *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	logger *zap.Logger
}

func NewLeaderLease(rdb *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *LeaderLease {
	return &LeaderLease{
		rdb:    rdb,
		key:    key,
		owner:  trace.GenerateTraceID(),
		ttl:    ttl,
		logger: logger,
	}
}

// TryAcquire attempts to take or renew the lease. Returns true when this
// instance is the leader for the coming tick. A redis outage yields false:
// better one missed tick than two schedulers publishing duplicate bursts.
func (l *LeaderLease) TryAcquire(ctx context.Context) bool {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		l.logger.Warn("Leader lease acquire failed, standing down",
			zap.String("key", l.key),
			zap.Error(err),
		)
		return false
	}
	if ok {
		return true
	}

	// Not acquired: maybe we already hold it from the previous tick.
	renewed, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		l.logger.Warn("Leader lease renew failed, standing down",
			zap.String("key", l.key),
			zap.Error(err),
		)
		return false
	}
	return renewed == 1
}

// Release gives up the lease on shutdown so a standby can take over
// immediately instead of waiting for the TTL.
func (l *LeaderLease) Release(ctx context.Context) {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Result(); err != nil {
		l.logger.Warn("Leader lease release failed",
			zap.String("key", l.key),
			zap.Error(err),
		)
	}
}
