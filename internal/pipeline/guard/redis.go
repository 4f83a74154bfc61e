package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"firepoints/pkg/platform/sentinel"
)

// releaseScript deletes the lease only if it still carries our token, so an
// expired lease re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease extends the run guard across replicas. The lease expires after
// ttl so a crashed holder cannot block refreshes forever.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

type RedisLeaseOption func(*RedisLease)

func WithLeaseLogger(logger *slog.Logger) RedisLeaseOption {
	return func(l *RedisLease) {
		l.logger = logger
	}
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration, opts ...RedisLeaseOption) *RedisLease {
	l := &RedisLease{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *RedisLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w: %w", l.key, sentinel.ErrUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// The run context may already be gone; release on a short, fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("lease release failed", "key", l.key, "error", err)
		}
	}, true, nil
}
