package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/port"
)

// lockRetryInterval paces acquisition attempts while another holder has
// the key.
const lockRetryInterval = 100 * time.Millisecond

// releaseScript deletes the lock only when the token matches, so an
// expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type lockService struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewLocker creates a Redis SET NX PX lock provider. The TTL bounds the
// damage of a holder that dies without releasing.
func NewLocker(client redis.UniversalClient, log *zap.Logger) port.Locker {
	return &lockService{client: client, log: log}
}

// Acquire blocks until the key is locked or ctx is done. The returned
// function releases the lock; calling it after TTL expiry is harmless.
func (l *lockService) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, storeErr("acquire lock", err)
		}
		if ok {
			release := func() {
				if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
					l.log.Warn("Lock release failed", zap.String("key", key), zap.Error(err))
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
