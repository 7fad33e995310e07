package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PatientLockConfig tunes lock acquisition.
type PatientLockConfig struct {
	// TTL is the lease length. A holder that crashes frees the lock after TTL.
	TTL time.Duration

	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration
}

// DefaultPatientLockConfig returns the defaults.
func DefaultPatientLockConfig() PatientLockConfig {
	return PatientLockConfig{TTL: TTLLock, PollInterval: 25 * time.Millisecond}
}

// PatientLock is a lease lock shared by all replicas.
type PatientLock struct {
	client *redis.Client
	config PatientLockConfig
	log    *logger.Logger
}

// NewPatientLock creates a lock backed by client.
func NewPatientLock(client *redis.Client, config PatientLockConfig, log *logger.Logger) *PatientLock {
	if config.TTL <= 0 {
		config.TTL = TTLLock
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 25 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PatientLock{client: client, config: config, log: log.Named("patient_lock")}
}

// Lock blocks until key is acquired or ctx is done.
func (l *PatientLock) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := LockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", shared.ErrLockNotAcquired, key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", shared.ErrLockNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// Release must not depend on the caller's context, which may be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn("lock release failed", logger.String("key", key), logger.Err(err))
		}
	}, nil
}
