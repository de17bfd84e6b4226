// Package redislock serialises position mutations across service replicas
// with redis SET NX leases.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"riffstake/native/staking"
)

const (
	defaultTTL    = 10 * time.Second
	defaultPoll   = 20 * time.Millisecond
	defaultPrefix = "riffstake:lock:"
)

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config tunes lease acquisition.
type Config struct {
	// TTL bounds how long a crashed holder keeps a position busy.
	TTL time.Duration
	// Wait bounds how long Lock polls before reporting contention.
	Wait time.Duration
	// Poll is the interval between acquisition attempts.
	Poll   time.Duration
	Prefix string
}

// Locker implements staking.Locker on redis.
type Locker struct {
	client redis.UniversalClient
	cfg    Config
}

var _ staking.Locker = (*Locker)(nil)

// New returns a Locker using client.
func New(client redis.UniversalClient, cfg Config) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = staking.DefaultLockTimeout
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Locker{client: client, cfg: cfg}
}

// Lock implements staking.Locker.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redislock: client not configured")
	}
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()
	deadline := time.NewTimer(l.cfg.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.Poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", staking.ErrContention, key)
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
		})
	}
}
