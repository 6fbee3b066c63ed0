// Package redislock provides an instance lock manager shared by engines
// running in different processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/lock"
	"github.com/cschleiden/go-bpm/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] - lock key
// ARGV[1] - token of the holder
var unlockCmd = redis.NewScript(
	`if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0`)

type Option func(*options)

type options struct {
	KeyPrefix       string
	Expiration      time.Duration
	PollingInterval time.Duration
	Logger          *slog.Logger
	Clock           clock.Clock
}

// WithKeyPrefix sets the prefix for all lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.KeyPrefix = prefix
	}
}

// WithExpiration sets how long a lock is held before Redis drops it. This
// bounds how long a crashed holder blocks an instance.
func WithExpiration(d time.Duration) Option {
	return func(o *options) {
		o.Expiration = d
	}
}

func WithPollingInterval(d time.Duration) Option {
	return func(o *options) {
		o.PollingInterval = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

type manager struct {
	rdb     redis.UniversalClient
	options *options
}

var _ lock.Manager = (*manager)(nil)

func NewRedisLockManager(client redis.UniversalClient, opts ...Option) lock.Manager {
	o := &options{
		KeyPrefix:       "bpm-lock:",
		Expiration:      time.Minute,
		PollingInterval: 50 * time.Millisecond,
		Logger:          slog.Default(),
		Clock:           clock.New(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return &manager{
		rdb:     client,
		options: o,
	}
}

func (m *manager) key(instanceID string) string {
	return m.options.KeyPrefix + instanceID
}

func (m *manager) Lock(ctx context.Context, instanceID string, timeout time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := m.options.Clock.Now().Add(timeout)

	for {
		ok, err := m.rdb.SetNX(ctx, m.key(instanceID), token, m.options.Expiration).Result()
		if err != nil {
			return "", fmt.Errorf("acquiring lock: %w", err)
		}

		if ok {
			return token, nil
		}

		if !m.options.Clock.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s", lock.ErrTimeout, instanceID)
		}

		t := m.options.Clock.Timer(m.options.PollingInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
}

// Unlock deletes the lock key only while it still holds token, so a stale
// holder cannot release a lock acquired by someone else.
func (m *manager) Unlock(ctx context.Context, instanceID, token string) {
	if token == "" {
		return
	}

	if err := unlockCmd.Run(ctx, m.rdb, []string{m.key(instanceID)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		// The lock expires on its own
		m.options.Logger.ErrorContext(ctx, "releasing instance lock",
			log.InstanceIDKey, instanceID, "error", err)
	}
}
