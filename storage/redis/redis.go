// Package redis provides a Redis implementation of reconcile.Locker.
// Lock release runs as a Lua script so a run never deletes a lock another
// run has taken over after expiry.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Locker using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ reconcile.Locker = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goreconcile:")
	KeyPrefix string

	// LockTTL bounds how long a crashed run can keep the lock (default: 15m)
	LockTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goreconcile:",
		LockTTL:   15 * time.Minute,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic operations
func (s *Storage) loadScripts() {
	// Delete the lock only if it still carries our token
	s.scripts["unlock"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

// TryLock implements reconcile.Locker
func (s *Storage) TryLock(ctx context.Context, name string) (func(), error) {
	key := s.lockKey(name)
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, token, s.config.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take lock %s: %w", name, err)
	}
	if !ok {
		return nil, reconcile.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.scripts["unlock"].Run(unlockCtx, s.client, []string{key}, token).Err()
	}, nil
}

func (s *Storage) lockKey(name string) string {
	return fmt.Sprintf("%slock:%s", s.config.KeyPrefix, name)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
