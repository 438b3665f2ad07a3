// Package dynconfig reads operational settings that may change while the
// service runs. Values are read on every call and never cached.
package dynconfig

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const KeyMaxRetries = "max_retries"

// Reader returns the current value of a setting, or fallback when it is unset
// or unreadable
type Reader interface {
	Int(ctx context.Context, key string, fallback int) int
}

// RedisReader reads plain string keys under a prefix, e.g. "hook-svc:max_retries"
type RedisReader struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisReader(client *redis.Client, prefix string, logger *zap.Logger) *RedisReader {
	return &RedisReader{client: client, prefix: prefix, logger: logger}
}

func (r *RedisReader) Int(ctx context.Context, key string, fallback int) int {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Failed to read dynamic setting, using fallback",
				zap.String("key", key),
				zap.Int("fallback", fallback),
				zap.Error(err),
			)
		}
		return fallback
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		r.logger.Warn("Invalid dynamic setting, using fallback",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Int("fallback", fallback),
		)
		return fallback
	}
	return n
}

// StaticReader serves values set in process. It backs deployments without
// Redis and tests.
type StaticReader struct {
	mu     sync.RWMutex
	values map[string]int
}

func NewStaticReader(values map[string]int) *StaticReader {
	copied := make(map[string]int, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticReader{values: copied}
}

func (s *StaticReader) Int(_ context.Context, key string, fallback int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return fallback
}

func (s *StaticReader) Set(key string, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

var (
	_ Reader = (*RedisReader)(nil)
	_ Reader = (*StaticReader)(nil)
)
