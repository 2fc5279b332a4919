// Package redisstore holds the redis-backed pieces of shared mutable state.
// Currently that is the fixed-window rate-limit counter; the whole
// read-check-write cycle runs server-side in one Lua script so concurrent
// callers cannot both pass the under-limit check for the same slot.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consilium-chat/consilium/internal/ratelimit"
)

type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// fixedWindowScript implements the counter transition atomically:
// create-or-reset on a fresh/expired window, increment under the limit,
// reject without mutation at the limit. KEYS[1] = counter key,
// ARGV = limit, window millis, now millis.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local reset = tonumber(redis.call('HGET', key, 'reset') or '0')
if reset == 0 or now >= reset then
  redis.call('HSET', key, 'hits', 1, 'reset', now + window)
  redis.call('PEXPIRE', key, window)
  return 1
end

local hits = tonumber(redis.call('HGET', key, 'hits') or '0')
if hits >= limit then
  return 0
end

redis.call('HINCRBY', key, 'hits', 1)
return 1
`)

// Check implements ratelimit.Limiter.
func (s *Store) Check(ctx context.Context, identifier, action string, limit int, window time.Duration) error {
	key := fmt.Sprintf("rl:%s:%s", identifier, action)
	now := time.Now().UnixMilli()

	allowed, err := fixedWindowScript.Run(ctx, s.client, []string{key}, limit, window.Milliseconds(), now).Int()
	if err != nil {
		return err
	}
	if allowed == 0 {
		return ratelimit.ErrLimitExceeded
	}
	return nil
}

var _ ratelimit.Limiter = (*Store)(nil)
