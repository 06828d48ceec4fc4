// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per key, scored by request time
// in milliseconds. It returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
redis.call('PEXPIRE', key, window)

local oldestScore = now
if oldest[2] then
  oldestScore = tonumber(oldest[2])
end
return {allowed, count, oldestScore}
`)

// RedisStore is a Store shared across instances through Redis.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, rule Rule) (bool, int, time.Time, error) {
	fullKey := key
	if s.prefix != "" {
		fullKey = s.prefix + ":" + key
	}

	vals, err := slidingWindowScript.Run(ctx, s.client, []string{fullKey},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.Tokens,
		strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(vals) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("redis sliding window: unexpected reply length %d", len(vals))
	}

	return vals[0] == 1, int(vals[1]), time.UnixMilli(vals[2]), nil
}
