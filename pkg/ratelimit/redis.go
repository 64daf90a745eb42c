// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces paygate's counters inside a shared Redis.
const redisKeyPrefix = "paygate:rl:"

// RedisCounter is a Counter backed by Redis sorted sets, for deployments
// where several proxy instances must share rate-limit state. Each hit is a
// member scored by its unix-nano timestamp; out-of-window members are trimmed
// on every operation.
type RedisCounter struct {
	client redis.UniversalClient

	// seq disambiguates members recorded within the same nanosecond.
	seq atomic.Uint64
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Check counts in-window hits for subject without recording.
func (c *RedisCounter) Check(ctx context.Context, subject string, limit int, window time.Duration) (Result, error) {
	key := redisKeyPrefix + subject
	now := time.Now()
	cutoff := now.Add(-window).UnixNano()

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff+1))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis rate-limit check failed: %w", err)
	}

	count := int(countCmd.Val())
	if count < limit {
		return Result{Allowed: true, Remaining: limit - count - 1}, nil
	}

	retryAfter := window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		retryAfter = oldestAt.Add(window).Sub(now)
	}
	return Result{Allowed: false, RetryAfter: ceilToSecond(retryAfter)}, nil
}

// Record appends a hit for subject and refreshes the key TTL so idle
// subjects expire on their own.
func (c *RedisCounter) Record(ctx context.Context, subject string, window time.Duration) error {
	key := redisKeyPrefix + subject
	now := time.Now().UnixNano()

	pipe := c.client.Pipeline()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(c.seq.Add(1), 10)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rate-limit record failed: %w", err)
	}
	return nil
}
