// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCounter(t *testing.T) *RedisCounter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounter(client)
}

func TestRedisCounterLimits(t *testing.T) {
	t.Parallel()
	c := newTestRedisCounter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := c.Check(ctx, "k1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed, "hit %d should be allowed", i)
		require.NoError(t, c.Record(ctx, "k1", time.Minute))
	}

	res, err := c.Check(ctx, "k1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
}

func TestRedisCounterSubjectsIndependent(t *testing.T) {
	t.Parallel()
	c := newTestRedisCounter(t)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "k1", time.Minute))
	res, err := c.Check(ctx, "k1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = c.Check(ctx, "k2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisCounterSameInstantHits(t *testing.T) {
	t.Parallel()
	c := newTestRedisCounter(t)
	ctx := context.Background()

	// Hits recorded back-to-back must all count, even if they land on the
	// same clock tick.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Record(ctx, "k1", time.Minute))
	}
	res, err := c.Check(ctx, "k1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRedisCounterBackendLoss(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCounter(client)
	ctx := context.Background()

	mr.Close()

	_, err := c.Check(ctx, "k1", 1, time.Minute)
	require.Error(t, err)

	// The limiter wrapping the counter fails open on backend loss.
	l := NewLimiterWithCounter(c, 1, time.Minute)
	assert.True(t, l.Check(ctx, "k1").Allowed)
}
