// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUnderLimit(t *testing.T) {
	t.Parallel()
	l := NewLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Check(ctx, "k1")
		require.True(t, res.Allowed, "hit %d should be allowed", i)
		l.Record(ctx, "k1")
	}

	res := l.Check(ctx, "k1")
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
}

func TestLimiterZeroMeansUnlimited(t *testing.T) {
	t.Parallel()
	l := NewLimiter(0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		l.Record(ctx, "k1")
	}
	res := l.Check(ctx, "k1")
	assert.True(t, res.Allowed)
	assert.Equal(t, Unlimited, res.Remaining)
}

func TestLimiterSubjectsIndependent(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1, time.Minute)
	ctx := context.Background()

	l.Record(ctx, "k1")
	assert.False(t, l.Check(ctx, "k1").Allowed)
	assert.True(t, l.Check(ctx, "k2").Allowed)
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()
	l := NewLimiter(1, 50*time.Millisecond)
	ctx := context.Background()

	l.Record(ctx, "k1")
	require.False(t, l.Check(ctx, "k1").Allowed)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, l.Check(ctx, "k1").Allowed)
}

func TestMemoryCounterEviction(t *testing.T) {
	t.Parallel()
	c := NewMemoryCounter(2)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "old", time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Record(ctx, "mid", time.Minute))
	time.Sleep(2 * time.Millisecond)
	// A third subject evicts the one with the oldest last hit.
	require.NoError(t, c.Record(ctx, "new", time.Minute))

	res, err := c.Check(ctx, "old", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "evicted subject should start fresh")

	res, err = c.Check(ctx, "mid", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

// failingCounter simulates a lost backend.
type failingCounter struct{}

func (*failingCounter) Check(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, assert.AnError
}

func (*failingCounter) Record(context.Context, string, time.Duration) error {
	return assert.AnError
}

func TestLimiterFailsOpen(t *testing.T) {
	t.Parallel()
	l := NewLimiterWithCounter(&failingCounter{}, 1, time.Minute)
	ctx := context.Background()

	l.Record(ctx, "k1")
	res := l.Check(ctx, "k1")
	assert.True(t, res.Allowed)
}

func TestRuleSetSelection(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet(NewMemoryCounter(0), 0, time.Minute)
	rs.SetRule(Rule{Tool: "search", Limit: 1, Window: time.Minute, Active: true})
	rs.SetRule(Rule{Tool: WildcardTool, Limit: 2, Window: time.Minute, Active: true})
	ctx := context.Background()

	// Exact rule wins for its tool.
	rs.Record(ctx, "k1", "search")
	assert.False(t, rs.Check(ctx, "k1", "search").Allowed)

	// Other tools fall back to the wildcard rule.
	rs.Record(ctx, "k1", "other")
	assert.True(t, rs.Check(ctx, "k1", "other").Allowed)
	rs.Record(ctx, "k1", "other")
	assert.False(t, rs.Check(ctx, "k1", "other").Allowed)
}

func TestRuleSetInactiveRuleSkipped(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet(NewMemoryCounter(0), 0, time.Minute)
	rs.SetRule(Rule{Tool: "search", Limit: 1, Window: time.Minute, Active: false})
	ctx := context.Background()

	rs.Record(ctx, "k1", "search")
	rs.Record(ctx, "k1", "search")
	// Inactive rule, zero default limit: unlimited.
	assert.True(t, rs.Check(ctx, "k1", "search").Allowed)
}

func TestRuleSetPerToolSubjects(t *testing.T) {
	t.Parallel()
	rs := NewRuleSet(NewMemoryCounter(0), 1, time.Minute)
	ctx := context.Background()

	rs.Record(ctx, "k1", "a")
	assert.False(t, rs.Check(ctx, "k1", "a").Allowed)
	// Same key, different tool: separate window.
	assert.True(t, rs.Check(ctx, "k1", "b").Allowed)
	// Same tool, different key: separate window.
	assert.True(t, rs.Check(ctx, "k2", "a").Allowed)
}
