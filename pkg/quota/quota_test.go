// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
)

func TestNoQuotaAlwaysPasses(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)

	for i := 0; i < 100; i++ {
		m.Commit("k1", 10)
	}
	_, ok := m.Check("k1", nil, 10)
	assert.True(t, ok)
	_, ok = m.Check("k1", &keystore.Quota{}, 10)
	assert.True(t, ok)
}

func TestDailyCallQuota(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)
	q := &keystore.Quota{DailyCalls: 2}

	for i := 0; i < 2; i++ {
		_, ok := m.Check("k1", q, 0)
		require.True(t, ok, "call %d should pass", i)
		m.Commit("k1", 0)
	}

	axis, ok := m.Check("k1", q, 0)
	assert.False(t, ok)
	assert.Equal(t, AxisDailyCalls, axis)
}

func TestCreditQuotaChecksIncrementedValue(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)
	q := &keystore.Quota{DailyCredits: 10}

	m.Commit("k1", 8)

	// 8 + 3 > 10 denies; 8 + 2 fits exactly.
	axis, ok := m.Check("k1", q, 3)
	assert.False(t, ok)
	assert.Equal(t, AxisDailyCredits, axis)

	_, ok = m.Check("k1", q, 2)
	assert.True(t, ok)
}

func TestAxisOrder(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)
	// Both daily axes would trip; daily_calls is reported first.
	q := &keystore.Quota{DailyCalls: 1, DailyCredits: 1}
	m.Commit("k1", 5)

	axis, ok := m.Check("k1", q, 5)
	assert.False(t, ok)
	assert.Equal(t, AxisDailyCalls, axis)
}

func TestGlobalQuota(t *testing.T) {
	t.Parallel()
	m := NewMeter(&keystore.Quota{DailyCalls: 1})

	m.Commit("k1", 0)

	// A different key still trips the shared global counter.
	axis, ok := m.Check("k2", nil, 0)
	assert.False(t, ok)
	assert.Equal(t, AxisDailyCalls, axis)
}

func TestDailyRollover(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)
	current := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	q := &keystore.Quota{DailyCalls: 1}
	m.Commit("k1", 0)
	_, ok := m.Check("k1", q, 0)
	require.False(t, ok)

	// Crossing midnight UTC resets the daily window but not the monthly one.
	current = time.Date(2025, 6, 16, 0, 30, 0, 0, time.UTC)
	_, ok = m.Check("k1", q, 0)
	assert.True(t, ok)

	monthly := &keystore.Quota{MonthlyCalls: 1}
	_, ok = m.Check("k1", monthly, 0)
	assert.False(t, ok)

	// Crossing the month boundary resets the monthly window too.
	current = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	_, ok = m.Check("k1", monthly, 0)
	assert.True(t, ok)
}

func TestUsageSnapshot(t *testing.T) {
	t.Parallel()
	m := NewMeter(nil)
	m.Commit("k1", 7)
	m.Commit("k1", 3)

	dayCalls, monthCalls, dayCredits, monthCredits := m.Usage("k1")
	assert.Equal(t, uint64(2), dayCalls)
	assert.Equal(t, uint64(2), monthCalls)
	assert.Equal(t, uint64(10), dayCredits)
	assert.Equal(t, uint64(10), monthCredits)
}
