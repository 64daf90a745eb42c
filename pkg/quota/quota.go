// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package quota tracks calendar-window call and credit counters, per key and
// globally. Windows are the civil day and month in UTC; a counter resets the
// first time it is touched after a boundary crossing.
package quota

import (
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
)

// Axis names a quota dimension. A denial reason is "quota_exceeded:<axis>".
type Axis string

// Quota axes, in the order they are checked.
const (
	AxisDailyCalls     Axis = "daily_calls"
	AxisMonthlyCalls   Axis = "monthly_calls"
	AxisDailyCredits   Axis = "daily_credits"
	AxisMonthlyCredits Axis = "monthly_credits"
)

// globalSubject keys the process-wide counters. Key identifiers always carry
// the pg_ prefix, so this cannot collide.
const globalSubject = "\x00global"

// counters is one subject's rolling state.
type counters struct {
	day   string // "2006-01-02" of the current daily window
	month string // "2006-01" of the current monthly window

	dayCalls     uint64
	dayCredits   uint64
	monthCalls   uint64
	monthCredits uint64
}

// Meter holds the quota counters. All methods are safe for concurrent use.
type Meter struct {
	mu       sync.Mutex
	subjects map[string]*counters

	// global is the process-wide quota; nil or zero means none.
	global *keystore.Quota

	// now is swappable for tests.
	now func() time.Time
}

// NewMeter creates a meter with an optional global quota.
func NewMeter(global *keystore.Quota) *Meter {
	return &Meter{
		subjects: make(map[string]*counters),
		global:   global,
		now:      time.Now,
	}
}

// Check reports whether charging the key `credits` for one more call would
// exceed any configured axis of its quota or the global quota. It records
// nothing. The returned axis names the first violated dimension.
func (m *Meter) Check(key string, q *keystore.Quota, credits uint64) (Axis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if axis, ok := m.checkLocked(key, q, credits); !ok {
		return axis, false
	}
	if axis, ok := m.checkLocked(globalSubject, m.global, credits); !ok {
		return axis, false
	}
	return "", true
}

// Commit records one call and its credits against the key and global
// counters.
func (m *Meter) Commit(key string, credits uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, subject := range []string{key, globalSubject} {
		c := m.countersLocked(subject)
		c.dayCalls++
		c.monthCalls++
		c.dayCredits += credits
		c.monthCredits += credits
	}
}

// Usage returns a snapshot of a key's current counters.
func (m *Meter) Usage(key string) (dayCalls, monthCalls, dayCredits, monthCredits uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.countersLocked(key)
	return c.dayCalls, c.monthCalls, c.dayCredits, c.monthCredits
}

func (m *Meter) checkLocked(subject string, q *keystore.Quota, credits uint64) (Axis, bool) {
	if q.IsZero() {
		return "", true
	}
	c := m.countersLocked(subject)

	// A quota value of 0 means no quota on that axis. The check is against
	// the incremented value: current plus the call about to be admitted.
	if q.DailyCalls > 0 && c.dayCalls+1 > q.DailyCalls {
		return AxisDailyCalls, false
	}
	if q.MonthlyCalls > 0 && c.monthCalls+1 > q.MonthlyCalls {
		return AxisMonthlyCalls, false
	}
	if q.DailyCredits > 0 && c.dayCredits+credits > q.DailyCredits {
		return AxisDailyCredits, false
	}
	if q.MonthlyCredits > 0 && c.monthCredits+credits > q.MonthlyCredits {
		return AxisMonthlyCredits, false
	}
	return "", true
}

// countersLocked fetches the subject's counters, resetting any window whose
// boundary has passed.
func (m *Meter) countersLocked(subject string) *counters {
	now := m.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	c := m.subjects[subject]
	if c == nil {
		c = &counters{day: day, month: month}
		m.subjects[subject] = c
		return c
	}
	if c.day != day {
		c.day = day
		c.dayCalls = 0
		c.dayCredits = 0
	}
	if c.month != month {
		c.month = month
		c.monthCalls = 0
		c.monthCredits = 0
	}
	return c
}
