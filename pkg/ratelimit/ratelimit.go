// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements sliding-window call counting per subject.
//
// A hit is counted iff its timestamp is strictly greater than now-window.
// A limit of 0 means unlimited. Counters live in process memory by default;
// a Redis-backed counter can be swapped in so several instances share state.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultMaxSubjects caps the number of tracked subjects in the in-memory
// counter. At the cap, the subject with the oldest last hit is evicted.
const DefaultMaxSubjects = 100000

// Result is the outcome of a rate-limit check.
type Result struct {
	// Allowed reports whether one more hit fits in the window.
	Allowed bool
	// Remaining is how many hits remain after a successful record.
	// math.MaxInt for an unlimited subject.
	Remaining int
	// RetryAfter is how long until the oldest in-window hit ages out.
	// Zero when allowed.
	RetryAfter time.Duration
}

// Unlimited is the Remaining value reported when no limit applies.
const Unlimited = math.MaxInt

// Counter is the storage backend for sliding windows. Implementations must be
// safe for concurrent use.
type Counter interface {
	// Check reports whether a hit for subject would be admitted, without
	// recording anything.
	Check(ctx context.Context, subject string, limit int, window time.Duration) (Result, error)

	// Record appends a hit for subject.
	Record(ctx context.Context, subject string, window time.Duration) error
}

// Limiter binds a Counter to a limit and window.
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
}

// NewLimiter creates a limiter over the in-memory counter.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return NewLimiterWithCounter(NewMemoryCounter(DefaultMaxSubjects), limit, window)
}

// NewLimiterWithCounter creates a limiter over a caller-supplied counter.
func NewLimiterWithCounter(counter Counter, limit int, window time.Duration) *Limiter {
	return &Limiter{counter: counter, limit: limit, window: window}
}

// Limit returns the configured limit (0 = unlimited).
func (l *Limiter) Limit() int {
	return l.limit
}

// Check reports whether a hit would be admitted. A backend error fails open:
// losing shared counters must not take down admission entirely.
func (l *Limiter) Check(ctx context.Context, subject string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true, Remaining: Unlimited}
	}
	res, err := l.counter.Check(ctx, subject, l.limit, l.window)
	if err != nil {
		return Result{Allowed: true, Remaining: Unlimited}
	}
	return res
}

// Record appends a hit for subject.
func (l *Limiter) Record(ctx context.Context, subject string) {
	if l.limit <= 0 {
		return
	}
	//nolint:errcheck // fail-open: a lost hit only under-counts
	_ = l.counter.Record(ctx, subject, l.window)
}

// memoryCounter keeps per-subject timestamp slices under one mutex.
type memoryCounter struct {
	mu          sync.Mutex
	windows     map[string]*subjectWindow
	maxSubjects int
}

type subjectWindow struct {
	hits    []time.Time
	lastHit time.Time
}

// NewMemoryCounter creates the in-process counter backend.
func NewMemoryCounter(maxSubjects int) Counter {
	if maxSubjects <= 0 {
		maxSubjects = DefaultMaxSubjects
	}
	return &memoryCounter{
		windows:     make(map[string]*subjectWindow),
		maxSubjects: maxSubjects,
	}
}

func (c *memoryCounter) Check(_ context.Context, subject string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windows[subject]
	if w == nil {
		return Result{Allowed: true, Remaining: limit - 1}, nil
	}
	w.prune(cutoff)

	count := len(w.hits)
	if count < limit {
		return Result{Allowed: true, Remaining: limit - count - 1}, nil
	}

	// Denied: the window reopens when the oldest in-window hit ages out.
	retryAfter := w.hits[0].Add(window).Sub(now)
	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: ceilToSecond(retryAfter),
	}, nil
}

func (c *memoryCounter) Record(_ context.Context, subject string, window time.Duration) error {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.windows[subject]
	if w == nil {
		if len(c.windows) >= c.maxSubjects {
			c.evictOldestLocked()
		}
		w = &subjectWindow{}
		c.windows[subject] = w
	}
	w.prune(now.Add(-window))
	w.hits = append(w.hits, now)
	w.lastHit = now
	return nil
}

// evictOldestLocked drops the subject with the oldest last hit.
func (c *memoryCounter) evictOldestLocked() {
	var oldestSubject string
	var oldest time.Time
	for subject, w := range c.windows {
		if oldestSubject == "" || w.lastHit.Before(oldest) {
			oldestSubject = subject
			oldest = w.lastHit
		}
	}
	if oldestSubject != "" {
		delete(c.windows, oldestSubject)
	}
}

// prune drops hits at or before cutoff. A hit counts only when strictly
// inside the window.
func (w *subjectWindow) prune(cutoff time.Time) {
	idx := 0
	for idx < len(w.hits) && !w.hits[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.hits = append(w.hits[:0], w.hits[idx:]...)
	}
}

// ceilToSecond rounds a retry-after up to whole seconds, with a one second
// floor so clients never busy-loop on a zero.
func ceilToSecond(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
