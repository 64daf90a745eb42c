// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the in-memory audit event log: every admin mutation,
// gate refund/denial, and auth failure lands here. Retention is bounded by
// count and age; the log does not survive a restart.
package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"time"
)

// Event types emitted by the core.
const (
	// EventTypeKeyCreated represents a key creation
	EventTypeKeyCreated = "key.created"
	// EventTypeKeyRevoked represents a key revocation
	EventTypeKeyRevoked = "key.revoked"
	// EventTypeKeySuspended represents a key suspension
	EventTypeKeySuspended = "key.suspended"
	// EventTypeKeyResumed represents a key resume
	EventTypeKeyResumed = "key.resumed"
	// EventTypeKeyUpdated represents a key metadata update
	EventTypeKeyUpdated = "key.updated"
	// EventTypeKeyDeleted represents a key hard delete
	EventTypeKeyDeleted = "key.deleted"
	// EventTypeTopUp represents a credit top-up
	EventTypeTopUp = "key.topup"
	// EventTypeGateDeny represents a gate denial
	EventTypeGateDeny = "gate.deny"
	// EventTypeGateRefund represents a gate refund
	EventTypeGateRefund = "gate.refund"
	// EventTypeGateUpstreamError represents an upstream failure behind the gate
	EventTypeGateUpstreamError = "gate.upstream_error"
	// EventTypeAdminAuthFailed represents a failed admin authentication
	EventTypeAdminAuthFailed = "admin.auth_failed"
	// EventTypeGroupChanged represents any group mutation
	EventTypeGroupChanged = "group.changed"
	// EventTypeWebhookChanged represents a webhook filter mutation
	EventTypeWebhookChanged = "webhook.changed"
	// EventTypeOAuthClientRegistered represents a dynamic client registration
	EventTypeOAuthClientRegistered = "oauth.client_registered"
	// EventTypeOAuthTokenRevoked represents a token (family) revocation
	EventTypeOAuthTokenRevoked = "oauth.token_revoked"
)

// Default retention bounds.
const (
	DefaultMaxEvents = 10000
	DefaultMaxAge    = 30 * 24 * time.Hour
)

// Event is one audit record.
type Event struct {
	// ID is monotonically increasing within the process lifetime.
	ID        uint64            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger is the bounded audit log. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	events []*Event
	nextID uint64

	maxEvents int
	maxAge    time.Duration
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxEvents overrides the retained event cap.
func WithMaxEvents(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithMaxAge overrides the retention age.
func WithMaxAge(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

// NewLogger creates an audit logger.
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		nextID:    1,
		maxEvents: DefaultMaxEvents,
		maxAge:    DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an event and returns it.
func (l *Logger) Record(eventType, actor, message string, metadata map[string]string) *Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &Event{
		ID:        l.nextID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Actor:     actor,
		Message:   message,
		Metadata:  metadata,
	}
	l.nextID++
	l.events = append(l.events, e)
	l.pruneLocked(time.Now().UTC())
	return e
}

// Query filters events. Empty filter fields match everything; limit <= 0
// returns all matches, newest last.
type Query struct {
	Type  string
	Actor string
	Since time.Time
	Limit int
}

// Events returns events matching the query.
func (l *Logger) Events(q Query) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	matched := make([]*Event, 0, len(l.events))
	for _, e := range l.events {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Actor != "" && e.Actor != q.Actor {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}

// Stats returns event counts per type.
func (l *Logger) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := make(map[string]int)
	for _, e := range l.events {
		stats[e.Type]++
	}
	return stats
}

// Prune applies the retention policy immediately. Normally retention runs on
// every Record; this exists for the periodic sweeper.
func (l *Logger) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(time.Now().UTC())
}

// pruneLocked evicts oldest-first: first by age, then down to the cap.
func (l *Logger) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.maxAge)
	idx := 0
	for idx < len(l.events) && l.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if overflow := len(l.events) - idx - l.maxEvents; overflow > 0 {
		idx += overflow
	}
	if idx > 0 {
		l.events = append(l.events[:0], l.events[idx:]...)
	}
}

// WriteCSV writes events matching the query as CSV with the header
// id,timestamp,type,actor,message. encoding/csv handles quote doubling.
func (l *Logger) WriteCSV(w io.Writer, q Query) error {
	events := l.Events(q)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "type", "actor", "message"}); err != nil {
		return err
	}
	for _, e := range events {
		record := []string{
			strconv.FormatUint(e.ID, 10),
			e.Timestamp.Format(time.RFC3339),
			e.Type,
			e.Actor,
			e.Message,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
