// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package webhook routes usage and admin events to per-URL emitters with
// independent retry queues, HMAC signing, and dead-letter capture.
package webhook

import (
	"time"
)

// EventTypeUsage is emitted for every proxied tool call, allowed or denied.
const EventTypeUsage = "usage"

// WildcardEventType matches every event type in a filter rule.
const WildcardEventType = "*"

// Event is the payload delivered to webhook destinations.
type Event struct {
	// Type is the event type, e.g. "usage" or "key.created".
	Type string `json:"type"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
	// Key is the masked key identifier the event concerns, if any.
	Key string `json:"key,omitempty"`
	// Tool is the tool involved, for usage events.
	Tool string `json:"tool,omitempty"`
	// Credits is the amount charged (usage) or moved (topup/refund).
	Credits uint64 `json:"credits,omitempty"`
	// Allowed reports the gate decision on usage events.
	Allowed bool `json:"allowed"`
	// Reason carries the denial reason when Allowed is false.
	Reason string `json:"reason,omitempty"`
	// Metadata carries event-specific extras.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FilterRule routes events to a destination URL.
type FilterRule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// EventTypes the rule matches; exact names or the "*" wildcard.
	EventTypes []string `json:"event_types"`
	// URL is the destination. Rules carry only the URL string; the router
	// owns the emitter behind it.
	URL string `json:"url"`
	// Secret, when set, signs deliveries to this URL.
	Secret string `json:"secret,omitempty"`
	// KeyPrefixes, when non-empty, restricts the rule to events whose key
	// matches one of the prefixes.
	KeyPrefixes []string `json:"key_prefixes,omitempty"`
	Active      bool     `json:"active"`
}

// Matches reports whether the rule routes the given event.
func (r *FilterRule) Matches(e *Event) bool {
	if !r.Active {
		return false
	}

	typeMatch := false
	for _, t := range r.EventTypes {
		if t == WildcardEventType || t == e.Type {
			typeMatch = true
			break
		}
	}
	if !typeMatch {
		return false
	}

	if len(r.KeyPrefixes) == 0 {
		return true
	}
	for _, prefix := range r.KeyPrefixes {
		if len(e.Key) >= len(prefix) && e.Key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
