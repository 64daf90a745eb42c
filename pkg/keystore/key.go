// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keystore owns API key credentials: balances, ACLs, quotas, pricing,
// lifecycle state, aliases, and group membership. It is the single writer for
// every key record; other components mutate keys only through this package.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// KeyPrefix is the prefix of every generated key identifier.
const KeyPrefix = "pg_"

// Array-length caps. Oversized inputs are clamped, not rejected, so a hostile
// admin payload cannot balloon the state file.
const (
	// MaxACLEntries caps the allow-tools and deny-tools lists.
	MaxACLEntries = 1000
	// MaxIPAllowlistEntries caps the IP allowlist.
	MaxIPAllowlistEntries = 200
	// MaxTagEntries caps the tag map.
	MaxTagEntries = 100
	// MaxTagValueLength caps individual tag values.
	MaxTagValueLength = 256
	// MaxAliasesPerKey caps aliases registered on one key.
	MaxAliasesPerKey = 16
)

// LifecycleState is the observable lifecycle of a key.
type LifecycleState string

const (
	// StateActive means the key admits calls.
	StateActive LifecycleState = "active"
	// StateSuspended means the key is temporarily disabled and can be resumed.
	StateSuspended LifecycleState = "suspended"
	// StateExpired means the key passed its expiry time.
	StateExpired LifecycleState = "expired"
	// StateRevoked is terminal; a revoked key is never re-activated.
	StateRevoked LifecycleState = "revoked"
)

// Quota is a calendar-window ceiling. A zero field means no quota on that axis.
type Quota struct {
	DailyCalls     uint64 `json:"daily_calls,omitempty"`
	MonthlyCalls   uint64 `json:"monthly_calls,omitempty"`
	DailyCredits   uint64 `json:"daily_credits,omitempty"`
	MonthlyCredits uint64 `json:"monthly_credits,omitempty"`
}

// IsZero reports whether no axis is configured.
func (q *Quota) IsZero() bool {
	return q == nil || (q.DailyCalls == 0 && q.MonthlyCalls == 0 && q.DailyCredits == 0 && q.MonthlyCredits == 0)
}

// RateLimit is a per-key sliding-window override. Limit 0 means unlimited.
type RateLimit struct {
	Limit    int   `json:"limit"`
	WindowMs int64 `json:"window_ms"`
}

// Key is the authoritative caller identity.
type Key struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Balance is the spendable credit balance. Never negative.
	Balance uint64 `json:"balance"`
	// Spent is cumulative credits consumed (refunds subtract from it).
	Spent uint64 `json:"spent"`
	// Calls is the cumulative admitted call count. Refunds do not decrement it.
	Calls uint64 `json:"calls"`

	Active    bool       `json:"active"`
	Suspended bool       `json:"suspended"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	AllowedTools []string          `json:"allowed_tools,omitempty"`
	DeniedTools  []string          `json:"denied_tools,omitempty"`
	Pricing      map[string]uint64 `json:"pricing,omitempty"`
	// DefaultPrice is the per-call charge when no per-tool override applies.
	// Zero defers to the group default, then the global default.
	DefaultPrice uint64 `json:"default_price,omitempty"`
	// SpendingLimit caps cumulative spend. Zero means unbounded.
	SpendingLimit uint64 `json:"spending_limit,omitempty"`

	IPAllowlist []string          `json:"ip_allowlist,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Namespace   string            `json:"namespace,omitempty"`
	Group       string            `json:"group,omitempty"`

	Quota     *Quota     `json:"quota,omitempty"`
	RateLimit *RateLimit `json:"rate_limit,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Aliases  []string          `json:"aliases,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// State derives the lifecycle state. Revocation dominates, then suspension,
// then expiry.
func (k *Key) State() LifecycleState {
	if !k.Active {
		return StateRevoked
	}
	if k.Suspended {
		return StateSuspended
	}
	if k.IsExpired() {
		return StateExpired
	}
	return StateActive
}

// IsExpired reports whether the key passed its expiry time.
func (k *Key) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Clone returns a deep copy so callers can hold a snapshot without racing the
// store's own mutations.
func (k *Key) Clone() *Key {
	c := *k
	c.AllowedTools = append([]string(nil), k.AllowedTools...)
	c.DeniedTools = append([]string(nil), k.DeniedTools...)
	c.IPAllowlist = append([]string(nil), k.IPAllowlist...)
	c.Aliases = append([]string(nil), k.Aliases...)
	c.Pricing = cloneMap(k.Pricing)
	c.Tags = cloneMap(k.Tags)
	c.Metadata = cloneMap(k.Metadata)
	if k.Quota != nil {
		q := *k.Quota
		c.Quota = &q
	}
	if k.RateLimit != nil {
		r := *k.RateLimit
		c.RateLimit = &r
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Group is a named policy bundle referenced by zero or more keys.
type Group struct {
	Name         string            `json:"name"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	DeniedTools  []string          `json:"denied_tools,omitempty"`
	Pricing      map[string]uint64 `json:"pricing,omitempty"`
	DefaultPrice uint64            `json:"default_price,omitempty"`
	// DefaultCredits is the initial balance for keys created into this group
	// without an explicit amount.
	DefaultCredits uint64            `json:"default_credits,omitempty"`
	SpendingLimit  uint64            `json:"spending_limit,omitempty"`
	IPAllowlist    []string          `json:"ip_allowlist,omitempty"`
	Quota          *Quota            `json:"quota,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.AllowedTools = append([]string(nil), g.AllowedTools...)
	c.DeniedTools = append([]string(nil), g.DeniedTools...)
	c.IPAllowlist = append([]string(nil), g.IPAllowlist...)
	c.Pricing = cloneMap(g.Pricing)
	c.Tags = cloneMap(g.Tags)
	if g.Quota != nil {
		q := *g.Quota
		c.Quota = &q
	}
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewID generates a fresh key identifier: the pg_ prefix followed by 32 hex
// characters of cryptographic randomness.
func NewID() string {
	return KeyPrefix + randomHex(16)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; treat it as fatal.
		panic("keystore: crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// MaskID masks a key identifier for audit and telemetry output: an 8
// character prefix, an ellipsis, and the last 4 characters.
func MaskID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "..." + id[len(id)-4:]
}

// clampList truncates a list to max entries.
func clampList(list []string, max int) []string {
	if len(list) > max {
		return list[:max]
	}
	return list
}

// clampTags truncates the tag map to MaxTagEntries and each value to
// MaxTagValueLength. Map iteration order decides which entries survive an
// oversized map; inputs that large are hostile anyway.
func clampTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if len(out) >= MaxTagEntries {
			break
		}
		if len(v) > MaxTagValueLength {
			v = v[:MaxTagValueLength]
		}
		out[k] = v
	}
	return out
}
