// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gate composes the key store, rate limiters, and quota meter into a
// single atomic admission decision with credit reservation.
//
// Evaluation is serialized per key through a sharded mutex: two concurrent
// evaluations of the same key never both pass a balance check only one of
// them fits.
package gate

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/audit"
	"github.com/walker77/paygate-mcp-sub009/pkg/keystore"
	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/quota"
	"github.com/walker77/paygate-mcp-sub009/pkg/ratelimit"
)

// WildcardTool marks a non-tool-call admission (discovery, ping). It is never
// charged.
const WildcardTool = "*"

// Denial reasons. Each maps onto the JSON-RPC payment-required error.
const (
	ReasonUnknownKey          = "unknown_key"
	ReasonRevoked             = "revoked"
	ReasonKeySuspended        = "key_suspended"
	ReasonKeyExpired          = "key_expired"
	ReasonIPNotAllowed        = "ip_not_allowed"
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonRateLimited         = "rate_limited"
	ReasonQuotaExceeded       = "quota_exceeded" // suffixed with ":<axis>"
	ReasonSpendingLimit       = "spending_limit"
	ReasonInsufficientCredits = "insufficient_credits"
)

// Decision is the outcome of an admission evaluation.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Reason is empty on a clean allow; on deny (or a shadow-mode would-deny)
	// it carries the denial reason.
	Reason         string `json:"reason,omitempty"`
	CreditsCharged uint64 `json:"creditsCharged"`
	// DebitApplied reports whether the balance was actually debited. False
	// for denials, zero-price calls, and shadow mode.
	DebitApplied bool `json:"debitApplied"`
	// Key is the resolved canonical key ID (after alias resolution).
	Key string `json:"-"`
}

const lockShards = 64

// Gate is the admission engine.
type Gate struct {
	keys   *keystore.Store
	global *ratelimit.Limiter
	tools  *ratelimit.RuleSet
	// counter backs per-key rate-limit overrides.
	counter ratelimit.Counter
	quotas  *quota.Meter
	auditor *audit.Logger

	defaultPrice uint64
	shadowMode   bool

	locks [lockShards]sync.Mutex
}

// Config carries the gate's construction parameters.
type Config struct {
	// DefaultPrice is the global per-call charge when neither key nor group
	// prices a tool.
	DefaultPrice uint64
	// GlobalRateLimit caps calls per key across all tools. 0 = unlimited.
	GlobalRateLimit int
	// GlobalRateWindow is the window for GlobalRateLimit.
	GlobalRateWindow time.Duration
	// ShadowMode runs every check but never debits and never denies.
	ShadowMode bool
}

// New creates a gate over the given collaborators. counter backs both the
// per-tool rule set and per-key overrides, so an external (Redis) counter
// makes every window shared.
func New(keys *keystore.Store, counter ratelimit.Counter, quotas *quota.Meter, auditor *audit.Logger, cfg Config) *Gate {
	window := cfg.GlobalRateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Gate{
		keys:         keys,
		global:       ratelimit.NewLimiterWithCounter(counter, cfg.GlobalRateLimit, window),
		tools:        ratelimit.NewRuleSet(counter, 0, window),
		counter:      counter,
		quotas:       quotas,
		auditor:      auditor,
		defaultPrice: cfg.DefaultPrice,
		shadowMode:   cfg.ShadowMode,
	}
}

// ToolRules exposes the per-tool rate-limit rule set for admin configuration.
func (g *Gate) ToolRules() *ratelimit.RuleSet {
	return g.tools
}

// Evaluate runs the admission sequence for one call and, on allow, commits
// the reservation: debit, counters, rate-limit hits.
func (g *Gate) Evaluate(ctx context.Context, keyID, tool, contextIP string) Decision {
	// Resolve aliases before locking so every name for a key serializes on
	// the same shard.
	if key, ok := g.keys.Get(keyID); ok {
		keyID = key.ID
	}

	lock := &g.locks[shardFor(keyID)]
	lock.Lock()
	defer lock.Unlock()

	decision := g.evaluateLocked(ctx, keyID, tool, contextIP)

	if !decision.Allowed || (g.shadowMode && decision.Reason != "") {
		g.auditDeny(decision, tool, contextIP)
	}
	if g.shadowMode {
		// Shadow mode surfaces the diagnosis but always admits and never
		// debits.
		decision.Allowed = true
		decision.DebitApplied = false
	}
	return decision
}

func (g *Gate) evaluateLocked(ctx context.Context, keyID, tool, contextIP string) Decision {
	key, policy, err := g.keys.Policy(keyID)
	if err != nil {
		return Decision{Reason: ReasonUnknownKey, Key: keyID}
	}

	deny := func(reason string, charged uint64) Decision {
		return Decision{Reason: reason, CreditsCharged: charged, Key: key.ID}
	}

	switch key.State() {
	case keystore.StateRevoked:
		return deny(ReasonRevoked, 0)
	case keystore.StateSuspended:
		return deny(ReasonKeySuspended, 0)
	case keystore.StateExpired:
		return deny(ReasonKeyExpired, 0)
	}

	if contextIP != "" && !policy.IPAllowed(contextIP) {
		return deny(ReasonIPNotAllowed, 0)
	}

	// Non-tool-call admissions are free and skip ACL, quota, and balance.
	if tool == WildcardTool {
		return Decision{Allowed: true, Key: key.ID}
	}

	price, ok := policy.PriceFor(tool)
	if !ok {
		price = g.defaultPrice
	}

	if !policy.ToolAllowed(tool) {
		return deny(ReasonToolNotAllowed, price)
	}

	if res := g.global.Check(ctx, key.ID); !res.Allowed {
		return deny(ReasonRateLimited, price)
	}
	var perKey *ratelimit.Limiter
	if rl := policy.RateLimit; rl != nil && rl.Limit > 0 {
		perKey = ratelimit.NewLimiterWithCounter(g.counter, rl.Limit, time.Duration(rl.WindowMs)*time.Millisecond)
		if res := perKey.Check(ctx, "perkey:"+key.ID); !res.Allowed {
			return deny(ReasonRateLimited, price)
		}
	}
	if res := g.tools.Check(ctx, key.ID, tool); !res.Allowed {
		return deny(ReasonRateLimited, price)
	}

	if axis, ok := g.quotas.Check(key.ID, policy.Quota, price); !ok {
		return deny(ReasonQuotaExceeded+":"+string(axis), price)
	}

	if policy.SpendingLimit > 0 && key.Spent+price > policy.SpendingLimit {
		return deny(ReasonSpendingLimit, price)
	}

	if key.Balance < price {
		return deny(ReasonInsufficientCredits, price)
	}

	if g.shadowMode {
		// Every check passed; report the would-be charge without committing.
		return Decision{Allowed: true, CreditsCharged: price, Key: key.ID}
	}

	// Commit.
	debited := false
	if price > 0 {
		if _, err := g.keys.Debit(key.ID, price); err != nil {
			// The per-key lock makes this unreachable in practice; treat a
			// racing balance change as a denial rather than overdraft.
			return deny(ReasonInsufficientCredits, price)
		}
		debited = true
	} else if err := g.keys.RecordCall(key.ID); err != nil {
		return deny(ReasonUnknownKey, 0)
	}

	g.global.Record(ctx, key.ID)
	if perKey != nil {
		perKey.Record(ctx, "perkey:"+key.ID)
	}
	g.tools.Record(ctx, key.ID, tool)
	g.quotas.Commit(key.ID, price)

	return Decision{Allowed: true, CreditsCharged: price, DebitApplied: debited, Key: key.ID}
}

// Refund returns credits to a key after an upstream failure. The caller is
// responsible for never refunding more than it debited.
func (g *Gate) Refund(keyID string, amount uint64, reason string) error {
	lock := &g.locks[shardFor(keyID)]
	lock.Lock()
	defer lock.Unlock()

	balance, err := g.keys.Refund(keyID, amount)
	if err != nil {
		return err
	}

	g.auditor.Record(audit.EventTypeGateRefund, keystore.MaskID(keyID),
		"refunded "+strconv.FormatUint(amount, 10)+" credits: "+reason,
		map[string]string{
			"amount":  strconv.FormatUint(amount, 10),
			"balance": strconv.FormatUint(balance, 10),
			"reason":  reason,
		})
	logger.Debugw("gate refund", "key", keystore.MaskID(keyID), "amount", amount, "reason", reason)
	return nil
}

func (g *Gate) auditDeny(d Decision, tool, contextIP string) {
	g.auditor.Record(audit.EventTypeGateDeny, keystore.MaskID(d.Key),
		"denied "+tool+": "+d.Reason,
		map[string]string{
			"tool":   tool,
			"reason": d.Reason,
			"ip":     contextIP,
		})
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % lockShards
}
