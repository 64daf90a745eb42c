// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"net/netip"
	"strings"
)

// EffectivePolicy is the result of overlaying a key's own settings on its
// group's. The gate evaluates admission against this, never against the raw
// key or group.
//
// Overlay rules:
//   - allowed tools: key value if non-empty, else group value
//   - denied tools: union of key and group
//   - IP allowlist: union of key and group
//   - pricing: tool-level merge, key entry wins over group entry
//   - quota: key if present, else group
//   - default price, spending limit: key if set, else group
type EffectivePolicy struct {
	AllowedTools  []string
	DeniedTools   []string
	Pricing       map[string]uint64
	DefaultPrice  uint64
	SpendingLimit uint64
	IPAllowlist   []string
	Quota         *Quota
	RateLimit     *RateLimit
}

// ResolvePolicy computes the effective policy for a key. group may be nil.
func ResolvePolicy(key *Key, group *Group) *EffectivePolicy {
	p := &EffectivePolicy{
		AllowedTools:  append([]string(nil), key.AllowedTools...),
		DeniedTools:   append([]string(nil), key.DeniedTools...),
		Pricing:       make(map[string]uint64),
		DefaultPrice:  key.DefaultPrice,
		SpendingLimit: key.SpendingLimit,
		IPAllowlist:   append([]string(nil), key.IPAllowlist...),
		Quota:         key.Quota,
		RateLimit:     key.RateLimit,
	}

	if group != nil {
		if len(p.AllowedTools) == 0 {
			p.AllowedTools = append([]string(nil), group.AllowedTools...)
		}
		p.DeniedTools = unionStrings(p.DeniedTools, group.DeniedTools)
		p.IPAllowlist = unionStrings(p.IPAllowlist, group.IPAllowlist)
		for tool, price := range group.Pricing {
			p.Pricing[tool] = price
		}
		if p.DefaultPrice == 0 {
			p.DefaultPrice = group.DefaultPrice
		}
		if p.SpendingLimit == 0 {
			p.SpendingLimit = group.SpendingLimit
		}
		if p.Quota.IsZero() {
			p.Quota = group.Quota
		}
	}

	// Key pricing overrides group entries.
	for tool, price := range key.Pricing {
		p.Pricing[tool] = price
	}

	return p
}

// PriceFor returns the per-call charge for a tool: per-tool override, else the
// resolved default. A zero return defers to the caller's global default.
func (p *EffectivePolicy) PriceFor(tool string) (uint64, bool) {
	if price, ok := p.Pricing[tool]; ok {
		return price, true
	}
	if p.DefaultPrice > 0 {
		return p.DefaultPrice, true
	}
	return 0, false
}

// ToolAllowed applies the ACL: a non-empty allow list is exclusive, and the
// deny list always wins.
func (p *EffectivePolicy) ToolAllowed(tool string) bool {
	for _, denied := range p.DeniedTools {
		if denied == tool {
			return false
		}
	}
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range p.AllowedTools {
		if allowed == tool {
			return true
		}
	}
	return false
}

// IPAllowed reports whether ip matches the allowlist. An empty allowlist
// admits every address; an unparseable client address is rejected when a list
// is configured.
func (p *EffectivePolicy) IPAllowed(ip string) bool {
	if len(p.IPAllowlist) == 0 {
		return true
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}

	for _, entry := range p.IPAllowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed == addr {
			return true
		}
	}
	return false
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
