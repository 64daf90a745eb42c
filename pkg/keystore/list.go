// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"sort"
	"strings"
)

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows and pages the key listing. Nil pointer fields are
// ignored.
type ListFilter struct {
	Namespace  *string
	Group      *string
	Active     *bool
	Suspended  *bool
	Expired    *bool
	NamePrefix string
	MinCredits *uint64
	MaxCredits *uint64

	// Sort is one of "name", "credits", "createdAt" (default), optionally
	// suffixed with " desc"/" asc". Default order is createdAt desc.
	Sort string

	Limit  int
	Offset int
}

// ListResult is a page of keys.
type ListResult struct {
	Keys    []*Key `json:"keys"`
	Total   int    `json:"total"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"hasMore"`
}

// List filters, sorts, and pages the key set. The limit is clamped to
// [1, MaxListLimit] with DefaultListLimit for zero; a negative offset is
// treated as zero.
func (s *Store) List(filter ListFilter) *ListResult {
	s.mu.RLock()
	matched := make([]*Key, 0, len(s.keys))
	for _, key := range s.keys {
		if filter.matches(key) {
			matched = append(matched, key.Clone())
		}
	}
	s.mu.RUnlock()

	sortKeys(matched, filter.Sort)

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &ListResult{
		Keys:    matched[offset:end],
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: end < total,
	}
}

func (f *ListFilter) matches(key *Key) bool {
	if f.Namespace != nil && key.Namespace != *f.Namespace {
		return false
	}
	if f.Group != nil && key.Group != *f.Group {
		return false
	}
	if f.Active != nil && key.Active != *f.Active {
		return false
	}
	if f.Suspended != nil && key.Suspended != *f.Suspended {
		return false
	}
	if f.Expired != nil && key.IsExpired() != *f.Expired {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(key.Name), strings.ToLower(f.NamePrefix)) {
		return false
	}
	if f.MinCredits != nil && key.Balance < *f.MinCredits {
		return false
	}
	if f.MaxCredits != nil && key.Balance > *f.MaxCredits {
		return false
	}
	return true
}

func sortKeys(keys []*Key, spec string) {
	field := "createdAt"
	desc := true

	parts := strings.Fields(spec)
	if len(parts) > 0 && parts[0] != "" {
		field = parts[0]
		// Explicit sort fields default to ascending; only createdAt keeps the
		// newest-first default.
		desc = field == "createdAt"
	}
	if len(parts) > 1 {
		desc = strings.EqualFold(parts[1], "desc")
	}

	less := func(a, b *Key) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch field {
	case "name":
		less = func(a, b *Key) bool { return a.Name < b.Name }
	case "credits":
		less = func(a, b *Key) bool { return a.Balance < b.Balance }
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if desc {
			return less(keys[j], keys[i])
		}
		return less(keys[i], keys[j])
	})
}
