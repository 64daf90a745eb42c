// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/state"
)

// DefaultMaxKeys caps the number of keys the store will hold.
const DefaultMaxKeys = 10000

const maxNameLength = 256

// stateSection is the name of this store's section in the state document.
const stateSection = "keystore"

// Store is the in-memory key store with optional JSON persistence.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	keys    map[string]*Key
	aliases map[string]string // alias name -> key ID
	groups  map[string]*Group

	maxKeys int
	persist *state.Store
}

// Option configures a Store.
type Option func(*Store)

// WithMaxKeys overrides the key cap.
func WithMaxKeys(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithPersistence attaches a state store; every mutation schedules a save and
// NewStore loads any existing snapshot.
func WithPersistence(st *state.Store) Option {
	return func(s *Store) {
		s.persist = st
	}
}

// snapshot is the persisted shape of the store.
type snapshot struct {
	Keys   []*Key   `json:"keys"`
	Groups []*Group `json:"groups,omitempty"`
}

// NewStore creates a key store, loading persisted state if configured.
func NewStore(opts ...Option) *Store {
	s := &Store{
		keys:    make(map[string]*Key),
		aliases: make(map[string]string),
		groups:  make(map[string]*Group),
		maxKeys: DefaultMaxKeys,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != nil {
		s.load()
	}
	return s
}

func (s *Store) load() {
	raw := s.persist.Section(stateSection)
	if raw == nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Errorf("Failed to load keystore state: %v", err)
		return
	}
	for _, k := range snap.Keys {
		s.keys[k.ID] = k
		for _, alias := range k.Aliases {
			s.aliases[alias] = k.ID
		}
	}
	for _, g := range snap.Groups {
		s.groups[g.Name] = g
	}
	logger.Infof("Loaded %d keys and %d groups from state", len(snap.Keys), len(snap.Groups))
}

// persistLocked schedules a save. Callers must hold at least a read lock.
func (s *Store) persistLocked() {
	if s.persist == nil {
		return
	}
	snap := snapshot{
		Keys:   make([]*Key, 0, len(s.keys)),
		Groups: make([]*Group, 0, len(s.groups)),
	}
	for _, k := range s.keys {
		snap.Keys = append(snap.Keys, k.Clone())
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g.Clone())
	}
	if err := s.persist.SetSection(stateSection, snap); err != nil {
		logger.Errorf("Failed to persist keystore: %v", err)
	}
}

// CreateOptions carries the optional attributes of a new key.
type CreateOptions struct {
	AllowedTools  []string
	DeniedTools   []string
	Pricing       map[string]uint64
	DefaultPrice  uint64
	SpendingLimit uint64
	IPAllowlist   []string
	Tags          map[string]string
	Namespace     string
	Group         string
	Quota         *Quota
	RateLimit     *RateLimit
	Metadata      map[string]string
	ExpiresAt     *time.Time
}

// CreateKey mints a new key with a generated identifier.
func (s *Store) CreateKey(name string, credits uint64, opts CreateOptions) (*Key, error) {
	return s.create(NewID(), name, credits, opts)
}

// ImportKey is CreateKey with a caller-supplied identifier, for bulk import.
func (s *Store) ImportKey(id, name string, credits uint64, opts CreateOptions) (*Key, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidName)
	}
	return s.create(id, name, credits, opts)
}

func (s *Store) create(id, name string, credits uint64, opts CreateOptions) (*Key, error) {
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.keys) >= s.maxKeys {
		return nil, ErrMaxKeysReached
	}
	if _, exists := s.keys[id]; exists {
		return nil, ErrKeyAlreadyExists
	}
	if opts.Group != "" {
		if _, ok := s.groups[opts.Group]; !ok {
			return nil, ErrGroupNotFound
		}
	}

	now := time.Now().UTC()
	key := &Key{
		ID:            id,
		Name:          name,
		Balance:       credits,
		Active:        true,
		AllowedTools:  clampList(opts.AllowedTools, MaxACLEntries),
		DeniedTools:   clampList(opts.DeniedTools, MaxACLEntries),
		Pricing:       cloneMap(opts.Pricing),
		DefaultPrice:  opts.DefaultPrice,
		SpendingLimit: opts.SpendingLimit,
		IPAllowlist:   clampList(opts.IPAllowlist, MaxIPAllowlistEntries),
		Tags:          clampTags(opts.Tags),
		Namespace:     opts.Namespace,
		Group:         opts.Group,
		Quota:         opts.Quota,
		RateLimit:     opts.RateLimit,
		Metadata:      cloneMap(opts.Metadata),
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     now,
	}
	s.keys[id] = key
	s.persistLocked()
	return key.Clone(), nil
}

// Get resolves an identifier or alias to a key snapshot.
func (s *Store) Get(idOrAlias string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.lookupLocked(idOrAlias)
	if !ok {
		return nil, false
	}
	return key.Clone(), true
}

func (s *Store) lookupLocked(idOrAlias string) (*Key, bool) {
	if key, ok := s.keys[idOrAlias]; ok {
		return key, true
	}
	if id, ok := s.aliases[idOrAlias]; ok {
		if key, ok := s.keys[id]; ok {
			return key, true
		}
	}
	return nil, false
}

// GetGroup returns a group snapshot.
func (s *Store) GetGroup(name string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Policy resolves the effective policy (key overlaid on its group) for an
// identifier or alias.
func (s *Store) Policy(idOrAlias string) (*Key, *EffectivePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.lookupLocked(idOrAlias)
	if !ok {
		return nil, nil, ErrKeyNotFound
	}
	var group *Group
	if key.Group != "" {
		group = s.groups[key.Group]
	}
	return key.Clone(), ResolvePolicy(key, group), nil
}

// Debit atomically charges a key: the balance shrinks and the cumulative
// spend and call count grow. Returns the new balance.
func (s *Store) Debit(id string, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if key.Balance < amount {
		return key.Balance, ErrInsufficientCredits
	}

	key.Balance -= amount
	key.Spent += amount
	key.Calls++
	now := time.Now().UTC()
	key.LastUsedAt = &now

	s.persistLocked()
	return key.Balance, nil
}

// RecordCall bumps the call counter and last-used timestamp without charging.
// Used for zero-price admissions so usage accounting stays complete.
func (s *Store) RecordCall(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	key.Calls++
	now := time.Now().UTC()
	key.LastUsedAt = &now
	s.persistLocked()
	return nil
}

// Refund returns credits to a key and decrements its cumulative spend. The
// call count is not decremented. Refunding a revoked key fails.
func (s *Store) Refund(id string, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if !key.Active {
		return key.Balance, ErrKeyRevoked
	}

	key.Balance += amount
	if key.Spent >= amount {
		key.Spent -= amount
	} else {
		key.Spent = 0
	}

	s.persistLocked()
	return key.Balance, nil
}

// TopUp adds credits to a key.
func (s *Store) TopUp(id string, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if !key.Active {
		return key.Balance, ErrKeyRevoked
	}
	key.Balance += amount
	s.persistLocked()
	return key.Balance, nil
}

// MetaPatch is a partial update applied by UpdateMeta. Nil fields are left
// untouched.
type MetaPatch struct {
	Name          *string
	AllowedTools  []string
	DeniedTools   []string
	Pricing       map[string]uint64
	DefaultPrice  *uint64
	SpendingLimit *uint64
	IPAllowlist   []string
	Tags          map[string]string
	Namespace     *string
	Quota         *Quota
	RateLimit     *RateLimit
	Metadata      map[string]string
	// ExpiresAt set with a nil inner value clears the expiry.
	ExpiresAt    **time.Time
	Suspended    *bool
}

// UpdateMeta applies a partial update to a key.
func (s *Store) UpdateMeta(id string, patch MetaPatch) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return nil, ErrKeyNotFound
	}

	if patch.Name != nil {
		if *patch.Name == "" || len(*patch.Name) > maxNameLength {
			return nil, ErrInvalidName
		}
		key.Name = *patch.Name
	}
	if patch.AllowedTools != nil {
		key.AllowedTools = clampList(patch.AllowedTools, MaxACLEntries)
	}
	if patch.DeniedTools != nil {
		key.DeniedTools = clampList(patch.DeniedTools, MaxACLEntries)
	}
	if patch.Pricing != nil {
		key.Pricing = cloneMap(patch.Pricing)
	}
	if patch.DefaultPrice != nil {
		key.DefaultPrice = *patch.DefaultPrice
	}
	if patch.SpendingLimit != nil {
		key.SpendingLimit = *patch.SpendingLimit
	}
	if patch.IPAllowlist != nil {
		key.IPAllowlist = clampList(patch.IPAllowlist, MaxIPAllowlistEntries)
	}
	if patch.Tags != nil {
		key.Tags = clampTags(patch.Tags)
	}
	if patch.Namespace != nil {
		key.Namespace = *patch.Namespace
	}
	if patch.Quota != nil {
		key.Quota = patch.Quota
	}
	if patch.RateLimit != nil {
		key.RateLimit = patch.RateLimit
	}
	if patch.Metadata != nil {
		key.Metadata = cloneMap(patch.Metadata)
	}
	if patch.ExpiresAt != nil {
		key.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Suspended != nil {
		// Suspend on a revoked key is a no-op.
		if key.Active {
			key.Suspended = *patch.Suspended
		}
	}

	s.persistLocked()
	return key.Clone(), nil
}

// Revoke sets active=false. The record is kept for audit. Terminal.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	key.Active = false
	s.persistLocked()
	return nil
}

// Delete hard-deletes a key and its aliases. Admin-only.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	for _, alias := range key.Aliases {
		delete(s.aliases, alias)
	}
	delete(s.keys, key.ID)
	s.persistLocked()
	return nil
}

// RegisterAlias binds a human-friendly synonym to a key. Alias names are
// globally unique across keys and must not collide with a key identifier.
func (s *Store) RegisterAlias(id, alias string) error {
	if alias == "" || len(alias) > maxNameLength {
		return ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	if _, taken := s.aliases[alias]; taken {
		return ErrDuplicateAlias
	}
	if _, taken := s.keys[alias]; taken {
		return ErrDuplicateAlias
	}
	if len(key.Aliases) >= MaxAliasesPerKey {
		return ErrMaxAliasesReached
	}

	s.aliases[alias] = key.ID
	key.Aliases = append(key.Aliases, alias)
	s.persistLocked()
	return nil
}

// RemoveAlias unbinds an alias from a key.
func (s *Store) RemoveAlias(id, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	if owner, ok := s.aliases[alias]; !ok || owner != key.ID {
		return ErrAliasNotFound
	}

	delete(s.aliases, alias)
	for i, a := range key.Aliases {
		if a == alias {
			key.Aliases = append(key.Aliases[:i], key.Aliases[i+1:]...)
			break
		}
	}
	s.persistLocked()
	return nil
}

// Count returns the number of keys in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// CreateGroup registers a new policy bundle.
func (s *Store) CreateGroup(g *Group) error {
	if g.Name == "" || len(g.Name) > maxNameLength {
		return ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.Name]; exists {
		return ErrGroupAlreadyExists
	}

	stored := g.Clone()
	stored.AllowedTools = clampList(stored.AllowedTools, MaxACLEntries)
	stored.DeniedTools = clampList(stored.DeniedTools, MaxACLEntries)
	stored.IPAllowlist = clampList(stored.IPAllowlist, MaxIPAllowlistEntries)
	stored.Tags = clampTags(stored.Tags)
	stored.CreatedAt = time.Now().UTC()
	s.groups[g.Name] = stored
	s.persistLocked()
	return nil
}

// UpdateGroup replaces a group's policy fields.
func (s *Store) UpdateGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[g.Name]
	if !ok {
		return ErrGroupNotFound
	}

	updated := g.Clone()
	updated.AllowedTools = clampList(updated.AllowedTools, MaxACLEntries)
	updated.DeniedTools = clampList(updated.DeniedTools, MaxACLEntries)
	updated.IPAllowlist = clampList(updated.IPAllowlist, MaxIPAllowlistEntries)
	updated.Tags = clampTags(updated.Tags)
	updated.CreatedAt = existing.CreatedAt
	s.groups[g.Name] = updated
	s.persistLocked()
	return nil
}

// DeleteGroup removes a group and detaches every member key.
func (s *Store) DeleteGroup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		return ErrGroupNotFound
	}
	delete(s.groups, name)
	for _, key := range s.keys {
		if key.Group == name {
			key.Group = ""
		}
	}
	s.persistLocked()
	return nil
}

// ListGroups returns snapshots of all groups.
func (s *Store) ListGroups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	return out
}

// AssignGroup attaches a key to a group.
func (s *Store) AssignGroup(id, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	if _, ok := s.groups[group]; !ok {
		return ErrGroupNotFound
	}
	key.Group = group
	s.persistLocked()
	return nil
}

// RemoveFromGroup detaches a key from its group.
func (s *Store) RemoveFromGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(id)
	if !ok {
		return ErrKeyNotFound
	}
	key.Group = ""
	s.persistLocked()
	return nil
}
