// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateKey(t *testing.T) {
	t.Parallel()
	s := NewStore()

	key, err := s.CreateKey("alpha", 100, CreateOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.ID, "pg_"))
	assert.Equal(t, uint64(100), key.Balance)
	assert.True(t, key.Active)
	assert.Equal(t, StateActive, key.State())

	_, err = s.CreateKey("", 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateKeyMaxKeys(t *testing.T) {
	t.Parallel()
	s := NewStore(WithMaxKeys(2))

	_, err := s.CreateKey("one", 0, CreateOptions{})
	require.NoError(t, err)
	_, err = s.CreateKey("two", 0, CreateOptions{})
	require.NoError(t, err)
	_, err = s.CreateKey("three", 0, CreateOptions{})
	assert.ErrorIs(t, err, ErrMaxKeysReached)
}

func TestDebitAndRefund(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key, err := s.CreateKey("alpha", 50, CreateOptions{})
	require.NoError(t, err)

	balance, err := s.Debit(key.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), balance)

	got, _ := s.Get(key.ID)
	assert.Equal(t, uint64(20), got.Spent)
	assert.Equal(t, uint64(1), got.Calls)
	require.NotNil(t, got.LastUsedAt)

	_, err = s.Debit(key.ID, 100)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	balance, err = s.Refund(key.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), balance)

	got, _ = s.Get(key.ID)
	assert.Equal(t, uint64(0), got.Spent)
	// Refunds do not undo the call count.
	assert.Equal(t, uint64(1), got.Calls)
}

func TestRefundSpentFloorsAtZero(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key, err := s.CreateKey("alpha", 10, CreateOptions{})
	require.NoError(t, err)

	_, err = s.Debit(key.ID, 5)
	require.NoError(t, err)
	_, err = s.Refund(key.ID, 8)
	require.NoError(t, err)

	got, _ := s.Get(key.ID)
	assert.Equal(t, uint64(0), got.Spent)
	assert.Equal(t, uint64(13), got.Balance)
}

func TestRevokeIsTerminal(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key, err := s.CreateKey("alpha", 50, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(key.ID))
	got, _ := s.Get(key.ID)
	assert.Equal(t, StateRevoked, got.State())

	_, err = s.TopUp(key.ID, 10)
	assert.ErrorIs(t, err, ErrKeyRevoked)
	_, err = s.Refund(key.ID, 1)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()
	s := NewStore()

	past := time.Now().Add(-time.Hour)
	expired, err := s.CreateKey("expired", 0, CreateOptions{ExpiresAt: &past})
	require.NoError(t, err)
	got, _ := s.Get(expired.ID)
	assert.Equal(t, StateExpired, got.State())

	suspended := true
	key, err := s.CreateKey("suspended", 0, CreateOptions{})
	require.NoError(t, err)
	_, err = s.UpdateMeta(key.ID, MetaPatch{Suspended: &suspended})
	require.NoError(t, err)
	got, _ = s.Get(key.ID)
	assert.Equal(t, StateSuspended, got.State())

	suspended = false
	_, err = s.UpdateMeta(key.ID, MetaPatch{Suspended: &suspended})
	require.NoError(t, err)
	got, _ = s.Get(key.ID)
	assert.Equal(t, StateActive, got.State())
}

func TestAliases(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key, err := s.CreateKey("alpha", 10, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.RegisterAlias(key.ID, "prod-alpha"))

	got, ok := s.Get("prod-alpha")
	require.True(t, ok)
	assert.Equal(t, key.ID, got.ID)

	other, err := s.CreateKey("beta", 0, CreateOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RegisterAlias(other.ID, "prod-alpha"), ErrDuplicateAlias)

	require.NoError(t, s.RemoveAlias(key.ID, "prod-alpha"))
	_, ok = s.Get("prod-alpha")
	assert.False(t, ok)
}

func TestGroupOverlay(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.CreateGroup(&Group{
		Name:         "team",
		DeniedTools:  []string{"dangerous"},
		Pricing:      map[string]uint64{"search": 5},
		DefaultPrice: 2,
	}))

	key, err := s.CreateKey("alpha", 100, CreateOptions{
		Group:   "team",
		Pricing: map[string]uint64{"search": 3},
	})
	require.NoError(t, err)

	_, policy, err := s.Policy(key.ID)
	require.NoError(t, err)

	// Key pricing wins over group pricing.
	price, ok := policy.PriceFor("search")
	require.True(t, ok)
	assert.Equal(t, uint64(3), price)

	// Group default applies when the key has none.
	price, ok = policy.PriceFor("other")
	require.True(t, ok)
	assert.Equal(t, uint64(2), price)

	// Deny lists union.
	assert.False(t, policy.ToolAllowed("dangerous"))
	assert.True(t, policy.ToolAllowed("search"))
}

func TestDeleteGroupDetachesMembers(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.CreateGroup(&Group{Name: "team"}))
	key, err := s.CreateKey("alpha", 0, CreateOptions{Group: "team"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteGroup("team"))
	got, _ := s.Get(key.ID)
	assert.Empty(t, got.Group)
}

func TestList(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for _, name := range []string{"api-one", "api-two", "web-one"} {
		_, err := s.CreateKey(name, 10, CreateOptions{})
		require.NoError(t, err)
	}

	res := s.List(ListFilter{NamePrefix: "api-"})
	assert.Equal(t, 2, res.Total)
	assert.Len(t, res.Keys, 2)
	assert.False(t, res.HasMore)

	res = s.List(ListFilter{Limit: 1})
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Keys, 1)
	assert.True(t, res.HasMore)

	res = s.List(ListFilter{Sort: "name asc"})
	require.Len(t, res.Keys, 3)
	assert.Equal(t, "api-one", res.Keys[0].Name)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	src := NewStore()
	key, err := src.CreateKey("alpha", 42, CreateOptions{
		Pricing: map[string]uint64{"search": 2},
	})
	require.NoError(t, err)

	dst := NewStore()
	stats, err := dst.Import(src.Export(), ImportOverwrite)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)

	got, ok := dst.Get(key.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(42), got.Balance)
	assert.Equal(t, uint64(2), got.Pricing["search"])
}

func TestConcurrentDebits(t *testing.T) {
	t.Parallel()
	s := NewStore()
	key, err := s.CreateKey("alpha", 1000, CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Debit(key.ID, 1)
		}()
	}
	wg.Wait()

	got, _ := s.Get(key.ID)
	assert.Equal(t, uint64(900), got.Balance)
	assert.Equal(t, uint64(100), got.Spent)
}

func TestMaskID(t *testing.T) {
	t.Parallel()
	masked := MaskID("pg_0123456789abcdef0123456789abcdef")
	assert.Equal(t, "pg_01234...cdef", masked)
	assert.Equal(t, "short", MaskID("short"))
}
