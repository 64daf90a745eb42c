// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndQuery(t *testing.T) {
	t.Parallel()
	l := NewLogger()

	l.Record(EventTypeKeyCreated, "admin", "created alpha", nil)
	l.Record(EventTypeKeyRevoked, "admin", "revoked alpha", nil)
	l.Record(EventTypeKeyCreated, "other", "created beta", map[string]string{"balance": "10"})

	all := l.Events(Query{})
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].ID)
	assert.Equal(t, uint64(3), all[2].ID)

	created := l.Events(Query{Type: EventTypeKeyCreated})
	require.Len(t, created, 2)

	byActor := l.Events(Query{Actor: "other"})
	require.Len(t, byActor, 1)
	assert.Equal(t, "10", byActor[0].Metadata["balance"])

	limited := l.Events(Query{Limit: 1})
	require.Len(t, limited, 1)
	// Limit keeps the newest events.
	assert.Equal(t, uint64(3), limited[0].ID)
}

func TestQuerySince(t *testing.T) {
	t.Parallel()
	l := NewLogger()

	l.Record(EventTypeKeyCreated, "admin", "old", nil)
	cutoff := time.Now().UTC().Add(time.Second)

	events := l.Events(Query{Since: cutoff})
	assert.Empty(t, events)
}

func TestMaxEventsCap(t *testing.T) {
	t.Parallel()
	l := NewLogger(WithMaxEvents(3))

	for i := 0; i < 5; i++ {
		l.Record(EventTypeGateDeny, "key", "deny", nil)
	}

	events := l.Events(Query{})
	require.Len(t, events, 3)
	// Oldest two were evicted.
	assert.Equal(t, uint64(3), events[0].ID)
	assert.Equal(t, uint64(5), events[2].ID)
}

func TestPruneByAge(t *testing.T) {
	t.Parallel()
	l := NewLogger(WithMaxAge(time.Nanosecond))

	l.Record(EventTypeKeyCreated, "admin", "stale", nil)
	time.Sleep(2 * time.Millisecond)
	l.Prune()

	assert.Empty(t, l.Events(Query{}))
}

func TestStats(t *testing.T) {
	t.Parallel()
	l := NewLogger()

	l.Record(EventTypeGateDeny, "k1", "deny", nil)
	l.Record(EventTypeGateDeny, "k2", "deny", nil)
	l.Record(EventTypeTopUp, "admin", "topup", nil)

	stats := l.Stats()
	assert.Equal(t, 2, stats[EventTypeGateDeny])
	assert.Equal(t, 1, stats[EventTypeTopUp])
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	l := NewLogger()
	l.Record(EventTypeKeyCreated, "admin", `created "alpha", with quotes`, nil)

	var sb strings.Builder
	require.NoError(t, l.WriteCSV(&sb, Query{}))

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,timestamp,type,actor,message", lines[0])
	// encoding/csv doubles embedded quotes.
	assert.Contains(t, lines[1], `"created ""alpha"", with quotes"`)
}
