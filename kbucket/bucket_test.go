package kbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodecore/swarmcore/peer"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func idOf(b byte) peer.ID {
	var id peer.ID
	id[len(id)-1] = b
	return id
}

func TestBucketInsertFillsUntilFull(t *testing.T) {
	now := time.Now()
	b := New(2, time.Minute, fixedClock(now))

	require.Equal(t, Inserted, b.Insert(idOf(1), Connected, 0))
	require.Equal(t, Inserted, b.Insert(idOf(2), Connected, 0))
	require.Equal(t, 2, b.Len())

	// Full, no disconnected entry to make room against: rejected outright.
	require.Equal(t, Full, b.Insert(idOf(3), Connected, 0))
}

func TestBucketPendingReplacementAndApply(t *testing.T) {
	now := time.Now()
	clock := now
	b := New(2, time.Minute, func() time.Time { return clock })

	require.Equal(t, Inserted, b.Insert(idOf(1), Disconnected, 0))
	require.Equal(t, Inserted, b.Insert(idOf(2), Connected, 0))

	res := b.Insert(idOf(3), Connected, 0)
	require.Equal(t, Pending, res)

	target, ok := b.ProbeTarget()
	require.True(t, ok)
	require.Equal(t, idOf(1), target.Peer)

	// Before the deadline, nothing changes.
	b.ApplyPending()
	require.Equal(t, 2, b.Len())
	require.False(t, containsPeer(b.Entries(), idOf(3)))

	clock = clock.Add(2 * time.Minute)
	b.ApplyPending()
	require.Equal(t, 2, b.Len())
	require.True(t, containsPeer(b.Entries(), idOf(3)))
	require.False(t, containsPeer(b.Entries(), idOf(1)))
}

func TestBucketOrderingInvariant(t *testing.T) {
	now := time.Now()
	b := New(4, time.Minute, fixedClock(now))

	require.Equal(t, Inserted, b.Insert(idOf(1), Connected, 0))
	require.Equal(t, Inserted, b.Insert(idOf(2), Disconnected, 0))
	require.Equal(t, Inserted, b.Insert(idOf(3), Connected, 0))

	entries := b.Entries()
	require.Equal(t, Disconnected, entries[0].Status)
	for _, e := range entries[1:] {
		require.Equal(t, Connected, e.Status)
	}
}

func TestBucketOnlyOnePendingSlot(t *testing.T) {
	now := time.Now()
	b := New(1, time.Minute, fixedClock(now))

	require.Equal(t, Inserted, b.Insert(idOf(1), Disconnected, 0))
	require.Equal(t, Pending, b.Insert(idOf(2), Connected, 0))
	require.Equal(t, Full, b.Insert(idOf(3), Connected, 0))
}

func TestWeightedEvictionRespectsWeightCeiling(t *testing.T) {
	now := time.Now()
	clock := now
	b := NewWeighted(1, time.Minute, func() time.Time { return clock })

	require.Equal(t, Inserted, b.Insert(idOf(1), Disconnected, 5))
	require.Equal(t, Pending, b.Insert(idOf(2), Connected, 1))

	// The only entry outweighs the pending node, so nothing may be evicted
	// and the pending node is dropped.
	clock = clock.Add(2 * time.Minute)
	b.ApplyPending()
	require.False(t, containsPeer(b.Entries(), idOf(2)))
	require.True(t, containsPeer(b.Entries(), idOf(1)))
}

func containsPeer(entries []Entry, id peer.ID) bool {
	for _, e := range entries {
		if e.Peer == id {
			return true
		}
	}
	return false
}
