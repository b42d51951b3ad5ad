// Package kbucket implements the per-peer address book of spec.md §4.6: a
// Kademlia-style distance-partitioned routing table where each bucket
// keeps Disconnected entries before Connected ones in recency order, with
// a single pending-replacement slot per bucket.
package kbucket

import (
	"time"

	"github.com/nodecore/swarmcore/peer"
)

// Status is an entry's liveness as last observed by the pool.
type Status int

const (
	Disconnected Status = iota
	Connected
)

// Entry is one routing-table row.
type Entry struct {
	Peer           peer.ID
	Status         Status
	LastContact    time.Time
	Weight         int // weight class, 0 when the weighted variant is unused
}

// InsertResult tags what Bucket.Insert/Update did.
type InsertResult int

const (
	// Inserted means the node was added (or moved) into the bucket outright.
	Inserted InsertResult = iota
	// Pending means the bucket is full; the new node was parked as the
	// pending replacement and the caller should probe the
	// least-recently-connected entry (spec.md §4.6).
	Pending
	// Full means no room and no pending slot available. The weighted
	// variant's constraint is applied later, when the pending node is
	// applied (see ApplyPending), not here.
	Full
)

// pendingSlot holds the single node waiting to replace the
// least-recently-connected entry once its deadline elapses.
type pendingSlot struct {
	entry    Entry
	deadline time.Time
}

// Bucket is one distance class's ordered entry list plus its pending
// replacement slot (spec.md §4.6).
type Bucket struct {
	k             int
	pendingTimeout time.Duration
	weighted      bool

	// entries is kept in the invariant order: all Disconnected entries
	// first (oldest first), then all Connected entries (oldest first).
	entries []Entry
	pending *pendingSlot

	now func() time.Time
}

// New builds an empty bucket holding at most k entries. pendingTimeout is
// the delay before a pending replacement becomes eligible to apply.
// nowFn defaults to time.Now; tests may override it.
func New(k int, pendingTimeout time.Duration, nowFn func() time.Time) *Bucket {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Bucket{k: k, pendingTimeout: pendingTimeout, now: nowFn}
}

// NewWeighted builds a bucket whose eviction choice additionally respects
// weight classes (spec.md §4.6 "Weighted variant").
func NewWeighted(k int, pendingTimeout time.Duration, nowFn func() time.Time) *Bucket {
	b := New(k, pendingTimeout, nowFn)
	b.weighted = true
	return b
}

// Len reports the number of live (non-pending) entries.
func (b *Bucket) Len() int { return len(b.entries) }

// Entries returns a snapshot of the bucket's live entries in invariant
// order (Disconnected-first, then Connected, both oldest-first).
func (b *Bucket) Entries() []Entry {
	b.applyPendingLocked()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Bucket) indexOf(id peer.ID) int {
	for i, e := range b.entries {
		if e.Peer == id {
			return i
		}
	}
	return -1
}

func (b *Bucket) splitPoint() int {
	for i, e := range b.entries {
		if e.Status == Connected {
			return i
		}
	}
	return len(b.entries)
}

// ApplyPending applies an elapsed pending replacement if present (spec.md
// §4.6 "Apply pending"). It is idempotent and is also invoked lazily by
// every other bucket operation.
func (b *Bucket) ApplyPending() {
	b.applyPendingLocked()
}

func (b *Bucket) applyPendingLocked() {
	if b.pending == nil {
		return
	}
	if b.now().Before(b.pending.deadline) {
		return
	}
	p := b.pending
	b.pending = nil
	if len(b.entries) >= b.k {
		evictIdx := b.evictionCandidate(p.entry.Weight)
		if evictIdx < 0 {
			// No eligible node to evict under the weight constraint: the
			// pending node is dropped rather than overflow the bucket.
			return
		}
		b.entries = append(b.entries[:evictIdx], b.entries[evictIdx+1:]...)
	}
	b.insertSorted(p.entry)
}

// evictionCandidate returns the index of the least-recently-connected
// entry eligible for eviction. Unweighted buckets always evict index 0
// (the oldest entry in the invariant order). Weighted buckets restrict
// the choice to weight <= maxWeight, breaking ties by weight ascending
// then last-contact-time ascending (spec.md's Open Question resolution,
// recorded in DESIGN.md).
func (b *Bucket) evictionCandidate(maxWeight int) int {
	if !b.weighted {
		if len(b.entries) == 0 {
			return -1
		}
		return 0
	}
	best := -1
	for i, e := range b.entries {
		if e.Weight > maxWeight {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		bEntry := b.entries[best]
		if e.Weight < bEntry.Weight || (e.Weight == bEntry.Weight && e.LastContact.Before(bEntry.LastContact)) {
			best = i
		}
	}
	return best
}

// insertSorted inserts e maintaining the Disconnected-before-Connected,
// oldest-first invariant. Within each status partition it appends at the
// boundary (callers only ever insert "now", the most recent contact).
func (b *Bucket) insertSorted(e Entry) {
	if e.Status == Disconnected {
		sp := b.splitPoint()
		b.entries = append(b.entries, Entry{})
		copy(b.entries[sp+1:], b.entries[sp:])
		b.entries[sp] = e
		return
	}
	b.entries = append(b.entries, e)
}

// Insert applies the insert/update semantics of spec.md §4.6 for a node
// observed with the given status.
func (b *Bucket) Insert(id peer.ID, status Status, weight int) InsertResult {
	b.applyPendingLocked()

	if idx := b.indexOf(id); idx >= 0 {
		b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
		return b.insertNew(id, status, weight)
	}
	return b.insertNew(id, status, weight)
}

func (b *Bucket) insertNew(id peer.ID, status Status, weight int) InsertResult {
	e := Entry{Peer: id, Status: status, Weight: weight}
	if status == Connected {
		e.LastContact = b.now()
	}

	if len(b.entries) < b.k {
		b.insertSorted(e)
		b.clearPendingIfDisplaced()
		return Inserted
	}

	if status == Disconnected {
		return Full
	}

	// Connected, bucket full: look for a Disconnected entry to park a
	// pending replacement against.
	if b.pending != nil {
		return Full
	}
	hasDisconnected := false
	for _, ex := range b.entries {
		if ex.Status == Disconnected {
			hasDisconnected = true
			break
		}
	}
	if !hasDisconnected {
		return Full
	}
	b.pending = &pendingSlot{entry: e, deadline: b.now().Add(b.pendingTimeout)}
	return Pending
}

// clearPendingIfDisplaced clears the pending slot when a freshly
// reinserted Connected key now occupies the least-recently-connected
// position (spec.md §4.6 "Update existing key").
func (b *Bucket) clearPendingIfDisplaced() {
	if b.pending == nil || len(b.entries) == 0 {
		return
	}
	if b.entries[0].Status == Connected {
		b.pending = nil
	}
}

// ProbeTarget returns the least-recently-connected entry a caller should
// probe after receiving Pending from Insert (spec.md §4.6: the oldest
// entry in the bucket's invariant order, the same one Apply Pending would
// evict in an unweighted bucket; a weighted bucket may evict a different
// entry, see evictionCandidate), and whether one exists.
func (b *Bucket) ProbeTarget() (Entry, bool) {
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[0], true
}
