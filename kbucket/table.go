package kbucket

import (
	"math/bits"
	"time"

	"github.com/nodecore/swarmcore/peer"
)

// NumBuckets is the number of distance classes for a peer.ID: one per
// possible count of shared leading bits against the local id, plus the
// degenerate "identical id" class folded into the last bucket.
const NumBuckets = peer.IDLength * 8

// Table is the per-local-identity routing table: one Bucket per distance
// class (spec.md §4.6).
type Table struct {
	local   peer.ID
	buckets [NumBuckets]*Bucket
}

// NewTable builds a table for local, with every bucket holding at most k
// entries and pendingTimeout before a replacement becomes eligible.
func NewTable(local peer.ID, k int, pendingTimeout time.Duration) *Table {
	return newTable(local, k, pendingTimeout, false, nil)
}

// NewWeightedTable builds a table whose buckets use the weighted eviction
// variant (spec.md §4.6 "Weighted variant").
func NewWeightedTable(local peer.ID, k int, pendingTimeout time.Duration) *Table {
	return newTable(local, k, pendingTimeout, true, nil)
}

func newTable(local peer.ID, k int, pendingTimeout time.Duration, weighted bool, nowFn func() time.Time) *Table {
	t := &Table{local: local}
	for i := range t.buckets {
		if weighted {
			t.buckets[i] = NewWeighted(k, pendingTimeout, nowFn)
		} else {
			t.buckets[i] = New(k, pendingTimeout, nowFn)
		}
	}
	return t
}

// CommonPrefixLen returns the number of leading bits a and b share, used
// as the distance class (spec.md §4.6 "number of leading bits shared").
func CommonPrefixLen(a, b peer.ID) int {
	total := 0
	for i := 0; i < len(a); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(x)
		return total
	}
	return total
}

// bucketIndex maps a peer into this table's bucket array, clamping the
// degenerate case of an identical id into the last (furthest-refined)
// bucket.
func (t *Table) bucketIndex(id peer.ID) int {
	cpl := CommonPrefixLen(t.local, id)
	if cpl >= NumBuckets {
		return NumBuckets - 1
	}
	return cpl
}

// Bucket returns the bucket id falls into.
func (t *Table) Bucket(id peer.ID) *Bucket {
	return t.buckets[t.bucketIndex(id)]
}

// Insert records an observation of id at the given status (spec.md §4.6).
func (t *Table) Insert(id peer.ID, status Status, weight int) InsertResult {
	if id == t.local {
		return Full
	}
	return t.Bucket(id).Insert(id, status, weight)
}

// ApplyPending sweeps every bucket, applying any elapsed pending
// replacement. Table operations already do this lazily per touched
// bucket; this is for callers (e.g. a periodic sweep in swarm.Driver)
// that want every bucket refreshed at once.
func (t *Table) ApplyPending() {
	for _, b := range t.buckets {
		b.ApplyPending()
	}
}

// NearestConnected returns up to n Connected entries nearest to target
// across the whole table, nearest first. Buckets are walked outward from
// target's own distance class the way a Kademlia FIND_NODE response is
// assembled.
func (t *Table) NearestConnected(target peer.ID, n int) []Entry {
	start := t.bucketIndex(target)
	out := make([]Entry, 0, n)
	for d := 0; d < NumBuckets && len(out) < n; d++ {
		for i, idx := range []int{start + d, start - d} {
			if idx < 0 || idx >= NumBuckets {
				continue
			}
			if i == 1 && d == 0 {
				continue
			}
			for _, e := range t.buckets[idx].Entries() {
				if e.Status != Connected {
					continue
				}
				out = append(out, e)
				if len(out) >= n {
					break
				}
			}
			if len(out) >= n {
				break
			}
		}
	}
	return out
}
