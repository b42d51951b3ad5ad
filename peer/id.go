// Package peer defines the identity and connection-handle types shared by
// every layer of the connection core: the opaque PeerId derived from a
// public key, and the process-unique ConnId assigned by the manager.
package peer

import (
	"encoding/hex"
	"sync/atomic"
)

// IDLength is the size in bytes of a PeerId. Concrete transports derive it
// from a public key (e.g. the low-order bytes of a hash); the core treats it
// as an opaque, fixed-length, structurally-comparable value.
const IDLength = 32

// ID is an opaque peer identity. Equality and hashing are structural, which
// lets it be used directly as a map key the way CommonAddress is used
// throughout the teacher codebase.
type ID [IDLength]byte

// Empty reports whether id is the zero value, used to recognise "no
// expected peer" style states distinct from a valid identity.
func (id ID) Empty() bool {
	return id == ID{}
}

// Bytes returns the raw identity bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// String returns the hex encoding of id, truncated for log readability.
func (id ID) String() string {
	s := hex.EncodeToString(id[:])
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// Hex returns the full hex encoding of id.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes2ID copies b into a new ID, right-aligning short input the way
// Bytes2Address does, so short test fixtures remain readable.
func Bytes2ID(b []byte) ID {
	var id ID
	if len(b) > len(id) {
		copy(id[:], b[len(b)-IDLength:])
	} else {
		copy(id[IDLength-len(b):], b)
	}
	return id
}

// Conn is a process-unique, monotonically increasing connection identifier
// assigned by the manager at the moment a task is spawned. It is never
// reused within a process lifetime (I2/I5 of spec.md §3).
type Conn uint64

// ConnAllocator hands out Conn values. The zero value is ready to use and
// starts at 1, reserving 0 to mean "no connection".
type ConnAllocator struct {
	next uint64
}

// Next returns the next Conn value, safe for concurrent use: the manager
// may be asked to spawn pending and established connections from more than
// one goroutine (an inbound accept loop and an outbound dial loop).
func (a *ConnAllocator) Next() Conn {
	return Conn(atomic.AddUint64(&a.next, 1))
}
