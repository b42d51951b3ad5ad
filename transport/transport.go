// Package transport declares the capability interfaces the connection core
// consumes but never implements itself (spec.md §6.1, §6.2): concrete byte
// transports, stream multiplexers and the self-describing addresses they
// dial. A small in-memory transport is provided for tests and the
// cmd/swarmd demo, grounded in the literal "/memory/42" addresses used by
// spec.md §8's end-to-end scenarios.
package transport

import (
	"context"
	"io"
)

// Multiaddr is treated as opaque outside of pattern-matching the leading
// component during transport selection (spec.md §6.1).
type Multiaddr string

// Scheme returns the leading protocol component, e.g. "memory" for
// "/memory/42" or "ip4" for "/ip4/1.2.3.4/tcp/30333".
func (m Multiaddr) Scheme() string {
	s := string(m)
	if len(s) == 0 || s[0] != '/' {
		return ""
	}
	s = s[1:]
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i]
		}
	}
	return s
}

// Output is the raw, authenticated-but-not-yet-muxed byte stream a
// Transport hands to the upgrade tower.
type Output interface {
	io.ReadWriteCloser
}

// Listener lazily produces upgrade futures, one per accepted connection.
type Listener interface {
	// Accept blocks until an inbound connection has been accepted,
	// returning its raw output and the address it arrived from.
	Accept(ctx context.Context) (Output, Multiaddr, error)
	Close() error
	Addr() Multiaddr
}

// Transport is the capability consumed by the pool to listen and dial
// (spec.md §6.1). Implementations are registered per Multiaddr scheme by
// the caller; the core never constructs one itself.
type Transport interface {
	// ListenOn starts listening on addr, returning the Listener and the
	// address actually bound (port 0 resolution, etc.).
	ListenOn(addr Multiaddr) (Listener, Multiaddr, error)
	// Dial connects to addr, returning the raw output once established.
	Dial(ctx context.Context, addr Multiaddr) (Output, error)
	// AddressTranslation maps an observed external address back to a
	// dialable Multiaddr for NAT traversal, or reports none available.
	AddressTranslation(listenAddr, observedAddr Multiaddr) (Multiaddr, bool)
	// CanDial reports whether this transport handles addr's scheme.
	CanDial(addr Multiaddr) bool
}
