// Package swarmerr defines the error kinds propagated out of the connection
// core (spec.md §7). Every kind is a base sentinel, following the teacher's
// convention of package-level error values (errServerStopped, DiscTooManyPeers,
// ...); call sites wrap the sentinel with context using github.com/pkg/errors.
// Callers switch on Error.Kind; the wrapped sentinel stays reachable through
// Error.Unwrap, so errors.Is(err, ErrXxx) matches it.
package swarmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error families a connection task can terminate
// with, or that the pool can reject an admission with.
type Kind int

const (
	// KindTransport covers TransportError{MultiaddrNotSupported|Io|Other}.
	KindTransport Kind = iota
	KindUpgradeProtocol
	KindUpgradeFailed
	KindUpgradeApply
	KindHandler
	KindInvalidPeerID
	KindKeepAliveTimeout
	KindAborted
	KindConnectionLimit
	KindPeerBanned
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUpgradeProtocol:
		return "upgrade_protocol"
	case KindUpgradeFailed:
		return "upgrade_failed"
	case KindUpgradeApply:
		return "upgrade_apply"
	case KindHandler:
		return "handler"
	case KindInvalidPeerID:
		return "invalid_peer_id"
	case KindKeepAliveTimeout:
		return "keep_alive_timeout"
	case KindAborted:
		return "aborted"
	case KindConnectionLimit:
		return "connection_limit"
	case KindPeerBanned:
		return "peer_banned"
	default:
		return "unknown"
	}
}

// Base sentinels, one per Kind, mirroring the teacher's DiscXxx / errServerStopped
// package-level error values.
var (
	ErrIo                 = errors.New("transport i/o error")
	ErrMultiaddrUnsupported = errors.New("multiaddr not supported by any transport")
	ErrProtocolError      = errors.New("multistream protocol error")
	ErrNegotiationFailed  = errors.New("no protocol in the intersection")
	ErrUpgradeApply       = errors.New("upgrade application failed")
	ErrHandler            = errors.New("handler returned an error")
	ErrInvalidPeerID      = errors.New("handshake yielded an unexpected peer id")
	ErrKeepAliveTimeout   = errors.New("keep-alive deadline elapsed")
	ErrAborted            = errors.New("connection aborted locally")
	ErrConnectionLimit    = errors.New("connection limit reached")
	ErrPeerBanned         = errors.New("peer is banned")
)

// Error is a kinded, causally-wrapped error: every terminal connection event
// (I3 of spec.md §3) carries exactly one of these.
type Error struct {
	Kind  Kind
	cause error
}

func New(kind Kind, base error, context string) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(base, context)}
}

func (e *Error) Error() string {
	return e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ConnectionLimit builds the KindConnectionLimit error carrying the current
// count and limit, matching spec.md §6.4's ConnectionLimitReached fields.
func ConnectionLimit(current, limit int) *Error {
	return New(KindConnectionLimit, ErrConnectionLimit,
		errors.Errorf("current=%d limit=%d", current, limit).Error())
}

// InvalidPeerID builds the KindInvalidPeerID error, used both for the
// expected-peer mismatch and the self-identity cases of spec.md I6. It takes
// fmt.Stringer rather than peer.ID to avoid an import cycle.
func InvalidPeerID(expected, observed fmt.Stringer) *Error {
	return New(KindInvalidPeerID, ErrInvalidPeerID,
		errors.Errorf("expected=%v observed=%v", expected, observed).Error())
}
