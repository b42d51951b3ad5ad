// Package upgrade implements the upgrade tower of spec.md §4.2: turning a
// raw transport output into an (Identity, Muxer) pair by applying, in
// order, an authentication upgrade then a multiplexing upgrade, each
// selected through a multistream negotiation.
package upgrade

import (
	"context"

	"github.com/nodecore/swarmcore/multistream"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
)

// Role distinguishes which side of the negotiation a connection is running
// as, independently for the auth and mux upgrade (a listener on the raw
// TCP accept is still always the multistream listener for both upgrades).
type Role int

const (
	RoleDialer Role = iota
	RoleListener
)

// Authenticator is the auth-upgrade capability: its output MUST carry a
// peer.ID (spec.md §4.2).
type Authenticator interface {
	// Protocols lists the candidate protocol names this authenticator
	// offers during multistream negotiation.
	Protocols() []string
	// Upgrade runs the authentication handshake over stream (already
	// settled on one of Protocols), returning the remote's identity and
	// the authenticated output.
	Upgrade(ctx context.Context, stream *multistream.Negotiated, role Role) (peer.ID, transport.Output, error)
}

// Muxer is the multiplexing-upgrade capability: its output MUST implement
// transport.StreamMuxer (spec.md §4.2).
type Muxer interface {
	Protocols() []string
	Upgrade(ctx context.Context, stream *multistream.Negotiated, role Role) (transport.StreamMuxer, error)
}

// Tower composes an Authenticator then a Muxer over a raw connection.
type Tower struct {
	Auth  Authenticator
	Mux   Muxer
}

// NewTower builds a Tower from the given authentication and multiplexing
// upgrades.
func NewTower(auth Authenticator, mux Muxer) *Tower {
	return &Tower{Auth: auth, Mux: mux}
}

// Upgrade runs both upgrades in order, failing fast on the first error and
// surfacing the failing layer's error kind unchanged (spec.md §4.2 "The
// tower fails fast on the first upgrade error").
func (t *Tower) Upgrade(ctx context.Context, raw transport.Output, role Role) (peer.ID, transport.StreamMuxer, error) {
	authStream, err := negotiate(raw, t.Auth.Protocols(), role)
	if err != nil {
		return peer.ID{}, nil, wrapUpgradeErr(err)
	}
	remote, authenticated, err := t.Auth.Upgrade(ctx, authStream, role)
	if err != nil {
		return peer.ID{}, nil, swarmerr.New(swarmerr.KindUpgradeApply, swarmerr.ErrUpgradeApply, "authentication upgrade: "+err.Error())
	}

	muxStream, err := negotiate(authenticated, t.Mux.Protocols(), role)
	if err != nil {
		return peer.ID{}, nil, wrapUpgradeErr(err)
	}
	muxer, err := t.Mux.Upgrade(ctx, muxStream, role)
	if err != nil {
		return peer.ID{}, nil, swarmerr.New(swarmerr.KindUpgradeApply, swarmerr.ErrUpgradeApply, "multiplexer upgrade: "+err.Error())
	}
	return remote, muxer, nil
}

func negotiate(stream transport.Output, protocols []string, role Role) (*multistream.Negotiated, error) {
	if role == RoleDialer {
		return multistream.SelectOneOf(stream, protocols)
	}
	return multistream.ListenerSelectOneOf(stream, protocols)
}

func wrapUpgradeErr(err error) *swarmerr.Error {
	cause := multistream.ErrFailed
	kind := swarmerr.KindUpgradeFailed
	if isProtocolError(err) {
		cause = multistream.ErrProtocol
		kind = swarmerr.KindUpgradeProtocol
	}
	return swarmerr.New(kind, cause, err.Error())
}

func isProtocolError(err error) bool {
	type causer interface{ Cause() error }
	for err != nil {
		if err == multistream.ErrProtocol {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}
