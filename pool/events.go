package pool

import (
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
)

// EventKind tags the variant of a PoolEvent (spec.md §6.4).
type EventKind int

const (
	EvConnectionEstablished EventKind = iota
	EvConnectionError
	EvPendingConnectionError
	EvConnectionEvent
	EvConnectionLimitReached
)

// LimitInfo carries the admission limit that rejected a connection
// (spec.md §6.4 "ConnectionLimitReached").
type LimitInfo struct {
	Current int
	Limit   int
}

// Event is the tagged union Pool.Poll produces.
type Event[In, Out any] struct {
	Kind EventKind

	ConnID         peer.Conn
	Connected      peer.Connected
	Endpoint       peer.Endpoint
	ExpectedPeer   *peer.ID
	NumEstablished int
	Err            *swarmerr.Error
	Custom         Out
	Entry          manager.Entry[In, Out]
	LimitInfo      LimitInfo
	HandlerFactory handler.IntoHandler[In, Out]
}
