package manager

import (
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
)

// EventKind tags the variant of an Event returned from Manager.Poll
// (spec.md §4.4 "poll() → Event").
type EventKind int

const (
	EvPendingConnectionError EventKind = iota
	EvConnectionError
	EvConnectionEstablished
	EvConnectionEvent
)

// Event is the tagged union Manager.Poll produces. Exactly the fields
// relevant to Kind are meaningful.
type Event[In, Out any] struct {
	Kind EventKind

	ConnID         peer.Conn
	Endpoint       peer.Endpoint
	ExpectedPeer   *peer.ID
	Connected      peer.Connected
	Err            *swarmerr.Error
	Custom         Out
	Entry          Entry[In, Out]
	HandlerFactory handler.IntoHandler[In, Out]
}
