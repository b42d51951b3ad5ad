package swarm

import (
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/pool"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
)

// EventKind tags the variant of an Event the driver surfaces.
type EventKind int

const (
	EvGenerated EventKind = iota
	EvConnectionEstablished
	EvConnectionError
	EvPendingConnectionError
	EvConnectionLimitReached
	EvConnectionEvent
	EvNewExternalAddr
)

// Event is what Driver.Poll yields to the application.
type Event[In, Out any] struct {
	Kind EventKind

	Generated Out

	ConnID         peer.Conn
	Connected      peer.Connected
	NumEstablished int
	Err            *swarmerr.Error
	Custom         Out
	Addr           transport.Multiaddr
	HandlerFactory handler.IntoHandler[In, Out]
}

func fromPool[In, Out any](ev pool.Event[In, Out]) (Event[In, Out], bool) {
	switch ev.Kind {
	case pool.EvConnectionEstablished:
		return Event[In, Out]{Kind: EvConnectionEstablished, ConnID: ev.ConnID, Connected: ev.Connected, NumEstablished: ev.NumEstablished}, true
	case pool.EvConnectionError:
		return Event[In, Out]{Kind: EvConnectionError, ConnID: ev.ConnID, Connected: ev.Connected, Err: ev.Err, NumEstablished: ev.NumEstablished}, true
	case pool.EvPendingConnectionError:
		return Event[In, Out]{Kind: EvPendingConnectionError, ConnID: ev.ConnID, Err: ev.Err, HandlerFactory: ev.HandlerFactory}, true
	case pool.EvConnectionLimitReached:
		return Event[In, Out]{Kind: EvConnectionLimitReached, ConnID: ev.ConnID, Connected: ev.Connected}, true
	case pool.EvConnectionEvent:
		return Event[In, Out]{Kind: EvConnectionEvent, ConnID: ev.ConnID, Custom: ev.Custom}, true
	}
	return Event[In, Out]{}, false
}
