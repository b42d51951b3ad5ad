// Package handler declares the application-level per-connection state
// machine capability consumed by the connection task (spec.md §6.3). The
// pool and manager are parametric in a handler's InEvent/OutEvent types
// only (spec.md §9 "Dynamic dispatch"); Go generics express that directly
// instead of leaking concrete handler types into the pool.
package handler

import "time"

// KeepAliveKind distinguishes the three keep-alive states a handler can
// report (spec.md §4.3 step 5).
type KeepAliveKind int

const (
	KeepAliveNo KeepAliveKind = iota
	KeepAliveYes
	KeepAliveUntil
)

// KeepAlive is the handler's liveness preference for its connection.
type KeepAlive struct {
	Kind KeepAliveKind
	At   time.Time // valid when Kind == KeepAliveUntil
}

func (k KeepAlive) String() string {
	switch k.Kind {
	case KeepAliveNo:
		return "no"
	case KeepAliveYes:
		return "yes"
	default:
		return "until:" + k.At.String()
	}
}

// PollResultKind tags the variant returned from Handler.Poll.
type PollResultKind int

const (
	PollNone PollResultKind = iota
	PollCustom
	PollOutboundRequest
	PollClose
)

// PollResult is the tagged union a Handler's Poll returns (spec.md §6.3
// "poll() → {Custom(OutEvent), OutboundSubstreamRequest(protocol, info),
// Close(error)}"). Exactly one of the typed fields is meaningful, selected
// by Kind.
type PollResult[OutEvent any] struct {
	Kind            PollResultKind
	Custom          OutEvent
	OutboundProto   string
	OutboundInfo    interface{}
	CloseErr        error
}

// Handler is the capability a connection task drives (spec.md §6.3). It is
// generic over the inbound command and outbound event types so the pool's
// own types stay parametric rather than depending on any concrete handler.
type Handler[InEvent, OutEvent any] interface {
	// ListenProtocol returns the inbound substream upgrade (the candidate
	// protocol names) to apply to remote-opened substreams.
	ListenProtocol() []string

	// InjectFullyNegotiatedInbound is called once an inbound substream has
	// settled on a protocol.
	InjectFullyNegotiatedInbound(output Substream)
	// InjectFullyNegotiatedOutbound is called once an outbound substream
	// requested via Poll's OutboundSubstreamRequest has settled.
	InjectFullyNegotiatedOutbound(output Substream, openInfo interface{})

	// InjectEvent delivers a pool-originated command to the handler.
	InjectEvent(event InEvent)

	// InjectDialUpgradeError/InjectListenUpgradeError report that an
	// outbound/inbound substream upgrade failed.
	InjectDialUpgradeError(openInfo interface{}, err error)
	InjectListenUpgradeError(err error)

	// ConnectionKeepAlive reports this handler's current liveness
	// preference (spec.md §4.3 step 5).
	ConnectionKeepAlive() KeepAlive

	// Poll drives the handler's own state machine forward.
	Poll() PollResult[OutEvent]
}

// Substream is the minimal surface a handler needs from a negotiated
// substream: ordinary read/write/close plus the settled protocol name.
type Substream interface {
	Protocol() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// IntoHandler constructs a Handler once a connection's Connected
// information is known (spec.md §4.3 "constructed from an IntoHandler
// factory using the Connected information").
type IntoHandler[InEvent, OutEvent any] interface {
	IntoHandler(info interface{}) Handler[InEvent, OutEvent]
}

// IntoHandlerFunc adapts a plain function to IntoHandler.
type IntoHandlerFunc[InEvent, OutEvent any] func(info interface{}) Handler[InEvent, OutEvent]

func (f IntoHandlerFunc[InEvent, OutEvent]) IntoHandler(info interface{}) Handler[InEvent, OutEvent] {
	return f(info)
}
