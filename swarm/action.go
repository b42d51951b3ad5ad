// Package swarm implements the swarm driver of spec.md §4.7: it steps the
// pool in a loop, translates a Behaviour's actions into pool operations,
// and surfaces an aggregated event stream to the application.
package swarm

import (
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/transport"
)

// ActionKind tags the variant of an Action a Behaviour produces (spec.md
// §4.7 "Behaviour actions interpreted by the driver").
type ActionKind int

const (
	ActionGenerateEvent ActionKind = iota
	ActionDialAddress
	ActionDialPeer
	ActionNotifyHandler
	ActionReportObservedAddr
)

// DialCondition gates a DialPeer action (spec.md §4.7).
type DialCondition int

const (
	ConditionNotDialing DialCondition = iota
	ConditionDisconnected
	ConditionAlways
)

// NotifyTarget selects which connection(s) of a peer a NotifyHandler
// action targets (spec.md §4.7 "NotifyHandler delivery rules").
type NotifyTarget int

const (
	TargetOne NotifyTarget = iota
	TargetAny
	TargetAll
)

// Action is the tagged union a Behaviour's PollAction returns.
type Action[In, Out any] struct {
	Kind ActionKind

	Generated Out

	DialAddr transport.Multiaddr

	DialPeerID    peer.ID
	DialCondition DialCondition

	NotifyPeerID peer.ID
	NotifyTarget NotifyTarget
	NotifyOne    peer.Conn
	NotifyEvent  In

	ObservedAddr transport.Multiaddr
}

// Behaviour is the application-level state machine the driver steps
// (spec.md §4.7). AddressesOf supplies candidate dial addresses for
// DialPeer actions; the rest of the application-protocol surface
// (identify, Kademlia, gossipsub, ...) is out of scope (spec.md §1).
type Behaviour[In, Out any] interface {
	// PollAction returns the next pending action, or false if none is
	// ready right now.
	PollAction() (Action[In, Out], bool)
	// AddressesOf returns candidate dial addresses for id.
	AddressesOf(id peer.ID) []transport.Multiaddr
	// NewExternalAddr informs the behaviour of a newly confirmed,
	// externally-reachable address (from ReportObservedAddr).
	NewExternalAddr(addr transport.Multiaddr)
}
