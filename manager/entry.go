package manager

import "github.com/nodecore/swarmcore/peer"

// EntryKind tags what Manager.Entry resolved to (spec.md §4.4
// "entry(ConnId) → {Pending|Established|None}").
type EntryKind int

const (
	EntryNone EntryKind = iota
	EntryPending
	EntryEstablished
)

// Entry is a handle lent by Manager.Entry, exposing close/abort and command
// delivery without leaking the manager's internal maps.
type Entry[In, Out any] struct {
	kind EntryKind
	id   peer.Conn
	m    *Manager[In, Out]
}

func (e Entry[In, Out]) Kind() EntryKind { return e.kind }
func (e Entry[In, Out]) ID() peer.Conn   { return e.id }

// Close requests a graceful shutdown of an established entry. A no-op on
// a pending or absent entry.
func (e Entry[In, Out]) Close() {
	if e.kind != EntryEstablished {
		return
	}
	e.m.mu.Lock()
	t, ok := e.m.established[e.id]
	e.m.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Abort cancels a pending entry, guaranteeing a terminal
// PendingConnectionError{kind=Aborted} is still delivered (spec.md §4.4
// "Cancellation"). A no-op on an established or absent entry.
func (e Entry[In, Out]) Abort() {
	if e.kind != EntryPending {
		return
	}
	e.m.mu.Lock()
	ps, ok := e.m.pending[e.id]
	e.m.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.aborted = true
	raw := ps.raw
	ps.mu.Unlock()
	ps.cancel()
	if raw != nil {
		_ = raw.Close()
	}
}

// NotifyHandler attempts to deliver ev to an established entry's handler,
// returning false if the task is not ready to accept it right now (spec.md
// §4.4 "notify_handler(InEvent)").
func (e Entry[In, Out]) NotifyHandler(ev In) bool {
	if e.kind != EntryEstablished {
		return false
	}
	e.m.mu.Lock()
	t, ok := e.m.established[e.id]
	e.m.mu.Unlock()
	if !ok {
		return false
	}
	return t.TryNotify(ev)
}

// PollReadyNotifyHandler is an advisory readiness probe (spec.md §4.4
// "poll_ready_notify_handler"): it does not reserve the slot, so a
// subsequent NotifyHandler may still race and report not-ready.
func (e Entry[In, Out]) PollReadyNotifyHandler() bool {
	if e.kind != EntryEstablished {
		return false
	}
	e.m.mu.Lock()
	t, ok := e.m.established[e.id]
	e.m.mu.Unlock()
	if !ok {
		return false
	}
	return t.PeekReady()
}
