package pool

import (
	"context"

	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/swarmerr"
)

// Poll drives the manager and interprets its events into a PoolEvent
// (spec.md §4.5 "poll(cx)"), applying the peer-identity checks and
// per-peer limit on establishment.
func (p *Pool[In, Out]) Poll(ctx context.Context) (Event[In, Out], bool) {
	for {
		ev, ok := p.mgr.Poll(ctx)
		if !ok {
			return Event[In, Out]{}, false
		}
		out, emit := p.interpret(ev)
		if emit {
			return out, true
		}
	}
}

func (p *Pool[In, Out]) interpret(ev manager.Event[In, Out]) (Event[In, Out], bool) {
	switch ev.Kind {
	case manager.EvConnectionEstablished:
		return p.onEstablished(ev)
	case manager.EvConnectionError:
		return p.onError(ev), true
	case manager.EvPendingConnectionError:
		return p.onPendingError(ev), true
	case manager.EvConnectionEvent:
		return Event[In, Out]{
			Kind:   EvConnectionEvent,
			ConnID: ev.ConnID,
			Entry:  ev.Entry,
			Custom: ev.Custom,
		}, true
	}
	return Event[In, Out]{}, false
}

func (p *Pool[In, Out]) onEstablished(ev manager.Event[In, Out]) (Event[In, Out], bool) {
	p.mu.Lock()
	rec, wasPending := p.pending[ev.ConnID]
	if wasPending {
		delete(p.pending, ev.ConnID)
		if rec.incoming {
			p.pendingIn--
		} else {
			p.pendingOut--
		}
	}
	p.mu.Unlock()

	if rec.expectedPeer != nil && *rec.expectedPeer != ev.Connected.Peer {
		ev.Entry.Close()
		return Event[In, Out]{
			Kind:      EvConnectionError,
			ConnID:    ev.ConnID,
			Connected: ev.Connected,
			Err:       swarmerr.InvalidPeerID(*rec.expectedPeer, ev.Connected.Peer),
		}, true
	}

	if err := p.checkAdmission(ev.Connected.Peer); err != nil {
		ev.Entry.Close()
		if err.Kind == swarmerr.KindConnectionLimit {
			return Event[In, Out]{
				Kind:      EvConnectionLimitReached,
				ConnID:    ev.ConnID,
				Connected: ev.Connected,
				LimitInfo: LimitInfo{Current: p.NumEstablished(ev.Connected.Peer), Limit: p.limits.MaxEstablishedPerPeer},
			}, true
		}
		return Event[In, Out]{
			Kind:      EvConnectionError,
			ConnID:    ev.ConnID,
			Connected: ev.Connected,
			Err:       err,
		}, true
	}

	p.insertEstablished(ev.Connected.Peer, ev.ConnID)
	return Event[In, Out]{
		Kind:           EvConnectionEstablished,
		ConnID:         ev.ConnID,
		Connected:      ev.Connected,
		Entry:          ev.Entry,
		NumEstablished: p.NumEstablished(ev.Connected.Peer),
	}, true
}

func (p *Pool[In, Out]) onError(ev manager.Event[In, Out]) Event[In, Out] {
	remaining := 0
	p.mu.Lock()
	if set, ok := p.established[ev.Connected.Peer]; ok {
		delete(set, ev.ConnID)
		remaining = len(set)
		if remaining == 0 {
			delete(p.established, ev.Connected.Peer)
		}
	}
	p.mu.Unlock()

	return Event[In, Out]{
		Kind:           EvConnectionError,
		ConnID:         ev.ConnID,
		Connected:      ev.Connected,
		Err:            ev.Err,
		NumEstablished: remaining,
	}
}

func (p *Pool[In, Out]) onPendingError(ev manager.Event[In, Out]) Event[In, Out] {
	p.mu.Lock()
	rec, ok := p.pending[ev.ConnID]
	if ok {
		delete(p.pending, ev.ConnID)
		if rec.incoming {
			p.pendingIn--
		} else {
			p.pendingOut--
		}
	}
	p.mu.Unlock()

	return Event[In, Out]{
		Kind:           EvPendingConnectionError,
		ConnID:         ev.ConnID,
		Endpoint:       ev.Endpoint,
		ExpectedPeer:   ev.ExpectedPeer,
		Err:            ev.Err,
		HandlerFactory: rec.factory,
	}
}
