// Package pool implements spec.md §4.5: a peer-indexed façade over the
// manager that enforces admission policy (pending/established limits,
// peer-identity checks, an optional ban list) and reports a richer event
// to the swarm driver.
package pool

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/upgrade"
)

// Limits are the three optional admission caps of spec.md §4.5 "Pool
// limits". Zero means unlimited.
type Limits struct {
	MaxPendingIncoming    int
	MaxPendingOutgoing    int
	MaxEstablishedPerPeer int
}

func (l Limits) allow(current, limit int) bool {
	return limit == 0 || current < limit
}

// IncomingInfo/OutgoingInfo are opaque, caller-supplied context carried
// alongside a pending admission and surfaced back on its terminal event.
type IncomingInfo interface{}
type OutgoingInfo interface{}

type pendingRecord[In, Out any] struct {
	endpoint     peer.Endpoint
	expectedPeer *peer.ID
	incoming     bool
	factory      handler.IntoHandler[In, Out]
}

// Pool is generic over the handler's InEvent/OutEvent pair only (spec.md
// §9), matching Manager.
type Pool[In, Out any] struct {
	log   *logrus.Entry
	mgr   *manager.Manager[In, Out]
	self  peer.ID
	limits Limits

	mu        sync.Mutex
	pending   map[peer.Conn]pendingRecord[In, Out]
	pendingIn  int
	pendingOut int
	established map[peer.ID]map[peer.Conn]struct{}
	banned    map[peer.ID]struct{}
}

// New builds a Pool fronting mgr for local identity self.
func New[In, Out any](mgr *manager.Manager[In, Out], self peer.ID, limits Limits, log *logrus.Entry) *Pool[In, Out] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool[In, Out]{
		log:         log.WithField("component", "pool"),
		mgr:         mgr,
		self:        self,
		limits:      limits,
		pending:     make(map[peer.Conn]pendingRecord[In, Out]),
		established: make(map[peer.ID]map[peer.Conn]struct{}),
		banned:      make(map[peer.ID]struct{}),
	}
}

// Ban marks a peer as banned: any connection established after the ban
// (pool.Poll's peer-identity check) is rejected with KindPeerBanned
// (SPEC_FULL.md §12 extension, a new entry of swarmerr.Kind).
func (p *Pool[In, Out]) Ban(id peer.ID) {
	p.mu.Lock()
	p.banned[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool[In, Out]) Unban(id peer.ID) {
	p.mu.Lock()
	delete(p.banned, id)
	p.mu.Unlock()
}

func (p *Pool[In, Out]) isBanned(id peer.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.banned[id]
	return ok
}

// AddIncoming admits a dial future for an inbound connection, subject to
// MaxPendingIncoming (spec.md §4.5 "add_incoming").
func (p *Pool[In, Out]) AddIncoming(
	ctx context.Context,
	dial manager.DialFunc,
	tower *upgrade.Tower,
	endpoint peer.Endpoint,
	factory handler.IntoHandler[In, Out],
	_ IncomingInfo,
) (peer.Conn, *swarmerr.Error) {
	p.mu.Lock()
	if !p.limits.allow(p.pendingIn, p.limits.MaxPendingIncoming) {
		p.mu.Unlock()
		return 0, swarmerr.ConnectionLimit(p.pendingIn, p.limits.MaxPendingIncoming)
	}
	p.pendingIn++
	p.mu.Unlock()

	id := p.mgr.AddPending(ctx, dial, tower, upgrade.RoleListener, endpoint, nil, factory)
	p.mu.Lock()
	p.pending[id] = pendingRecord[In, Out]{endpoint: endpoint, incoming: true, factory: factory}
	p.mu.Unlock()
	return id, nil
}

// AddOutgoing is the dialer analogue of AddIncoming, recording the
// expected peer (spec.md §4.5 "add_outgoing").
func (p *Pool[In, Out]) AddOutgoing(
	ctx context.Context,
	dial manager.DialFunc,
	tower *upgrade.Tower,
	endpoint peer.Endpoint,
	expectedPeer *peer.ID,
	factory handler.IntoHandler[In, Out],
	_ OutgoingInfo,
) (peer.Conn, *swarmerr.Error) {
	p.mu.Lock()
	if !p.limits.allow(p.pendingOut, p.limits.MaxPendingOutgoing) {
		p.mu.Unlock()
		return 0, swarmerr.ConnectionLimit(p.pendingOut, p.limits.MaxPendingOutgoing)
	}
	p.pendingOut++
	p.mu.Unlock()

	id := p.mgr.AddPending(ctx, dial, tower, upgrade.RoleDialer, endpoint, expectedPeer, factory)
	p.mu.Lock()
	p.pending[id] = pendingRecord[In, Out]{endpoint: endpoint, expectedPeer: expectedPeer, factory: factory}
	p.mu.Unlock()
	return id, nil
}

// Add admits an already-handshaken connection, subject to
// MaxEstablishedPerPeer (spec.md §4.5 "add").
func (p *Pool[In, Out]) Add(ctx context.Context, muxer transport.StreamMuxer, connected peer.Connected, factory handler.IntoHandler[In, Out]) (peer.Conn, *swarmerr.Error) {
	if err := p.checkAdmission(connected.Peer); err != nil {
		return 0, err
	}
	id := p.mgr.Add(ctx, muxer, connected, factory)
	p.insertEstablished(connected.Peer, id)
	return id, nil
}

func (p *Pool[In, Out]) checkAdmission(observed peer.ID) *swarmerr.Error {
	if observed == p.self {
		return swarmerr.InvalidPeerID(p.self, observed)
	}
	if p.isBanned(observed) {
		return swarmerr.New(swarmerr.KindPeerBanned, swarmerr.ErrPeerBanned, observed.String())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	current := len(p.established[observed])
	if !p.limits.allow(current, p.limits.MaxEstablishedPerPeer) {
		return swarmerr.ConnectionLimit(current, p.limits.MaxEstablishedPerPeer)
	}
	return nil
}

func (p *Pool[In, Out]) insertEstablished(id peer.ID, conn peer.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.established[id]
	if !ok {
		set = make(map[peer.Conn]struct{})
		p.established[id] = set
	}
	set[conn] = struct{}{}
}

// Get reports whether conn is tracked at all, pending or established.
func (p *Pool[In, Out]) Get(conn peer.Conn) manager.Entry[In, Out] {
	return p.mgr.Entry(conn)
}

// GetEstablished returns an established ConnId for peer id. If want is
// non-nil and tracked, that exact ConnId is returned; otherwise an
// unspecified member of the set is returned (spec.md §4.5 "callers MUST
// NOT rely on order").
func (p *Pool[In, Out]) GetEstablished(id peer.ID, want *peer.Conn) (peer.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.established[id]
	if !ok || len(set) == 0 {
		return 0, false
	}
	if want != nil {
		if _, ok := set[*want]; ok {
			return *want, true
		}
		return 0, false
	}
	for c := range set {
		return c, true
	}
	return 0, false
}

// EstablishedConns returns every established ConnId for id.
func (p *Pool[In, Out]) EstablishedConns(id peer.ID) []peer.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.established[id]
	if !ok {
		return nil
	}
	out := make([]peer.Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// NumEstablished reports the live established connection count for id.
func (p *Pool[In, Out]) NumEstablished(id peer.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.established[id])
}

// Disconnect closes every established connection and aborts every pending
// one for id (spec.md §4.5 "disconnect").
func (p *Pool[In, Out]) Disconnect(id peer.ID) {
	p.mu.Lock()
	conns := make([]peer.Conn, 0, len(p.established[id]))
	for c := range p.established[id] {
		conns = append(conns, c)
	}
	pendingConns := make([]peer.Conn, 0)
	for c, rec := range p.pending {
		if rec.expectedPeer != nil && *rec.expectedPeer == id {
			pendingConns = append(pendingConns, c)
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		p.mgr.Entry(c).Close()
	}
	for _, c := range pendingConns {
		p.mgr.Entry(c).Abort()
	}
}

// NotifyHandler selects some established connection for id and delivers
// ev, returning false if none exists or none is ready (spec.md §4.5
// "notify_handler").
func (p *Pool[In, Out]) NotifyHandler(id peer.ID, ev In) bool {
	for _, c := range p.EstablishedConns(id) {
		if p.mgr.Entry(c).NotifyHandler(ev) {
			return true
		}
	}
	return false
}
