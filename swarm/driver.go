package swarm

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/pool"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/upgrade"
)

// Config configures the driver's own bookkeeping, assembled the way the
// teacher builds p2p.Config from CLI flags (cmd/swarmd).
type Config struct {
	// DialConcurrency bounds the number of outbound dials in flight at
	// once, mirroring the teacher's maxActiveDialTasks (SPEC_FULL.md §12).
	DialConcurrency int
	// DialBackoff is how long a DialPeer attempt is remembered before
	// NotDialing/Disconnected conditions allow dialing that peer again.
	// Every attempt is recorded when it starts, whether or not it later
	// fails; ConditionAlways is not gated by it.
	DialBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialConcurrency <= 0 {
		c.DialConcurrency = 16
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 10 * time.Second
	}
	return c
}

// pendingNotify tracks a NotifyHandler action that could not be fully
// delivered on first attempt, retried opportunistically on every Poll
// (spec.md §4.7 "park and retry" / "suspends delivery... continues
// processing the pool").
type pendingNotify[In any] struct {
	ev        In
	remaining map[peer.Conn]struct{}
}

// Driver steps a Pool in a loop, translating Behaviour actions into pool
// operations (spec.md §4.7).
type Driver[In, Out any] struct {
	log       *logrus.Entry
	cfg       Config
	pool      *pool.Pool[In, Out]
	transport transport.Transport
	tower     *upgrade.Tower
	factory   handler.IntoHandler[In, Out]
	behaviour Behaviour[In, Out]

	recentDials *lru.Cache // peer.ID -> time.Time of last attempted dial
	dialSem     chan struct{} // bounds concurrent in-flight Dial calls (SPEC_FULL.md §12)

	mu              sync.Mutex
	dialing         map[peer.ID]struct{}
	pending         []pendingNotify[In]
	listenAddrs     []transport.Multiaddr
	externalAddrs   map[transport.Multiaddr]struct{}
	pendingExternal []transport.Multiaddr
}

// New builds a Driver fronting p, dialing through t and upgrading via
// tower, using factory for every connection it initiates.
func New[In, Out any](
	p *pool.Pool[In, Out],
	t transport.Transport,
	tower *upgrade.Tower,
	factory handler.IntoHandler[In, Out],
	behaviour Behaviour[In, Out],
	cfg Config,
	log *logrus.Entry,
) *Driver[In, Out] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New(1024)
	cfg = cfg.withDefaults()
	return &Driver[In, Out]{
		log:         log.WithField("component", "swarm"),
		cfg:         cfg,
		pool:        p,
		transport:   t,
		tower:       tower,
		factory:     factory,
		behaviour:   behaviour,
		recentDials:   cache,
		dialSem:       make(chan struct{}, cfg.DialConcurrency),
		dialing:       make(map[peer.ID]struct{}),
		externalAddrs: make(map[transport.Multiaddr]struct{}),
	}
}

// RegisterListenAddr records addr as one of this node's own listen
// addresses, so a later ReportObservedAddr action has something to feed
// transport.Transport.AddressTranslation against (spec.md §4.7
// "ReportObservedAddr{addr}"). Callers invoke this once per address
// returned by Transport.ListenOn.
func (d *Driver[In, Out]) RegisterListenAddr(addr transport.Multiaddr) {
	d.mu.Lock()
	d.listenAddrs = append(d.listenAddrs, addr)
	d.mu.Unlock()
}

// Poll drains any ready Behaviour actions, retries any stalled
// NotifyHandler deliveries, then advances the pool once and returns the
// resulting Event.
func (d *Driver[In, Out]) Poll(ctx context.Context) (Event[In, Out], bool) {
	for {
		if act, ok := d.behaviour.PollAction(); ok {
			if ev, emit := d.applyAction(ctx, act); emit {
				return ev, true
			}
			continue
		}
		d.retryPendingNotifies()

		if addr, ok := d.nextPendingExternalAddr(); ok {
			return Event[In, Out]{Kind: EvNewExternalAddr, Addr: addr}, true
		}

		ev, ok := d.pool.Poll(ctx)
		if !ok {
			return Event[In, Out]{}, false
		}
		if out, emit := fromPool[In, Out](ev); emit {
			return out, true
		}
	}
}

func (d *Driver[In, Out]) applyAction(ctx context.Context, act Action[In, Out]) (Event[In, Out], bool) {
	switch act.Kind {
	case ActionGenerateEvent:
		return Event[In, Out]{Kind: EvGenerated, Generated: act.Generated}, true
	case ActionDialAddress:
		d.dialAddress(ctx, act.DialAddr, nil)
		return Event[In, Out]{}, false
	case ActionDialPeer:
		d.dialPeer(ctx, act.DialPeerID, act.DialCondition)
		return Event[In, Out]{}, false
	case ActionNotifyHandler:
		d.notifyHandler(act.NotifyPeerID, act.NotifyTarget, act.NotifyOne, act.NotifyEvent)
		return Event[In, Out]{}, false
	case ActionReportObservedAddr:
		d.reportObservedAddr(act.ObservedAddr)
		return Event[In, Out]{}, false
	}
	return Event[In, Out]{}, false
}

func (d *Driver[In, Out]) dialAddress(ctx context.Context, addr transport.Multiaddr, expected *peer.ID) {
	dial := func(ctx context.Context) (transport.Output, error) {
		select {
		case d.dialSem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-d.dialSem }()
		return d.transport.Dial(ctx, addr)
	}
	endpoint := peer.NewDialerEndpoint(string(addr))
	if _, err := d.pool.AddOutgoing(ctx, dial, d.tower, endpoint, expected, d.factory, nil); err != nil {
		d.log.WithError(err).WithField("addr", addr).Warn("dial rejected at admission")
	}
}

// dialPeer implements spec.md §4.7's DialPeer condition gating, asking
// the behaviour for candidate addresses and respecting the recent-dial
// backoff cache (SPEC_FULL.md §12).
func (d *Driver[In, Out]) dialPeer(ctx context.Context, id peer.ID, cond DialCondition) {
	switch cond {
	case ConditionNotDialing:
		d.mu.Lock()
		_, inFlight := d.dialing[id]
		d.mu.Unlock()
		if inFlight {
			return
		}
	case ConditionDisconnected:
		if d.pool.NumEstablished(id) > 0 {
			return
		}
	case ConditionAlways:
	}

	if cond != ConditionAlways {
		if v, ok := d.recentDials.Get(id); ok {
			if time.Now().Before(v.(time.Time).Add(d.cfg.DialBackoff)) {
				return
			}
		}
	}

	addrs := d.behaviour.AddressesOf(id)
	if len(addrs) == 0 {
		return
	}

	d.mu.Lock()
	d.dialing[id] = struct{}{}
	d.mu.Unlock()
	d.recentDials.Add(id, time.Now())

	expected := id
	d.dialAddress(ctx, addrs[0], &expected)

	d.mu.Lock()
	delete(d.dialing, id)
	d.mu.Unlock()
}

// reportObservedAddr implements spec.md §4.7's ReportObservedAddr: it runs
// transport-provided address translation for every listen address this
// node registered, adds genuinely new results to the external address
// set, and informs the behaviour of each.
func (d *Driver[In, Out]) reportObservedAddr(addr transport.Multiaddr) {
	d.mu.Lock()
	listenAddrs := append([]transport.Multiaddr(nil), d.listenAddrs...)
	d.mu.Unlock()

	for _, listenAddr := range listenAddrs {
		translated, ok := d.transport.AddressTranslation(listenAddr, addr)
		if !ok {
			continue
		}
		d.mu.Lock()
		_, known := d.externalAddrs[translated]
		if !known {
			d.externalAddrs[translated] = struct{}{}
		}
		d.mu.Unlock()
		if known {
			continue
		}
		d.behaviour.NewExternalAddr(translated)
		d.mu.Lock()
		d.pendingExternal = append(d.pendingExternal, translated)
		d.mu.Unlock()
	}
}

// nextPendingExternalAddr pops one newly-confirmed external address
// queued by reportObservedAddr, for Poll to surface as EvNewExternalAddr.
func (d *Driver[In, Out]) nextPendingExternalAddr() (transport.Multiaddr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pendingExternal) == 0 {
		return "", false
	}
	addr := d.pendingExternal[0]
	d.pendingExternal = d.pendingExternal[1:]
	return addr, true
}

// notifyHandler implements spec.md §4.7's three delivery disciplines.
// One/Any attempt immediate delivery and silently drop on failure (no
// established connection ready); All parks any connection not yet ready
// for a retry on the next Poll.
func (d *Driver[In, Out]) notifyHandler(id peer.ID, target NotifyTarget, one peer.Conn, ev In) {
	switch target {
	case TargetOne:
		d.pool.Get(one).NotifyHandler(ev)
	case TargetAny:
		d.pool.NotifyHandler(id, ev)
	case TargetAll:
		remaining := make(map[peer.Conn]struct{})
		for _, c := range d.pool.EstablishedConns(id) {
			if !d.pool.Get(c).NotifyHandler(ev) {
				remaining[c] = struct{}{}
			}
		}
		if len(remaining) > 0 {
			d.mu.Lock()
			d.pending = append(d.pending, pendingNotify[In]{ev: ev, remaining: remaining})
			d.mu.Unlock()
		}
	}
}

// retryPendingNotifies opportunistically retries any TargetAll delivery
// that was not yet accepted by every targeted connection, dropping
// connections from the remaining set once they accept the event or
// disappear (spec.md §4.7 "continues processing the pool").
func (d *Driver[In, Out]) retryPendingNotifies() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var stillPending []pendingNotify[In]
	for _, pn := range pending {
		for c := range pn.remaining {
			entry := d.pool.Get(c)
			if entry.Kind() != manager.EntryEstablished {
				delete(pn.remaining, c)
				continue
			}
			if entry.NotifyHandler(pn.ev) {
				delete(pn.remaining, c)
			}
		}
		if len(pn.remaining) > 0 {
			stillPending = append(stillPending, pn)
		}
	}

	if len(stillPending) > 0 {
		d.mu.Lock()
		d.pending = append(d.pending, stillPending...)
		d.mu.Unlock()
	}
}
