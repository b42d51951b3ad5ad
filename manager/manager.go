// Package manager implements spec.md §4.4: it assigns ConnIds, spawns
// connection tasks on an external executor, routes commands to them and
// aggregates their events into a single merged stream for the pool.
package manager

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nodecore/swarmcore/conn"
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/upgrade"
)

// Executor schedules task work (spec.md §4.4 "tasks are scheduled on an
// external executor provided at construction"). The executor package
// supplies a goroutine-per-task implementation and a protoactor-go backed
// one.
type Executor interface {
	Spawn(fn func())
}

// DialFunc produces the raw transport output a pending connection is built
// from: a dial in progress, or an already-accepted inbound connection.
type DialFunc func(ctx context.Context) (transport.Output, error)

// Manager owns ConnId assignment and every task's lifecycle. It is generic
// over the handler's InEvent/OutEvent pair only (spec.md §9).
type Manager[In, Out any] struct {
	log      *logrus.Entry
	executor Executor
	alloc    peer.ConnAllocator

	mu         sync.Mutex
	pending    map[peer.Conn]*pendingState[In, Out]
	established map[peer.Conn]*conn.Task[In, Out]

	customCh      chan conn.Custom[Out]
	terminateCh   chan conn.Terminal
	establishedCh chan establishedOutcome[In, Out]
	pendingErrCh  chan pendingOutcome[In, Out]
}

type pendingState[In, Out any] struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	raw     transport.Output
	aborted bool
	factory handler.IntoHandler[In, Out]
}

type establishedOutcome[In, Out any] struct {
	id        peer.Conn
	connected peer.Connected
	entry     Entry[In, Out]
}

type pendingOutcome[In, Out any] struct {
	id           peer.Conn
	endpoint     peer.Endpoint
	expectedPeer *peer.ID
	err          *swarmerr.Error
	factory      handler.IntoHandler[In, Out]
}

// New builds a Manager that schedules task work on executor.
func New[In, Out any](executor Executor, log *logrus.Entry) *Manager[In, Out] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager[In, Out]{
		log:           log.WithField("component", "manager"),
		executor:      executor,
		pending:       make(map[peer.Conn]*pendingState[In, Out]),
		established:   make(map[peer.Conn]*conn.Task[In, Out]),
		customCh:      make(chan conn.Custom[Out]),
		terminateCh:   make(chan conn.Terminal),
		establishedCh: make(chan establishedOutcome[In, Out]),
		pendingErrCh:  make(chan pendingOutcome[In, Out]),
	}
}

// AddPending spawns a task that awaits dial, runs tower over its output,
// builds a handler from factory and enters the established loop (spec.md
// §4.4 "add_pending"). It returns the assigned ConnId immediately.
func (m *Manager[In, Out]) AddPending(
	ctx context.Context,
	dial DialFunc,
	tower *upgrade.Tower,
	role upgrade.Role,
	endpoint peer.Endpoint,
	expectedPeer *peer.ID,
	factory handler.IntoHandler[In, Out],
) peer.Conn {
	id := m.alloc.Next()
	pctx, cancel := context.WithCancel(ctx)
	ps := &pendingState[In, Out]{cancel: cancel, factory: factory}

	m.mu.Lock()
	m.pending[id] = ps
	m.mu.Unlock()

	m.executor.Spawn(func() {
		m.runPending(pctx, id, ps, dial, tower, role, endpoint, expectedPeer, factory)
	})
	return id
}

func (m *Manager[In, Out]) runPending(
	ctx context.Context,
	id peer.Conn,
	ps *pendingState[In, Out],
	dial DialFunc,
	tower *upgrade.Tower,
	role upgrade.Role,
	endpoint peer.Endpoint,
	expectedPeer *peer.ID,
	factory handler.IntoHandler[In, Out],
) {
	raw, err := dial(ctx)
	if err != nil {
		m.emitPendingErr(id, endpoint, expectedPeer, factory, abortAware(ctx, swarmerr.New(swarmerr.KindTransport, swarmerr.ErrIo, err.Error())))
		return
	}

	ps.mu.Lock()
	if ps.aborted {
		ps.mu.Unlock()
		_ = raw.Close()
		m.emitPendingErr(id, endpoint, expectedPeer, factory, swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "aborted before upgrade"))
		return
	}
	ps.raw = raw
	ps.mu.Unlock()

	remoteID, muxer, err := tower.Upgrade(ctx, raw, role)
	if err != nil {
		_ = raw.Close()
		if swErr, ok := err.(*swarmerr.Error); ok {
			m.emitPendingErr(id, endpoint, expectedPeer, factory, abortAware(ctx, swErr))
		} else {
			m.emitPendingErr(id, endpoint, expectedPeer, factory, abortAware(ctx, swarmerr.New(swarmerr.KindUpgradeFailed, swarmerr.ErrNegotiationFailed, err.Error())))
		}
		return
	}

	connected := peer.Connected{Peer: remoteID, Endpoint: endpoint}
	hdlr := factory.IntoHandler(connected)
	task := conn.New(id, connected, muxer, hdlr, m.customCh, m.terminateCh, m.log)

	m.mu.Lock()
	delete(m.pending, id)
	m.established[id] = task
	m.mu.Unlock()

	entry := Entry[In, Out]{kind: EntryEstablished, id: id, m: m}
	select {
	case m.establishedCh <- establishedOutcome[In, Out]{id: id, connected: connected, entry: entry}:
	case <-ctx.Done():
		task.Close()
		return
	}

	task.Run(ctx)
}

// Add enters the established loop directly, for an already-handshaken
// connection (spec.md §4.4 "add"). No EvConnectionEstablished is emitted
// for it; the caller already holds the returned ConnId.
func (m *Manager[In, Out]) Add(ctx context.Context, muxer transport.StreamMuxer, connected peer.Connected, factory handler.IntoHandler[In, Out]) peer.Conn {
	id := m.alloc.Next()
	hdlr := factory.IntoHandler(connected)
	task := conn.New(id, connected, muxer, hdlr, m.customCh, m.terminateCh, m.log)

	m.mu.Lock()
	m.established[id] = task
	m.mu.Unlock()

	m.executor.Spawn(func() {
		task.Run(ctx)
	})
	return id
}

func (m *Manager[In, Out]) emitPendingErr(id peer.Conn, endpoint peer.Endpoint, expected *peer.ID, factory handler.IntoHandler[In, Out], err *swarmerr.Error) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	m.pendingErrCh <- pendingOutcome[In, Out]{id: id, endpoint: endpoint, expectedPeer: expected, err: err, factory: factory}
}

func abortAware(ctx context.Context, err *swarmerr.Error) *swarmerr.Error {
	if ctx.Err() != nil {
		return swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "cancelled: "+err.Error())
	}
	return err
}

// Entry lends a handle over a pending or established connection (spec.md
// §4.4 "entry(ConnId)").
func (m *Manager[In, Out]) Entry(id peer.Conn) Entry[In, Out] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.established[id]; ok {
		return Entry[In, Out]{kind: EntryEstablished, id: id, m: m}
	}
	if _, ok := m.pending[id]; ok {
		return Entry[In, Out]{kind: EntryPending, id: id, m: m}
	}
	return Entry[In, Out]{kind: EntryNone, id: id, m: m}
}

// PollBroadcast atomically broadcasts ev to every established task
// (spec.md §4.4 "poll_broadcast"): it returns false (Pending) without
// delivering to anyone if any task is not ready.
func (m *Manager[In, Out]) PollBroadcast(ev In) bool {
	m.mu.Lock()
	tasks := make([]*conn.Task[In, Out], 0, len(m.established))
	for _, t := range m.established {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	acquired := make([]*conn.Task[In, Out], 0, len(tasks))
	for _, t := range tasks {
		if !t.TryReserve() {
			for _, a := range acquired {
				a.ReleaseReservation()
			}
			return false
		}
		acquired = append(acquired, t)
	}
	for _, t := range acquired {
		t.Commit(ev)
	}
	return true
}

// Poll merges events from every pending and established task into a
// single stream (spec.md §4.4 "poll").
func (m *Manager[In, Out]) Poll(ctx context.Context) (Event[In, Out], bool) {
	select {
	case p := <-m.pendingErrCh:
		return Event[In, Out]{
			Kind:           EvPendingConnectionError,
			ConnID:         p.id,
			Endpoint:       p.endpoint,
			ExpectedPeer:   p.expectedPeer,
			Err:            p.err,
			HandlerFactory: p.factory,
		}, true
	case e := <-m.establishedCh:
		return Event[In, Out]{
			Kind:      EvConnectionEstablished,
			ConnID:    e.id,
			Connected: e.connected,
			Entry:     e.entry,
		}, true
	case c := <-m.customCh:
		return Event[In, Out]{
			Kind:   EvConnectionEvent,
			ConnID: c.ID,
			Entry:  Entry[In, Out]{kind: EntryEstablished, id: c.ID, m: m},
			Custom: c.Event,
		}, true
	case t := <-m.terminateCh:
		m.mu.Lock()
		delete(m.established, t.ID)
		m.mu.Unlock()
		return Event[In, Out]{
			Kind:      EvConnectionError,
			ConnID:    t.ID,
			Connected: t.Connected,
			Err:       t.Err,
		}, true
	case <-ctx.Done():
		return Event[In, Out]{}, false
	}
}
