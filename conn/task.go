// Package conn implements the connection task of spec.md §4.3: it owns a
// single established connection's muxer and application handler, moving
// substreams and commands until the handler asks to close, the muxer
// fails, or a keep-alive deadline elapses.
package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/multistream"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
)

// Terminal is the one event a Task ever emits when it exits (I3 of
// spec.md §3: "Closing a task always produces exactly one terminal
// upward event").
type Terminal struct {
	ID        peer.Conn
	Connected peer.Connected
	Err       *swarmerr.Error
}

// Custom is an OutEvent forwarded upward from the handler's Poll.
type Custom[Out any] struct {
	ID    peer.Conn
	Event Out
}

// Task drives one established connection. It is generic over the same
// InEvent/OutEvent pair as the handler it hosts (spec.md §9: "the pool's
// event/command types must be parametric in the handler's input/output
// types only").
type Task[In, Out any] struct {
	ID        peer.Conn
	Connected peer.Connected

	log   *logrus.Entry
	muxer transport.StreamMuxer
	hdlr  handler.Handler[In, Out]

	cmds chan In
	slot int32 // 0 = free, 1 = reserved; CAS-guarded (see TryNotify)

	customCh  chan<- Custom[Out]
	terminate chan<- Terminal

	closeRequested chan struct{}
	closeOnce      sync.Once
	done           chan struct{}
}

// New builds a Task ready to Run. customCh and terminate are the shared,
// manager-owned channels every task's events are multiplexed onto.
func New[In, Out any](
	id peer.Conn,
	connected peer.Connected,
	muxer transport.StreamMuxer,
	hdlr handler.Handler[In, Out],
	customCh chan<- Custom[Out],
	terminate chan<- Terminal,
	log *logrus.Entry,
) *Task[In, Out] {
	return &Task[In, Out]{
		ID:             id,
		Connected:      connected,
		log:            log.WithField("conn_id", id).WithField("peer_id", connected.Peer.String()),
		muxer:          muxer,
		hdlr:           hdlr,
		cmds:           make(chan In, 1),
		customCh:       customCh,
		terminate:      terminate,
		closeRequested: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// TryNotify attempts to deliver ev without blocking, atomically reserving
// the task's single command slot first (spec.md §4.3 step 1: "If the task
// cannot accept a new command it reports not ready"). It never partially
// commits: either the slot was free and ev is now queued, or nothing
// happened.
func (t *Task[In, Out]) TryNotify(ev In) bool {
	if !t.TryReserve() {
		return false
	}
	t.Commit(ev)
	return true
}

// TryReserve atomically claims the task's single command slot without
// sending anything yet. Used by a multi-task atomic broadcast (see
// manager.Manager.PollBroadcast) that must reserve every target before
// committing any send.
func (t *Task[In, Out]) TryReserve() bool {
	return atomic.CompareAndSwapInt32(&t.slot, 0, 1)
}

// Commit sends ev into a previously-reserved slot. It never blocks: the
// channel has capacity 1 and the caller already holds the only reservation.
func (t *Task[In, Out]) Commit(ev In) {
	select {
	case t.cmds <- ev:
	default:
		// cap(t.cmds) == 1 and the slot was reserved by this caller, so
		// this cannot happen; guard rather than block forever.
		atomic.StoreInt32(&t.slot, 0)
	}
}

// ReleaseReservation releases a slot reserved via TryReserve without
// sending, used to unwind a multi-task broadcast that failed to reserve
// every target.
func (t *Task[In, Out]) ReleaseReservation() {
	atomic.StoreInt32(&t.slot, 0)
}

// PeekReady is a non-reserving, advisory readiness check: it does not
// prevent a subsequent TryNotify from losing a race against another
// caller or the task's own loop.
func (t *Task[In, Out]) PeekReady() bool {
	return atomic.LoadInt32(&t.slot) == 0
}

// releaseSlot is called from the task's own loop once it has pulled a
// command off cmds, making the slot available to the next TryNotify.
func (t *Task[In, Out]) releaseSlot() {
	atomic.StoreInt32(&t.slot, 0)
}

// Close requests a graceful shutdown (locally initiated close).
func (t *Task[In, Out]) Close() {
	t.closeOnce.Do(func() { close(t.closeRequested) })
}

// Done is closed once the task has emitted its terminal event and exited.
func (t *Task[In, Out]) Done() <-chan struct{} {
	return t.done
}

// Run drives the task to completion. It must be called exactly once, on
// its own goroutine (or executor-scheduled actor); Run blocks until the
// connection terminates.
func (t *Task[In, Out]) Run(ctx context.Context) {
	defer close(t.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan transport.Substream)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			s, err := t.muxer.PollInbound(ctx)
			if err != nil {
				inboundErr <- err
				return
			}
			select {
			case inbound <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	var keepAliveTimer *time.Timer
	var keepAliveCh <-chan time.Time

	terminal := t.loop(ctx, inbound, inboundErr, &keepAliveTimer, &keepAliveCh)
	if keepAliveTimer != nil {
		keepAliveTimer.Stop()
	}
	_ = t.muxer.Close()

	select {
	case t.terminate <- terminal:
	case <-ctx.Done():
	}
}

func (t *Task[In, Out]) loop(
	ctx context.Context,
	inbound <-chan transport.Substream,
	inboundErr <-chan error,
	keepAliveTimer **time.Timer,
	keepAliveCh *<-chan time.Time,
) Terminal {
	for {
		poll := t.hdlr.Poll()
		switch poll.Kind {
		case handler.PollCustom:
			select {
			case t.customCh <- Custom[Out]{ID: t.ID, Event: poll.Custom}:
			case <-ctx.Done():
				return t.terminalFor(swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "context cancelled"))
			}
			continue
		case handler.PollOutboundRequest:
			t.openOutbound(ctx, poll.OutboundProto, poll.OutboundInfo)
			continue
		case handler.PollClose:
			return t.terminalFor(closeErr(poll.CloseErr))
		}

		t.rearmKeepAlive(keepAliveTimer, keepAliveCh)

		select {
		case s := <-inbound:
			t.acceptInbound(ctx, s)
		case err := <-inboundErr:
			return t.terminalFor(swarmerr.New(swarmerr.KindTransport, swarmerr.ErrIo, err.Error()))
		case ev := <-t.cmds:
			t.hdlr.InjectEvent(ev)
			t.releaseSlot()
		case <-t.closeRequested:
			return t.terminalFor(swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "locally initiated close"))
		case <-(*keepAliveCh):
			return t.terminalFor(swarmerr.New(swarmerr.KindKeepAliveTimeout, swarmerr.ErrKeepAliveTimeout, "idle keep-alive deadline elapsed"))
		case <-ctx.Done():
			return t.terminalFor(swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "context cancelled"))
		}
	}
}

func closeErr(err error) *swarmerr.Error {
	if err == nil {
		return swarmerr.New(swarmerr.KindAborted, swarmerr.ErrAborted, "handler requested close")
	}
	return swarmerr.New(swarmerr.KindHandler, swarmerr.ErrHandler, err.Error())
}

func (t *Task[In, Out]) terminalFor(err *swarmerr.Error) Terminal {
	return Terminal{ID: t.ID, Connected: t.Connected, Err: err}
}

// rearmKeepAlive honours the handler's current KeepAlive preference
// (spec.md §4.3 step 5): Yes keeps the task alive indefinitely, No arms an
// immediate-expiry timer, Until(t) arms a timer for that deadline.
func (t *Task[In, Out]) rearmKeepAlive(timer **time.Timer, ch *<-chan time.Time) {
	ka := t.hdlr.ConnectionKeepAlive()
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
		*ch = nil
	}
	switch ka.Kind {
	case handler.KeepAliveYes:
		return
	case handler.KeepAliveNo:
		*timer = time.NewTimer(0)
	case handler.KeepAliveUntil:
		d := time.Until(ka.At)
		if d < 0 {
			d = 0
		}
		*timer = time.NewTimer(d)
	}
	*ch = (*timer).C
}

// acceptInbound runs the inbound multistream negotiation (spec.md §4.3
// step 2) before handing the settled substream to the handler.
func (t *Task[In, Out]) acceptInbound(ctx context.Context, s transport.Substream) {
	negotiated, err := multistream.ListenerSelectOneOf(s, t.hdlr.ListenProtocol())
	if err != nil {
		t.hdlr.InjectListenUpgradeError(err)
		_ = s.Close()
		return
	}
	t.hdlr.InjectFullyNegotiatedInbound(negotiated)
}

// openOutbound opens a new muxer substream and negotiates proto on it
// (spec.md §4.3 step 4: "OutboundSubstreamRequest(protocol) -> a new
// multistream negotiation on a new outbound substream").
func (t *Task[In, Out]) openOutbound(ctx context.Context, proto string, info interface{}) {
	s, err := t.muxer.OpenOutbound(ctx)
	if err != nil {
		t.hdlr.InjectDialUpgradeError(info, err)
		return
	}
	negotiated, err := multistream.SelectOneOf(s, []string{proto})
	if err != nil {
		_ = s.Close()
		t.hdlr.InjectDialUpgradeError(info, err)
		return
	}
	t.hdlr.InjectFullyNegotiatedOutbound(negotiated, info)
}
