package pool

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nodecore/swarmcore/executor"
	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/manager"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/transport/memory"
	"github.com/nodecore/swarmcore/upgrade"
	"github.com/nodecore/swarmcore/upgrade/noiselike"
	"github.com/nodecore/swarmcore/upgrade/plainmux"
)

func nopLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return logrus.NewEntry(log)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// blockingMuxer never produces an inbound substream and blocks forever on
// open; it exists purely to let a handler-less Pool.Add flow run without a
// real transport.
type blockingMuxer struct{}

func (blockingMuxer) PollInbound(ctx context.Context) (transport.Substream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingMuxer) OpenOutbound(ctx context.Context) (transport.Substream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingMuxer) Close() error { return nil }

type nopHandler struct{ closed chan struct{} }

func newNopHandler() *nopHandler { return &nopHandler{closed: make(chan struct{})} }

func (h *nopHandler) ListenProtocol() []string                                     { return nil }
func (h *nopHandler) InjectFullyNegotiatedInbound(handler.Substream)               {}
func (h *nopHandler) InjectFullyNegotiatedOutbound(handler.Substream, interface{}) {}
func (h *nopHandler) InjectEvent(string)                                          {}
func (h *nopHandler) InjectDialUpgradeError(interface{}, error)                    {}
func (h *nopHandler) InjectListenUpgradeError(error)                               {}
func (h *nopHandler) ConnectionKeepAlive() handler.KeepAlive {
	return handler.KeepAlive{Kind: handler.KeepAliveYes}
}
func (h *nopHandler) Poll() handler.PollResult[string] {
	select {
	case <-h.closed:
		return handler.PollResult[string]{Kind: handler.PollClose}
	default:
		return handler.PollResult[string]{Kind: handler.PollNone}
	}
}

type nopFactory struct{}

func (nopFactory) IntoHandler(interface{}) handler.Handler[string, string] { return newNopHandler() }

func newID(b byte) peer.ID {
	var id peer.ID
	id[len(id)-1] = b
	return id
}

func TestPoolRejectsSelfConnection(t *testing.T) {
	mgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	p := New[string, string](mgr, self, Limits{}, nopLogger())

	_, err := p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: self}, nopFactory{})
	require.NotNil(t, err)
	require.Equal(t, swarmerr.KindInvalidPeerID, err.Kind)
}

func TestPoolRejectsBannedPeer(t *testing.T) {
	mgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	other := newID(2)
	p := New[string, string](mgr, self, Limits{}, nopLogger())

	p.Ban(other)
	_, err := p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: other}, nopFactory{})
	require.NotNil(t, err)
	require.Equal(t, swarmerr.KindPeerBanned, err.Kind)

	p.Unban(other)
	id, err := p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: other}, nopFactory{})
	require.Nil(t, err)
	require.NotZero(t, id)
}

func TestPoolEnforcesMaxEstablishedPerPeer(t *testing.T) {
	mgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	other := newID(2)
	p := New[string, string](mgr, self, Limits{MaxEstablishedPerPeer: 1}, nopLogger())

	_, err := p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: other}, nopFactory{})
	require.Nil(t, err)

	_, err = p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: other}, nopFactory{})
	require.NotNil(t, err)
	require.Equal(t, swarmerr.KindConnectionLimit, err.Kind)
}

func TestPoolEnforcesPendingLimits(t *testing.T) {
	mgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	p := New[string, string](mgr, self, Limits{MaxPendingOutgoing: 1}, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dial := func(ctx context.Context) (transport.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	tower := newTestTower()

	_, err := p.AddOutgoing(ctx, dial, tower, peer.NewDialerEndpoint("/memory/1"), nil, nopFactory{}, nil)
	require.Nil(t, err)

	_, err = p.AddOutgoing(ctx, dial, tower, peer.NewDialerEndpoint("/memory/2"), nil, nopFactory{}, nil)
	require.NotNil(t, err)
	require.Equal(t, swarmerr.KindConnectionLimit, err.Kind)
}

func newTestTower() *upgrade.Tower {
	kp, err := noiselike.GenerateKeypair()
	if err != nil {
		panic(err)
	}
	return upgrade.NewTower(noiselike.New(kp), plainmux.New())
}

// TestPoolOutgoingExpectedPeerMismatchIsRejected drives a real dial over
// the in-memory transport where the remote's authenticated identity does
// not match the expected peer ID, exercising Pool.Poll's mismatch branch
// (spec.md §4.5 "the observed identity must match the expected peer for
// add_outgoing").
func TestPoolOutgoingExpectedPeerMismatchIsRejected(t *testing.T) {
	net := memory.NewNetwork()
	listenerTransport := memory.New(net)
	dialerTransport := memory.New(net)

	const addr transport.Multiaddr = "/memory/mismatch"
	lst, _, err := listenerTransport.ListenOn(addr)
	require.NoError(t, err)
	defer lst.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenerMgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	go func() {
		raw, _, acceptErr := lst.Accept(ctx)
		if acceptErr != nil {
			return
		}
		dial := func(context.Context) (transport.Output, error) { return raw, nil }
		listenerMgr.AddPending(ctx, dial, newTestTower(), upgrade.RoleListener, peer.Endpoint{}, nil, nopFactory{})
	}()

	dialerMgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	wrongExpectation := newID(99) // the real remote ID will never equal this
	p := New[string, string](dialerMgr, self, Limits{}, nopLogger())

	dial := func(ctx context.Context) (transport.Output, error) { return dialerTransport.Dial(ctx, addr) }
	_, poolErr := p.AddOutgoing(ctx, dial, newTestTower(), peer.NewDialerEndpoint(string(addr)), &wrongExpectation, nopFactory{}, nil)
	require.Nil(t, poolErr)

	ev, ok := p.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionError, ev.Kind)
	require.Equal(t, swarmerr.KindInvalidPeerID, ev.Err.Kind)
}

func TestPoolDisconnectClosesEstablishedConnections(t *testing.T) {
	mgr := manager.New[string, string](executor.Goroutine{}, nopLogger())
	self := newID(1)
	other := newID(2)
	p := New[string, string](mgr, self, Limits{}, nopLogger())

	id, err := p.Add(context.Background(), blockingMuxer{}, peer.Connected{Peer: other}, nopFactory{})
	require.Nil(t, err)
	require.Equal(t, 1, p.NumEstablished(other))

	p.Disconnect(other)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := p.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionError, ev.Kind)
	require.Equal(t, id, ev.ConnID)
	require.Equal(t, manager.EntryNone, mgr.Entry(id).Kind())
}
