package manager

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nodecore/swarmcore/executor"
	"github.com/nodecore/swarmcore/handler"
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

// echoHandler is a minimal handler.Handler used to drive the manager
// through a real dial/upgrade/task lifecycle.
type echoHandler struct {
	events chan string
	closed chan struct{}
}

func newEchoHandler() *echoHandler {
	return &echoHandler{events: make(chan string, 8), closed: make(chan struct{}, 1)}
}

func (h *echoHandler) ListenProtocol() []string                                      { return []string{"/echo/1.0.0"} }
func (h *echoHandler) InjectFullyNegotiatedInbound(handler.Substream)                {}
func (h *echoHandler) InjectFullyNegotiatedOutbound(handler.Substream, interface{})  {}
func (h *echoHandler) InjectEvent(ev string)                                         { h.events <- ev }
func (h *echoHandler) InjectDialUpgradeError(interface{}, error)                     {}
func (h *echoHandler) InjectListenUpgradeError(error)                                {}
func (h *echoHandler) ConnectionKeepAlive() handler.KeepAlive {
	return handler.KeepAlive{Kind: handler.KeepAliveYes}
}
func (h *echoHandler) Poll() handler.PollResult[string] {
	select {
	case <-h.closed:
		return handler.PollResult[string]{Kind: handler.PollClose}
	default:
		return handler.PollResult[string]{Kind: handler.PollNone}
	}
}

type echoFactory struct{ built chan *echoHandler }

func (f *echoFactory) IntoHandler(interface{}) handler.Handler[string, string] {
	h := newEchoHandler()
	f.built <- h
	return h
}

func newTower() *upgrade.Tower {
	kp, err := noiselike.GenerateKeypair()
	if err != nil {
		panic(err)
	}
	return upgrade.NewTower(noiselike.New(kp), plainmux.New())
}

func TestManagerEstablishesOutgoingAndIncoming(t *testing.T) {
	net := memory.NewNetwork()
	listenerTransport := memory.New(net)
	dialerTransport := memory.New(net)

	const addr transport.Multiaddr = "/memory/1"
	lst, _, err := listenerTransport.ListenOn(addr)
	require.NoError(t, err)
	defer lst.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &executor.Tracked{}
	dialerMgr := New[string, string](exec, nopLogger())
	listenerMgr := New[string, string](exec, nopLogger())

	dialerFactory := &echoFactory{built: make(chan *echoHandler, 1)}
	listenerFactory := &echoFactory{built: make(chan *echoHandler, 1)}

	go func() {
		raw, remoteAddr, acceptErr := lst.Accept(ctx)
		if acceptErr != nil {
			return
		}
		dial := func(context.Context) (transport.Output, error) { return raw, nil }
		listenerMgr.AddPending(ctx, dial, newTower(), upgrade.RoleListener,
			peer.NewListenerEndpoint(string(addr), string(remoteAddr)), nil, listenerFactory)
	}()

	dial := func(ctx context.Context) (transport.Output, error) { return dialerTransport.Dial(ctx, addr) }
	connID := dialerMgr.AddPending(ctx, dial, newTower(), upgrade.RoleDialer,
		peer.NewDialerEndpoint(string(addr)), nil, dialerFactory)

	ev, ok := dialerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionEstablished, ev.Kind)
	require.Equal(t, connID, ev.ConnID)
	require.Equal(t, EntryEstablished, ev.Entry.Kind())

	ev2, ok := listenerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionEstablished, ev2.Kind)

	select {
	case <-dialerFactory.built:
	case <-time.After(time.Second):
		t.Fatal("dialer handler never constructed")
	}
	select {
	case <-listenerFactory.built:
	case <-time.After(time.Second):
		t.Fatal("listener handler never constructed")
	}

	require.True(t, dialerMgr.PollBroadcast("hello"))

	entry := dialerMgr.Entry(connID)
	require.Equal(t, EntryEstablished, entry.Kind())
	entry.Close()

	closeEv, ok := dialerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionError, closeEv.Kind)
	require.Equal(t, connID, closeEv.ConnID)
}

func TestManagerAbortPendingYieldsAbortedTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &executor.Tracked{}
	mgr := New[string, string](exec, nopLogger())

	blockDial := make(chan struct{})
	dial := func(ctx context.Context) (transport.Output, error) {
		<-blockDial
		return nil, context.Canceled
	}
	factory := &echoFactory{built: make(chan *echoHandler, 1)}

	id := mgr.AddPending(ctx, dial, newTower(), upgrade.RoleDialer, peer.NewDialerEndpoint("/memory/none"), nil, factory)
	entry := mgr.Entry(id)
	require.Equal(t, EntryPending, entry.Kind())
	entry.Abort()
	close(blockDial)

	ev, ok := mgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvPendingConnectionError, ev.Kind)
	require.Equal(t, id, ev.ConnID)
	require.Equal(t, swarmerr.KindAborted, ev.Err.Kind)
}

func TestManagerLeavesNoGoroutineAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	net := memory.NewNetwork()
	listenerTransport := memory.New(net)
	dialerTransport := memory.New(net)

	const addr transport.Multiaddr = "/memory/leaktest"
	lst, _, err := listenerTransport.ListenOn(addr)
	require.NoError(t, err)
	defer lst.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &executor.Tracked{}
	dialerMgr := New[string, string](exec, nopLogger())
	listenerMgr := New[string, string](exec, nopLogger())
	dialerFactory := &echoFactory{built: make(chan *echoHandler, 1)}
	listenerFactory := &echoFactory{built: make(chan *echoHandler, 1)}

	go func() {
		raw, remoteAddr, acceptErr := lst.Accept(ctx)
		if acceptErr != nil {
			return
		}
		dial := func(context.Context) (transport.Output, error) { return raw, nil }
		listenerMgr.AddPending(ctx, dial, newTower(), upgrade.RoleListener,
			peer.NewListenerEndpoint(string(addr), string(remoteAddr)), nil, listenerFactory)
	}()

	dial := func(ctx context.Context) (transport.Output, error) { return dialerTransport.Dial(ctx, addr) }
	connID := dialerMgr.AddPending(ctx, dial, newTower(), upgrade.RoleDialer,
		peer.NewDialerEndpoint(string(addr)), nil, dialerFactory)

	ev, ok := dialerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionEstablished, ev.Kind)

	evListener, ok := listenerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionEstablished, evListener.Kind)

	dialerMgr.Entry(connID).Close()

	closeEv, ok := dialerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionError, closeEv.Kind)

	listenerCloseEv, ok := listenerMgr.Poll(ctx)
	require.True(t, ok)
	require.Equal(t, EvConnectionError, listenerCloseEv.Kind)

	exec.Wait()
}
