package conn

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nodecore/swarmcore/handler"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/swarmerr"
	"github.com/nodecore/swarmcore/transport"
)

func nopLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(ioDiscard{})
	return logrus.NewEntry(log)
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }

// fakeMuxer never produces inbound substreams and never errors; it exists
// to let the task's own command/close logic run without a real transport.
type fakeMuxer struct {
	closed chan struct{}
}

func newFakeMuxer() *fakeMuxer { return &fakeMuxer{closed: make(chan struct{})} }

func (f *fakeMuxer) PollInbound(ctx context.Context) (transport.Substream, error) {
	select {
	case <-f.closed:
		return nil, swarmerr.New(swarmerr.KindTransport, swarmerr.ErrIo, "closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeMuxer) OpenOutbound(ctx context.Context) (transport.Substream, error) {
	return nil, swarmerr.New(swarmerr.KindTransport, swarmerr.ErrIo, "not supported by fakeMuxer")
}

func (f *fakeMuxer) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// fakeHandler lets a test script Poll's return value and records every
// injected event.
type fakeHandler struct {
	polls    chan handler.PollResult[string]
	injected chan string
	keepAlive handler.KeepAlive
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		polls:    make(chan handler.PollResult[string], 8),
		injected: make(chan string, 8),
		keepAlive: handler.KeepAlive{Kind: handler.KeepAliveYes},
	}
}

func (h *fakeHandler) ListenProtocol() []string                                    { return []string{"/test/1.0.0"} }
func (h *fakeHandler) InjectFullyNegotiatedInbound(handler.Substream)               {}
func (h *fakeHandler) InjectFullyNegotiatedOutbound(handler.Substream, interface{}) {}
func (h *fakeHandler) InjectEvent(ev string)                                        { h.injected <- ev }
func (h *fakeHandler) InjectDialUpgradeError(interface{}, error)                    {}
func (h *fakeHandler) InjectListenUpgradeError(error)                               {}
func (h *fakeHandler) ConnectionKeepAlive() handler.KeepAlive                       { return h.keepAlive }
func (h *fakeHandler) Poll() handler.PollResult[string] {
	select {
	case p := <-h.polls:
		return p
	default:
		return handler.PollResult[string]{Kind: handler.PollNone}
	}
}

func TestTaskDeliversCommandsOneAtATime(t *testing.T) {
	muxer := newFakeMuxer()
	hdlr := newFakeHandler()
	customCh := make(chan Custom[string], 8)
	terminateCh := make(chan Terminal, 1)

	task := New[string, string](peer.Conn(1), peer.Connected{}, muxer, hdlr, customCh, terminateCh, nopLogger())

	require.True(t, task.TryNotify("hello"))
	require.False(t, task.TryNotify("world")) // slot already reserved until the loop drains it

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-hdlr.injected:
		require.Equal(t, "hello", ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected event")
	}

	require.Eventually(t, func() bool { return task.PeekReady() }, time.Second, time.Millisecond)
	require.True(t, task.TryNotify("world"))

	task.Close()
	cancel()
	<-done
}

func TestTaskCloseProducesAbortedTerminal(t *testing.T) {
	muxer := newFakeMuxer()
	hdlr := newFakeHandler()
	customCh := make(chan Custom[string], 1)
	terminateCh := make(chan Terminal, 1)

	task := New[string, string](peer.Conn(2), peer.Connected{}, muxer, hdlr, customCh, terminateCh, nopLogger())

	go task.Run(context.Background())
	task.Close()

	select {
	case term := <-terminateCh:
		require.Equal(t, peer.Conn(2), term.ID)
		require.Equal(t, swarmerr.KindAborted, term.Err.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
	<-task.Done()
}

func TestTaskHandlerCloseCarriesError(t *testing.T) {
	muxer := newFakeMuxer()
	hdlr := newFakeHandler()
	customCh := make(chan Custom[string], 1)
	terminateCh := make(chan Terminal, 1)

	hdlr.polls <- handler.PollResult[string]{Kind: handler.PollClose, CloseErr: swarmerr.New(swarmerr.KindHandler, swarmerr.ErrHandler, "boom")}

	task := New[string, string](peer.Conn(3), peer.Connected{}, muxer, hdlr, customCh, terminateCh, nopLogger())
	go task.Run(context.Background())

	select {
	case term := <-terminateCh:
		require.Equal(t, swarmerr.KindHandler, term.Err.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}
