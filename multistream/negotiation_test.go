package multistream

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestRoundTripSingleCandidate(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		n   *Negotiated
		err error
	}
	dialCh := make(chan result, 1)
	go func() {
		n, err := SelectOneOf(a, []string{"/ipfs/id/1.0.0"})
		dialCh <- result{n, err}
	}()

	ln, err := ListenerSelectOneOf(b, []string{"/ipfs/id/1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "/ipfs/id/1.0.0", ln.Protocol())
	require.NoError(t, ln.Flush())

	dr := <-dialCh
	require.NoError(t, dr.err)
	require.Equal(t, "/ipfs/id/1.0.0", dr.n.Protocol())

	buf := make([]byte, 4)
	go func() { ln.Write([]byte("ping")); ln.Flush() }()
	n, err := io.ReadFull(dr.n, buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "ping", string(buf))
}

func TestRoundTripMultiCandidate(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		n   *Negotiated
		err error
	}
	dialCh := make(chan result, 1)
	go func() {
		n, err := SelectOneOf(a, []string{"/ipfs/kad/1.0.0", "/ipfs/id/1.0.0"})
		dialCh <- result{n, err}
	}()

	ln, err := ListenerSelectOneOf(b, []string{"/ipfs/id/1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "/ipfs/id/1.0.0", ln.Protocol())

	dr := <-dialCh
	require.NoError(t, dr.err)
	require.Equal(t, "/ipfs/id/1.0.0", dr.n.Protocol())
}

func TestFailedNegotiationNoIntersection(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := SelectOneOf(a, []string{"/foo/1.0.0", "/bar/1.0.0"})
		errCh <- err
	}()

	go func() {
		_, _ = ListenerSelectOneOf(b, []string{"/ipfs/id/1.0.0"})
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for negotiation failure")
	}
}

func TestOptimisticDialerWritesBeforeReading(t *testing.T) {
	a, b := pipe()
	defer a.Close()

	writes := make(chan []byte, 4)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := b.Read(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			writes <- cp
		}
	}()

	done := make(chan struct{})
	go func() {
		_, _ = SelectOneOf(a, []string{"/ipfs/id/1.0.0"})
		close(done)
	}()

	select {
	case <-writes:
	case <-time.After(2 * time.Second):
		t.Fatal("optimistic dialer never wrote header+proposal")
	}
	b.Close()
	<-done
}
