// Package memory implements the in-process Transport and StreamMuxer used
// by tests and the end-to-end scenarios of spec.md §8 (literal addresses
// such as "/memory/42"). It is the one concrete transport the core ships
// with; everything else (TCP, QUIC, TLS/Noise) is external per spec.md §1.
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/nodecore/swarmcore/transport"
)

// Network is a shared in-process registry of listening addresses, the way
// multiple memory-transport instances need a common rendezvous point to
// dial one another.
type Network struct {
	mu        sync.Mutex
	listeners map[transport.Multiaddr]*listener
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[transport.Multiaddr]*listener)}
}

// Transport is a memory.Network-backed transport.Transport.
type Transport struct {
	net *Network
}

func New(net *Network) *Transport {
	return &Transport{net: net}
}

func (t *Transport) CanDial(addr transport.Multiaddr) bool {
	return addr.Scheme() == "memory"
}

func (t *Transport) ListenOn(addr transport.Multiaddr) (transport.Listener, transport.Multiaddr, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, exists := t.net.listeners[addr]; exists {
		return nil, "", errors.Errorf("memory: address %s already in use", addr)
	}
	l := &listener{addr: addr, net: t.net, conns: make(chan net.Conn, 16), closed: make(chan struct{})}
	t.net.listeners[addr] = l
	return l, addr, nil
}

func (t *Transport) Dial(ctx context.Context, addr transport.Multiaddr) (transport.Output, error) {
	t.net.mu.Lock()
	l, ok := t.net.listeners[addr]
	t.net.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("memory: no listener on %s", addr)
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
	case <-l.closed:
		return nil, errors.Errorf("memory: listener on %s closed", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

func (t *Transport) AddressTranslation(listenAddr, observedAddr transport.Multiaddr) (transport.Multiaddr, bool) {
	// Memory addresses are process-local; there is nothing to translate.
	return "", false
}

type listener struct {
	addr   transport.Multiaddr
	net    *Network
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *listener) Accept(ctx context.Context) (transport.Output, transport.Multiaddr, error) {
	select {
	case c := <-l.conns:
		return c, transport.Multiaddr(fmt.Sprintf("/memory/peer/%p", c)), nil
	case <-l.closed:
		return nil, "", errors.New("memory: listener closed")
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
	})
	return nil
}

func (l *listener) Addr() transport.Multiaddr {
	return l.addr
}
