package multistream

import (
	"bufio"
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

// Negotiated is the stream handed to the application once a protocol has
// settled. It does not necessarily mean every negotiation frame has been
// sent or received yet: an optimistic dialer settles before the remote's
// header is seen, and a listener may still owe the final acceptance frame.
// Writes buffer the outstanding negotiation frames and coalesce them with
// the first application write; Close flushes them first (spec.md §4.1
// "Negotiated stream contract").
type Negotiated struct {
	mu       sync.Mutex
	raw      Stream
	br       *bufio.Reader
	pending  bytes.Buffer // negotiation frames not yet flushed to raw
	settled  bool         // true once remote confirmation has been observed
	confirm  func() error // blocks until settled == true; nil once settled
	closed   bool
	protocol string
}

// Read blocks until the selected protocol has been confirmed by the remote
// (dialer side) before returning any data, matching the "would block until
// confirmation" rule of spec.md §4.1. On the listener side confirm is
// always nil: the listener never reads before it has already observed the
// proposal that it is echoing.
func (n *Negotiated) Read(p []byte) (int, error) {
	n.mu.Lock()
	confirm := n.confirm
	n.mu.Unlock()
	if confirm != nil {
		if err := confirm(); err != nil {
			return 0, err
		}
	}
	return n.br.Read(p)
}

// Write buffers into the pending negotiation frames, so that a single
// Flush (or Close) emits both the final negotiation frame and the first
// bytes of application data together. Read does not flush them.
func (n *Negotiated) Write(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, errors.New("multistream: write on closed stream")
	}
	return n.pending.Write(p)
}

// Flush sends any buffered negotiation and application data to the
// underlying stream.
func (n *Negotiated) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushLocked()
}

func (n *Negotiated) flushLocked() error {
	if n.pending.Len() > 0 {
		buf := n.pending.Bytes()
		if _, err := n.raw.Write(buf); err != nil {
			return errors.Wrap(err, "multistream: flush")
		}
		n.pending.Reset()
	}
	// n.raw may itself be a settled Negotiated from an earlier upgrade
	// (the upgrade tower's multiplexer negotiation runs over the
	// authentication negotiation's output) — cascade the flush so the
	// bytes just written above don't sit in that outer buffer forever.
	return flushStream(n.raw)
}

// Close flushes any unsent negotiation frames before closing the
// underlying stream (spec.md §4.1 "A terminal close must first flush").
func (n *Negotiated) Close() error {
	n.mu.Lock()
	_ = n.flushLocked()
	n.closed = true
	n.mu.Unlock()
	return n.raw.Close()
}

// Protocol returns the agreed protocol name.
func (n *Negotiated) Protocol() string {
	return n.protocol
}
