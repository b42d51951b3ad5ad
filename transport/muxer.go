package transport

import (
	"context"
	"io"
)

// Substream is a bidirectional, ordered, reliable, independently
// flow-controlled channel inside a connection (spec.md §6.2, GLOSSARY).
type Substream interface {
	io.ReadWriteCloser
	// Protocol is set once a multistream negotiation has settled on it.
	Protocol() string
}

// StreamMuxer is the capability consumed by the connection task to move
// substreams; the choice of concrete multiplexer (mplex/yamux/QUIC-native)
// is external to the core (spec.md §1, §6.2).
type StreamMuxer interface {
	// PollInbound blocks until a remote-opened substream is available.
	PollInbound(ctx context.Context) (Substream, error)
	// OpenOutbound opens a new locally-initiated substream.
	OpenOutbound(ctx context.Context) (Substream, error)
	// Close gracefully shuts down the muxer and all its substreams.
	Close() error
}
