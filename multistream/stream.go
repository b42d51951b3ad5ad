package multistream

import "io"

// Stream is the duplex byte stream the negotiator runs over: a raw
// transport substream, or an upgraded connection handed down from the
// upgrade tower (spec.md §4.1).
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Flusher is implemented by a Stream that buffers writes until explicitly
// told to send them — notably a settled *Negotiated handed back by a prior
// upgrade (spec.md §4.1 "Writes may buffer the final selection frame").
// When a negotiation runs over such a stream (the upgrade tower's second,
// multiplexer negotiation running atop the first, authentication one),
// every frame the negotiator itself writes must reach the wire
// immediately rather than sit in that buffer, so flushStream is called
// after every negotiation write.
type Flusher interface {
	Flush() error
}

// flushStream flushes raw if it buffers writes, a no-op otherwise (the
// common case of a genuine raw transport stream).
func flushStream(raw Stream) error {
	if f, ok := raw.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
