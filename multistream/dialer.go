package multistream

import (
	"bufio"
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

// SelectOneOf runs the dialer side of negotiation (spec.md §4.1 "Dialer
// algorithm"): protocols is tried in order until the listener echoes one or
// the list is exhausted. When protocols has exactly one entry, the dialer
// optimistically settles on it without waiting for the remote's header,
// handing back a stream the caller may start writing to immediately; the
// stream still blocks reads until the remote's confirmation is observed.
func SelectOneOf(raw Stream, protocols []string) (*Negotiated, error) {
	if len(protocols) == 0 {
		return nil, errors.Wrap(ErrFailed, "no candidate protocols")
	}
	if len(protocols) == 1 {
		return dialOptimistic(raw, protocols[0])
	}
	return dialSequential(raw, protocols)
}

// dialOptimistic implements the single-candidate optimistic path: the
// header and the sole proposal are written as one outbound batch before any
// remote input is observed (spec.md §4.1, and the "exactly one payload
// write before reading any frame" property of spec.md §8).
func dialOptimistic(raw Stream, proto string) (*Negotiated, error) {
	if err := writeBatch(raw, headerMessage(), protocolMessage(proto)); err != nil {
		return nil, err
	}
	br := bufio.NewReader(raw)

	var once sync.Once
	var confirmErr error
	n := &Negotiated{raw: raw, br: br, protocol: proto}
	n.confirm = func() error {
		once.Do(func() {
			confirmErr = awaitEcho(br, proto)
			if confirmErr == nil {
				n.mu.Lock()
				n.settled = true
				n.confirm = nil
				n.mu.Unlock()
			}
		})
		return confirmErr
	}
	return n, nil
}

// dialSequential implements the multi-candidate path: one proposal at a
// time, waiting for an echo or a "not available" reply before advancing.
func dialSequential(raw Stream, protocols []string) (*Negotiated, error) {
	if err := writeBatch(raw, headerMessage()); err != nil {
		return nil, err
	}
	br := bufio.NewReader(raw)

	for _, proto := range protocols {
		if err := writeBatch(raw, protocolMessage(proto)); err != nil {
			return nil, err
		}
		reply, err := nextNonHeader(br)
		if err != nil {
			return nil, err
		}
		switch reply.kind {
		case kindProtocol:
			if reply.proto != proto {
				return nil, errors.Wrapf(ErrProtocol, "echoed %q for proposal %q", reply.proto, proto)
			}
			return &Negotiated{raw: raw, br: br, protocol: proto, settled: true}, nil
		case kindNotAvailable:
			continue
		default:
			return nil, errors.Wrapf(ErrProtocol, "unexpected reply kind %d", reply.kind)
		}
	}
	return nil, errors.Wrapf(ErrFailed, "exhausted %d candidates", len(protocols))
}

// awaitEcho blocks until the remote confirms proto (or rejects it, or the
// stream fails), used by the optimistic dialer's Read path.
func awaitEcho(br *bufio.Reader, proto string) error {
	msg, err := nextNonHeader(br)
	if err != nil {
		return err
	}
	switch msg.kind {
	case kindProtocol:
		if msg.proto != proto {
			return errors.Wrapf(ErrProtocol, "echoed %q for optimistic proposal %q", msg.proto, proto)
		}
		return nil
	case kindNotAvailable:
		return errors.Wrapf(ErrFailed, "remote rejected optimistic proposal %q", proto)
	default:
		return errors.Wrapf(ErrProtocol, "unexpected reply kind %d", msg.kind)
	}
}

// writeBatch writes one or more messages as a single underlying write,
// matching the "emits the header and the proposal" wording (one payload
// write, not two separate syscalls the remote could observe split apart).
func writeBatch(raw Stream, msgs ...message) error {
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := writeFrame(&buf, m.encode()); err != nil {
			return err
		}
	}
	if _, err := raw.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "multistream: write")
	}
	if err := flushStream(raw); err != nil {
		return errors.Wrap(err, "multistream: flush")
	}
	return nil
}

// nextNonHeader reads frames until a non-header message is found, tolerating
// a header frame arriving out of order relative to the first proposal
// (spec.md §4.1: "Both sides must accept header frames out of order before
// the first proposal").
func nextNonHeader(br *bufio.Reader) (message, error) {
	for {
		f, err := readFrame(br)
		if err != nil {
			return message{}, err
		}
		msg, err := decodeMessage(f)
		if err != nil {
			return message{}, err
		}
		if msg.kind == kindHeader {
			continue
		}
		return msg, nil
	}
}
