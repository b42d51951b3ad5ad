package multistream

import (
	"bufio"
	"bytes"

	"github.com/pkg/errors"
)

// ListenerSelectOneOf runs the listener side of negotiation (spec.md §4.1 "Listener
// algorithm"): it waits for proposals, echoing the first one found in
// supported, rejecting the rest with "not available". The final acceptance
// frame is buffered on the returned stream rather than flushed immediately,
// so it can coalesce with the first application write.
func ListenerSelectOneOf(raw Stream, supported []string) (*Negotiated, error) {
	if err := writeBatch(raw, headerMessage()); err != nil {
		return nil, err
	}
	br := bufio.NewReader(raw)
	set := make(map[string]bool, len(supported))
	for _, p := range supported {
		set[p] = true
	}

	for {
		msg, err := nextNonHeader(br)
		if err != nil {
			return nil, err
		}
		switch msg.kind {
		case kindProtocol:
			if !set[msg.proto] {
				if err := writeBatch(raw, notAvailableMessage()); err != nil {
					return nil, err
				}
				continue
			}
			n := &Negotiated{raw: raw, br: br, protocol: msg.proto, settled: true}
			var pending bytes.Buffer
			if err := writeFrame(&pending, protocolMessage(msg.proto).encode()); err != nil {
				return nil, err
			}
			n.pending = pending
			return n, nil
		case kindListRequest:
			// The core does not expose a protocol catalogue query surface
			// (spec.md §1 scope); treat a list request as an unsupported
			// proposal rather than enumerating names.
			if err := writeBatch(raw, notAvailableMessage()); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, errors.Wrapf(ErrProtocol, "unexpected message kind %d from dialer", msg.kind)
		}
	}
}
