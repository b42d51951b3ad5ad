// Package multistream implements the length-prefixed framed protocol
// negotiation described in spec.md §4.1 and §6.5: each side advertises a
// header, then the dialer proposes protocol names one at a time (or
// optimistically settles on a single name) until the listener echoes one it
// supports or both run out of options.
package multistream

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Header is the multistream version marker every session starts with.
const Header = "/multistream/1.0.0"

const (
	tokenNotAvailable = "na"
	tokenListRequest  = "ls"
)

// messageKind distinguishes the payload carried by a frame, mirroring
// spec.md §4.1's Header/Protocol/NotAvailable/ListRequest union.
type messageKind int

const (
	kindHeader messageKind = iota
	kindProtocol
	kindNotAvailable
	kindListRequest
)

type message struct {
	kind  messageKind
	proto string // valid for kindHeader and kindProtocol
}

func headerMessage() message          { return message{kind: kindHeader, proto: Header} }
func protocolMessage(p string) message { return message{kind: kindProtocol, proto: p} }
func notAvailableMessage() message    { return message{kind: kindNotAvailable} }
func listRequestMessage() message     { return message{kind: kindListRequest} }

// encode renders m as the payload bytes of a frame (without the length
// prefix). Protocol and header payloads are newline-terminated textual
// names; control payloads are the bare "na"/"ls" tokens (spec.md §6.5).
func (m message) encode() []byte {
	switch m.kind {
	case kindNotAvailable:
		return []byte(tokenNotAvailable)
	case kindListRequest:
		return []byte(tokenListRequest)
	default:
		return append([]byte(m.proto), '\n')
	}
}

// decodeMessage classifies a raw frame payload.
func decodeMessage(payload []byte) (message, error) {
	if len(payload) == 0 {
		return message{}, errors.Wrap(ErrProtocol, "empty frame")
	}
	if string(payload) == tokenNotAvailable {
		return notAvailableMessage(), nil
	}
	if string(payload) == tokenListRequest {
		return listRequestMessage(), nil
	}
	if payload[len(payload)-1] != '\n' {
		return message{}, errors.Wrap(ErrProtocol, "textual frame missing newline terminator")
	}
	name := string(payload[:len(payload)-1])
	if name == Header {
		return headerMessage(), nil
	}
	return protocolMessage(name), nil
}

// maxFrameSize bounds the length prefix to defend against a peer claiming an
// absurd payload size (spec.md §4.1 "oversize message").
const maxFrameSize = 64 * 1024

// writeFrame writes a single uvarint(length) || payload frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	return nil
}

// readFrame reads a single uvarint(length) || payload frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(ErrProtocol, "eof before length prefix")
		}
		return nil, errors.Wrap(ErrProtocol, "malformed length prefix")
	}
	if length > maxFrameSize {
		return nil, errors.Wrap(ErrProtocol, "oversize frame")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(ErrProtocol, "eof before payload")
	}
	return payload, nil
}
