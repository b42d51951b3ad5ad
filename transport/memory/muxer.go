package memory

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nodecore/swarmcore/transport"
)

// Muxer is a minimal frame-multiplexed transport.StreamMuxer over a single
// net.Conn-like transport.Output, standing in for the external mplex/yamux
// implementations the real core depends on (spec.md §1, §6.2). Each frame
// is [1-byte kind][4-byte stream id][4-byte length][payload]; kinds are
// open/data/close. It is deliberately small: the core only needs a
// StreamMuxer capability to exercise, not a production multiplexer.
type Muxer struct {
	conn   transport.Output
	nextID uint32
	odd    bool // outbound ids are odd on the dialer, even on the listener

	mu      sync.Mutex
	streams map[uint32]*muxStream
	inbound chan *muxStream
	closed  chan struct{}
	closeMu sync.Once
	readErr error
}

const (
	frameOpen byte = iota
	frameData
	frameClose
)

// NewMuxer wraps conn. isDialer picks the outbound id parity so both sides
// never collide on a stream id without needing a handshake.
func NewMuxer(conn transport.Output, isDialer bool) *Muxer {
	m := &Muxer{
		conn:    conn,
		streams: make(map[uint32]*muxStream),
		inbound: make(chan *muxStream, 16),
		closed:  make(chan struct{}),
	}
	m.odd = isDialer
	go m.readLoop()
	return m
}

func (m *Muxer) PollInbound(ctx context.Context) (transport.Substream, error) {
	select {
	case s := <-m.inbound:
		return s, nil
	case <-m.closed:
		return nil, m.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Muxer) OpenOutbound(ctx context.Context) (transport.Substream, error) {
	id := atomic.AddUint32(&m.nextID, 1)*2 - 1
	if !m.odd {
		id++
	}
	s := newMuxStream(m, id)
	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()
	if err := m.writeFrame(frameOpen, id, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Muxer) Close() error {
	m.closeMu.Do(func() {
		close(m.closed)
		m.conn.Close()
	})
	return nil
}

func (m *Muxer) terminalError() error {
	if m.readErr != nil {
		return m.readErr
	}
	return errors.New("memory: muxer closed")
}

// flusher is implemented by a transport.Output that only buffers writes
// until told to send them — the settled multistream.Negotiated the
// multiplexer upgrade hands back. writeFrame flushes through it so every
// open/data/close frame reaches the wire immediately instead of sitting in
// that buffer.
type flusher interface{ Flush() error }

func (m *Muxer) writeFrame(kind byte, id uint32, payload []byte) error {
	hdr := make([]byte, 9)
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:5], id)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := m.conn.Write(hdr); err != nil {
		return errors.Wrap(err, "memory muxer: write header")
	}
	if len(payload) > 0 {
		if _, err := m.conn.Write(payload); err != nil {
			return errors.Wrap(err, "memory muxer: write payload")
		}
	}
	if f, ok := m.conn.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "memory muxer: flush")
		}
	}
	return nil
}

func (m *Muxer) readLoop() {
	hdr := make([]byte, 9)
	for {
		if _, err := io.ReadFull(m.conn, hdr); err != nil {
			m.failAll(err)
			return
		}
		kind := hdr[0]
		id := binary.BigEndian.Uint32(hdr[1:5])
		length := binary.BigEndian.Uint32(hdr[5:9])
		var payload []byte
		if length > 0 {
			payload = make([]byte, length)
			if _, err := io.ReadFull(m.conn, payload); err != nil {
				m.failAll(err)
				return
			}
		}
		switch kind {
		case frameOpen:
			s := newMuxStream(m, id)
			m.mu.Lock()
			m.streams[id] = s
			m.mu.Unlock()
			select {
			case m.inbound <- s:
			case <-m.closed:
				return
			}
		case frameData:
			m.mu.Lock()
			s := m.streams[id]
			m.mu.Unlock()
			if s != nil {
				s.deliver(payload)
			}
		case frameClose:
			m.mu.Lock()
			s := m.streams[id]
			delete(m.streams, id)
			m.mu.Unlock()
			if s != nil {
				s.deliverEOF()
			}
		}
	}
}

func (m *Muxer) failAll(err error) {
	m.mu.Lock()
	m.readErr = err
	streams := m.streams
	m.streams = nil
	m.mu.Unlock()
	for _, s := range streams {
		s.deliverEOF()
	}
	m.closeMu.Do(func() { close(m.closed) })
}

type muxStream struct {
	m    *Muxer
	id   uint32
	proto string

	mu     sync.Mutex
	buf    []byte
	eof    bool
	notify chan struct{}
}

func newMuxStream(m *Muxer, id uint32) *muxStream {
	return &muxStream{m: m, id: id, notify: make(chan struct{}, 1)}
}

func (s *muxStream) deliver(b []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, b...)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *muxStream) deliverEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *muxStream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.eof {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()
		<-s.notify
	}
}

func (s *muxStream) Write(p []byte) (int, error) {
	if err := s.m.writeFrame(frameData, s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *muxStream) Close() error {
	return s.m.writeFrame(frameClose, s.id, nil)
}

func (s *muxStream) Protocol() string {
	return s.proto
}

// SetProtocol records the protocol name once multistream has settled on one
// for this substream.
func (s *muxStream) SetProtocol(p string) {
	s.proto = p
}
