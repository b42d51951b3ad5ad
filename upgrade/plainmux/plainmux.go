// Package plainmux is the one concrete multiplexer upgrade shipped with
// the core: it wraps the frame-multiplexed transport/memory.Muxer over
// whatever authenticated stream the tower hands it, the way a real
// implementation would wrap mplex/yamux/QUIC-native streams (spec.md §1,
// §4.2).
package plainmux

import (
	"context"

	"github.com/nodecore/swarmcore/multistream"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/transport/memory"
	"github.com/nodecore/swarmcore/upgrade"
)

// ProtocolID is the multistream protocol name offered for this upgrade.
const ProtocolID = "/plainmux/1.0.0"

// Muxer implements upgrade.Muxer.
type Muxer struct{}

func New() *Muxer { return &Muxer{} }

func (m *Muxer) Protocols() []string { return []string{ProtocolID} }

func (m *Muxer) Upgrade(ctx context.Context, stream *multistream.Negotiated, role upgrade.Role) (transport.StreamMuxer, error) {
	if err := stream.Flush(); err != nil {
		return nil, err
	}
	return memory.NewMuxer(stream, role == upgrade.RoleDialer), nil
}
