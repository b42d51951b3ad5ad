// Package noiselike is the one concrete authentication upgrade shipped
// with the core, used by tests and cmd/swarmd to exercise the upgrade
// tower end-to-end without pulling in a full external Noise or TLS
// implementation (spec.md §1 treats the real thing as an external
// collaborator). It runs a single-round-trip static X25519 key exchange,
// confirmed with a ChaCha20-Poly1305 AEAD tag, and derives the remote
// peer.ID from its static public key the way a real Noise XX/IK handshake
// would derive identity from the authenticated static key.
package noiselike

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/nodecore/swarmcore/multistream"
	"github.com/nodecore/swarmcore/peer"
	"github.com/nodecore/swarmcore/transport"
	"github.com/nodecore/swarmcore/upgrade"
)

// ProtocolID is the multistream protocol name offered for this upgrade.
const ProtocolID = "/noiselike/1.0.0"

var confirmPlaintext = []byte("noiselike-confirm")

// Keypair is a static X25519 identity key.
type Keypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeypair creates a fresh static keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, errors.Wrap(err, "noiselike: generate private key")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, errors.Wrap(err, "noiselike: derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Authenticator implements upgrade.Authenticator.
type Authenticator struct {
	Static Keypair
}

func New(static Keypair) *Authenticator {
	return &Authenticator{Static: static}
}

func (a *Authenticator) Protocols() []string { return []string{ProtocolID} }

func (a *Authenticator) Upgrade(ctx context.Context, stream *multistream.Negotiated, role upgrade.Role) (peer.ID, transport.Output, error) {
	if err := writeFrame(stream, a.Static.Public[:]); err != nil {
		return peer.ID{}, nil, err
	}
	if err := stream.Flush(); err != nil {
		return peer.ID{}, nil, errors.Wrap(err, "noiselike: flush static key")
	}
	remotePub, err := readFrame(stream)
	if err != nil {
		return peer.ID{}, nil, err
	}
	if len(remotePub) != 32 {
		return peer.ID{}, nil, errors.New("noiselike: malformed remote static key")
	}

	shared, err := curve25519.X25519(a.Static.Private[:], remotePub)
	if err != nil {
		return peer.ID{}, nil, errors.Wrap(err, "noiselike: compute shared secret")
	}
	key := blake2b.Sum256(shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return peer.ID{}, nil, errors.Wrap(err, "noiselike: init aead")
	}

	if err := confirmHandshake(stream, aead, role); err != nil {
		return peer.ID{}, nil, err
	}

	sum := blake2b.Sum256(remotePub)
	remoteID := peer.Bytes2ID(sum[:])
	return remoteID, stream, nil
}

// confirmHandshake has the dialer send an encrypted confirmation and the
// listener verify it, then reply in kind; this authenticates that both
// sides derived the same shared secret, at the cost of one more round trip.
func confirmHandshake(stream *multistream.Negotiated, aead cipher.AEAD, role upgrade.Role) error {
	// Both directions share one key, so each direction uses its own fixed
	// nonce (one message per direction): the listener's reply can never be
	// a replay of the dialer's ciphertext.
	var dialerNonce, listenerNonce [12]byte
	listenerNonce[0] = 1
	sendNonce, recvNonce := dialerNonce, listenerNonce
	if role != upgrade.RoleDialer {
		sendNonce, recvNonce = listenerNonce, dialerNonce
	}

	send := func() error {
		ct := aead.Seal(nil, sendNonce[:], confirmPlaintext, nil)
		return writeFrame(stream, ct)
	}
	recv := func() error {
		ct, err := readFrame(stream)
		if err != nil {
			return err
		}
		pt, err := aead.Open(nil, recvNonce[:], ct, nil)
		if err != nil {
			return errors.Wrap(err, "noiselike: confirmation failed, shared secret mismatch")
		}
		if string(pt) != string(confirmPlaintext) {
			return errors.New("noiselike: unexpected confirmation payload")
		}
		return nil
	}

	if role == upgrade.RoleDialer {
		if err := send(); err != nil {
			return err
		}
		if err := stream.Flush(); err != nil {
			return errors.Wrap(err, "noiselike: flush confirmation")
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	if err := send(); err != nil {
		return err
	}
	return errors.Wrap(stream.Flush(), "noiselike: flush confirmation")
}

func writeFrame(w io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return errors.Wrap(err, "noiselike: write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "noiselike: write frame payload")
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, errors.Wrap(err, "noiselike: read frame length")
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > 4096 {
		return nil, errors.New("noiselike: oversize frame")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "noiselike: read frame payload")
	}
	return buf, nil
}
