package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/pg9182/tunneld/pkg/wire"
)

// Client runs the dialing side of the handshake state machine over rw
// (ordinarily a freshly-dialed control TCP socket), proving knowledge of
// secret and requesting externalPort with the given protocolVersion.
func Client(rw io.ReadWriter, secret []byte, externalPort uint16, protocolVersion uint16) error {
	hdrbuf := make([]byte, wire.HeaderSize)

	kf, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return wrapClient(AwaitKey, fmt.Errorf("read key: %w", err))
	}
	if kf.Type != wire.Key {
		return wrapClient(AwaitKey, fmt.Errorf("%w: got %s", ErrUnexpectedFrame, kf.Type))
	}
	pub, err := decodeKey(kf.Payload)
	if err != nil {
		return wrapClient(AwaitKey, fmt.Errorf("decode key: %w", err))
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		return wrapClient(AwaitKey, fmt.Errorf("encrypt secret: %w", err))
	}
	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Verify, Payload: ciphertext}, hdrbuf); err != nil {
		return wrapClient(AwaitKey, fmt.Errorf("send verify: %w", err))
	}

	af, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return wrapClient(AwaitVerifyAck, fmt.Errorf("read ack: %w", err))
	}
	if af.Type != wire.Acknowledge {
		return wrapClient(AwaitVerifyAck, fmt.Errorf("%w: got %s", ErrUnexpectedFrame, af.Type))
	}

	cfgPayload := []byte{
		byte(externalPort >> 8), byte(externalPort),
		byte(protocolVersion >> 8), byte(protocolVersion),
	}
	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Config, Payload: cfgPayload}, hdrbuf); err != nil {
		return wrapClient(AwaitVerifyAck, fmt.Errorf("send config: %w", err))
	}

	caf, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return wrapClient(AwaitConfigAck, fmt.Errorf("read config ack: %w", err))
	}
	if caf.Type != wire.Acknowledge {
		return wrapClient(AwaitConfigAck, fmt.Errorf("%w: got %s (port rejected or protocol mismatch)", ErrUnexpectedFrame, caf.Type))
	}

	return nil
}

func decodeKey(payload []byte) (*rsa.PublicKey, error) {
	if len(payload) <= rsaModulusBytes {
		return nil, fmt.Errorf("handshake: short key payload (%d bytes)", len(payload))
	}
	n := bigFromLE(payload[:rsaModulusBytes])
	e := bigFromLE(payload[rsaModulusBytes:])
	if !e.IsInt64() || e.Int64() <= 0 || e.Int64() > 1<<31 {
		return nil, fmt.Errorf("handshake: invalid exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
