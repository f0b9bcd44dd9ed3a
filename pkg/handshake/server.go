package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"github.com/pg9182/tunneld/pkg/wire"
)

// Accepter decides whether a requested external port is allowed. It
// corresponds to package server's PortPolicy, kept as a plain function
// type here to avoid a dependency from this package on package server.
type Accepter func(port uint16) bool

// Result is the negotiated outcome of a successful server-side handshake.
type Result struct {
	Port            uint16
	ProtocolVersion uint16
}

// Server runs the accepting side of the handshake state machine over rw
// (ordinarily the freshly-accepted control TCP socket), against secret (the
// operator-configured shared secret) and accept (the port policy). It
// returns the negotiated Result on success, or an *Error identifying the
// state in which the handshake failed; on failure, rw is closed first if it
// implements io.Closer.
func Server(rw io.ReadWriter, secret []byte, accept Accepter) (_ Result, err error) {
	defer func() {
		if c, ok := rw.(io.Closer); ok && err != nil {
			c.Close()
		}
	}()

	hdrbuf := make([]byte, wire.HeaderSize)

	state := AwaitConnect

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return Result{}, wrap(state, fmt.Errorf("generate rsa key: %w", err))
	}

	keyPayload := append(
		leBytesFixed(priv.N, rsaModulusBytes),
		leBytesMinimal(big.NewInt(int64(priv.E)))...,
	)
	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Key, Payload: keyPayload}, hdrbuf); err != nil {
		return Result{}, wrap(state, fmt.Errorf("send key: %w", err))
	}
	state = KeySent

	state = AwaitVerify
	vf, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return Result{}, wrap(state, fmt.Errorf("read verify: %w", err))
	}
	if vf.Type != wire.Verify {
		return Result{}, wrap(state, fmt.Errorf("%w: got %s", ErrUnexpectedFrame, vf.Type))
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, vf.Payload)
	if err != nil {
		return Result{}, wrap(state, fmt.Errorf("decrypt verify: %w", err))
	}
	if subtle.ConstantTimeCompare(plain, secret) != 1 {
		return Result{}, wrap(state, ErrWrongSecret)
	}

	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Acknowledge}, hdrbuf); err != nil {
		return Result{}, wrap(state, fmt.Errorf("send ack: %w", err))
	}
	state = AckSent

	state = AwaitConfig
	cf, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return Result{}, wrap(state, fmt.Errorf("read config: %w", err))
	}

	var port, version uint16
	switch cf.Type {
	case wire.Config:
		port, version, err = decodeConfig(cf.Payload)
	case wire.Port:
		port, err = decodePort(cf.Payload)
		version = 0 // missing version bytes are treated as version 0
	default:
		err = fmt.Errorf("%w: got %s", ErrUnexpectedFrame, cf.Type)
	}
	if err != nil {
		return Result{}, wrap(state, err)
	}

	// protocol-version gate: reject anything more than one version ahead
	if version > ProtocolVersion+1 {
		return Result{}, wrap(state, fmt.Errorf("%w: client=%d max-accepted=%d", ErrProtocolMismatch, version, ProtocolVersion+1))
	}

	if accept != nil && !accept(port) {
		return Result{}, wrap(state, fmt.Errorf("%w: port %d", ErrRejectedPort, port))
	}

	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Acknowledge}, hdrbuf); err != nil {
		return Result{}, wrap(state, fmt.Errorf("send config ack: %w", err))
	}
	state = ConfigAckSent

	state = Established
	return Result{Port: port, ProtocolVersion: version}, nil
}

func decodeConfig(payload []byte) (port, version uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("handshake: malformed config payload (%d bytes)", len(payload))
	}
	port = uint16(payload[0])<<8 | uint16(payload[1])
	version = uint16(payload[2])<<8 | uint16(payload[3])
	return port, version, nil
}

func decodePort(payload []byte) (port uint16, err error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("handshake: malformed port payload (%d bytes)", len(payload))
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}
