package handshake

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pg9182/tunneld/pkg/wire"
)

// legacyPortClient performs the client side of the handshake using the
// legacy 2-byte Port frame instead of Config, to exercise the server's
// "missing version bytes treated as 0" path.
func legacyPortClient(rw net.Conn, secret []byte, port uint16) error {
	hdrbuf := make([]byte, wire.HeaderSize)

	kf, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	if err != nil {
		return err
	}
	pub, err := decodeKey(kf.Payload)
	if err != nil {
		return err
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		return err
	}
	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Verify, Payload: ciphertext}, hdrbuf); err != nil {
		return err
	}
	if _, err := wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload); err != nil {
		return err
	}

	portPayload := []byte{byte(port >> 8), byte(port)}
	if err := wire.Encode(rw, wire.Frame{ID: wire.ControlID, Type: wire.Port, Payload: portPayload}, hdrbuf); err != nil {
		return err
	}
	_, err = wire.ReadFrame(rw, hdrbuf, wire.DefaultMaxPayload)
	return err
}

func TestHandshakeHappyPath(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	secret := []byte{0, 1, 2, 3, 4}

	errch := make(chan error, 1)
	resch := make(chan Result, 1)
	go func() {
		res, err := Server(c1, secret, func(port uint16) bool { return port == 30123 })
		errch <- err
		resch <- res
	}()

	if err := Client(c2, secret, 30123, ProtocolVersion); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errch; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	res := <-resch
	if res.Port != 30123 || res.ProtocolVersion != ProtocolVersion {
		t.Fatalf("got %+v", res)
	}
}

func TestHandshakeWrongSecret(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errch := make(chan error, 1)
	go func() {
		_, err := Server(c1, []byte{0, 1, 2, 3, 4}, func(uint16) bool { return true })
		errch <- err
	}()

	clientErr := Client(c2, []byte{9, 9, 9}, 30123, ProtocolVersion)
	if clientErr == nil {
		t.Fatal("expected client to observe a handshake failure")
	}

	select {
	case err := <-errch:
		if !errors.Is(err, ErrWrongSecret) {
			t.Fatalf("expected ErrWrongSecret, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server handshake did not complete")
	}
}

func TestHandshakePortRejected(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	secret := []byte{0, 1, 2, 3, 4}

	errch := make(chan error, 1)
	go func() {
		_, err := Server(c1, secret, func(port uint16) bool { return port == 8080 })
		errch <- err
	}()

	clientErr := Client(c2, secret, 9090, ProtocolVersion)
	if clientErr == nil {
		t.Fatal("expected client to observe the closed link after rejection")
	}

	select {
	case err := <-errch:
		if !errors.Is(err, ErrRejectedPort) {
			t.Fatalf("expected ErrRejectedPort, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server handshake did not complete")
	}
}

func TestHandshakeProtocolVersionGate(t *testing.T) {
	secret := []byte{0, 1, 2, 3, 4}

	t.Run("current version accepted", func(t *testing.T) {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()
		go Server(c1, secret, func(uint16) bool { return true })
		if err := Client(c2, secret, 1, ProtocolVersion); err != nil {
			t.Fatalf("client: %v", err)
		}
	})

	t.Run("version current+2 rejected", func(t *testing.T) {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()

		errch := make(chan error, 1)
		go func() {
			_, err := Server(c1, secret, func(uint16) bool { return true })
			errch <- err
		}()

		_ = Client(c2, secret, 1, ProtocolVersion+2)

		select {
		case err := <-errch:
			if !errors.Is(err, ErrProtocolMismatch) {
				t.Fatalf("expected ErrProtocolMismatch, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("server handshake did not complete")
		}
	})

	t.Run("missing version bytes treated as 0 and accepted", func(t *testing.T) {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()

		errch := make(chan error, 1)
		resch := make(chan Result, 1)
		go func() {
			res, err := Server(c1, secret, func(uint16) bool { return true })
			errch <- err
			resch <- res
		}()

		// simulate a legacy client sending a 2-byte Port frame instead of Config
		if err := legacyPortClient(c2, secret, 1); err != nil {
			t.Fatalf("legacy client: %v", err)
		}
		if err := <-errch; err != nil {
			t.Fatalf("server: %v", err)
		}
		if res := <-resch; res.ProtocolVersion != 0 {
			t.Fatalf("expected version 0, got %d", res.ProtocolVersion)
		}
	})
}
