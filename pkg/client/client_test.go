package client

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pg9182/tunneld/pkg/handshake"
	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// fakeServer accepts one control connection, runs the server handshake,
// and returns the resulting *tunnel.Link for the caller to drive.
func fakeServer(t *testing.T, ln net.Listener, secret string, port uint16) <-chan *tunnel.Link {
	t.Helper()
	out := make(chan *tunnel.Link, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		if _, err := handshake.Server(conn, []byte(secret), func(p uint16) bool { return p == port }); err != nil {
			conn.Close()
			close(out)
			return
		}
		link := tunnel.NewLink(conn, tunnel.NewStreamTable(), tunnel.Options{Logger: zerolog.Nop()})
		out <- link
	}()
	return out
}

func TestClientEstablishesAndDispatches(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	linkCh := fakeServer(t, ln, "secret", 9090)

	dispatched := make(chan uint32, 1)
	c, err := NewClient(&Config{
		ServerAddr:      ln.Addr().String(),
		ExternalPort:    9090,
		Secret:          "secret",
		ProtocolVersion: 1,
		MaxFramePayload: wire.DefaultMaxPayload,
	}, func(uid uint32, details wire.ConnectionDetails, stream *tunnel.Stream) {
		dispatched <- uid
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	serverLink := <-linkCh
	if serverLink == nil {
		t.Fatalf("server-side handshake failed")
	}
	go serverLink.Run()
	defer serverLink.Close()

	if _, err := serverLink.OpenUserStream(42, wire.ConnectionDetails{Addr: netip.MustParseAddr("127.0.0.1")}); err != nil {
		t.Fatalf("OpenUserStream: %v", err)
	}

	select {
	case uid := <-dispatched:
		if uid != 42 {
			t.Fatalf("uid = %d, want 42", uid)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was never invoked")
	}
}
