package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// fakeClientLink wires up the far end of a control link to behave like a
// real Client: on Connect, it echoes back whatever Data it receives, until
// Recv returns an error (EOF or a closed stream), at which point it stops.
func fakeClientLink(t *testing.T) (*tunnel.Link, *tunnel.Link) {
	t.Helper()
	c1, c2 := net.Pipe()

	serverSide := tunnel.NewLink(c1, tunnel.NewStreamTable(), tunnel.Options{Logger: zerolog.Nop()})
	clientSide := tunnel.NewLink(c2, tunnel.NewStreamTable(), tunnel.Options{
		Logger: zerolog.Nop(),
		OnConnect: func(uid uint32, details wire.ConnectionDetails, s *tunnel.Stream) {
			go func() {
				for {
					data, err := s.Recv()
					if err != nil {
						return
					}
					s.Send(data, len(data))
				}
			}()
		},
	})
	go serverSide.Run()
	go clientSide.Run()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })
	return serverSide, clientSide
}

func TestForwarderBridgesUserConnection(t *testing.T) {
	serverLink, _ := fakeClientLink(t)

	pool := NewClientPool()
	pool.Add(serverLink)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	f := &Forwarder{Pool: pool, Logger: zerolog.Nop()}
	go f.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q, want %q", buf, "ping")
	}
}

func TestForwarderDropsConnectionWhenPoolEmpty(t *testing.T) {
	pool := NewClientPool()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	f := &Forwarder{Pool: pool, Logger: zerolog.Nop()}
	go f.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be dropped, got data")
	}
}
