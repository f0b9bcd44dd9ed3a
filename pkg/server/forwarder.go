package server

import (
	"io"
	"net"
	"net/netip"

	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// ConnectObserver is notified of every accepted user connection before it
// is bridged, so the caller can record metrics (e.g. *vmetrics.Sink) without
// this package depending on a concrete metrics backend.
type ConnectObserver interface {
	RecordConnect(ip netip.Addr)
}

// Forwarder accepts user TCP connections on one external port and bridges
// each to a user stream opened on a round-robin Client from its pool.
type Forwarder struct {
	Pool     *ClientPool
	Observer ConnectObserver // optional
	Logger   zerolog.Logger
}

// Serve accepts connections from ln until it errors (typically because ln
// was closed during shutdown), bridging each one. It always returns a
// non-nil error.
func (f *Forwarder) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(conn net.Conn) {
	log := f.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	link, uid, ok := f.Pool.Next()
	if !ok {
		log.Debug().Msg("no clients in pool, dropping connection")
		conn.Close()
		return
	}

	addr := remoteAddr(conn)
	if f.Observer != nil {
		f.Observer.RecordConnect(addr)
	}

	stream, err := link.OpenUserStream(uid, wire.ConnectionDetails{Addr: addr})
	if err != nil {
		log.Warn().Err(err).Msg("failed to open user stream")
		conn.Close()
		return
	}
	log.Info().Uint32("uid", uid).Msg("bridging user connection")

	done := make(chan struct{}, 2)
	go bridgeUserToControl(conn, stream, done, log)
	go bridgeControlToUser(conn, stream, done, log)
	<-done
	<-done

	stream.Close()
	conn.Close()
}

func remoteAddr(conn net.Conn) netip.Addr {
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return ap.Addr()
	}
	return netip.Addr{}
}

// bridgeUserToControl copies bytes read from the user socket into Data
// frames on stream, sending an EOF frame once the socket reaches EOF.
func bridgeUserToControl(conn net.Conn, stream *tunnel.Stream, done chan<- struct{}, log zerolog.Logger) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := stream.Send(buf[:n], n); serr != nil {
				log.Debug().Err(serr).Msg("user->control: stream closed")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("user->control: read error")
			}
			if serr := stream.SendEOF(); serr != nil {
				log.Debug().Err(serr).Msg("user->control: send eof")
			}
			return
		}
	}
}

// halfCloser is implemented by *net.TCPConn; bridging can half-close the
// user socket's write side on a peer EOF without tearing down the read
// side, so in-flight data in the other direction can still finish.
type halfCloser interface {
	CloseWrite() error
}

// bridgeControlToUser copies Data frames received on stream to the user
// socket, closing the write side on the stream's io.EOF.
func bridgeControlToUser(conn net.Conn, stream *tunnel.Stream, done chan<- struct{}, log zerolog.Logger) {
	defer func() { done <- struct{}{} }()
	for {
		data, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if hc, ok := conn.(halfCloser); ok {
					hc.CloseWrite()
				}
			} else {
				log.Debug().Err(err).Msg("control->user: stream closed")
			}
			return
		}
		if _, werr := conn.Write(data); werr != nil {
			log.Debug().Err(werr).Msg("control->user: write error")
			return
		}
	}
}
