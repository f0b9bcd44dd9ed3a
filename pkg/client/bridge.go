package client

import (
	"io"
	"net"

	"github.com/pg9182/tunneld/pkg/tunnel"
	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// DialHandler returns a Handler that bridges every accepted user stream to
// a freshly-dialed TCP connection against localAddr, symmetric to the
// server's Forwarder.
func DialHandler(localAddr string, logger zerolog.Logger) Handler {
	return func(uid uint32, details wire.ConnectionDetails, stream *tunnel.Stream) {
		log := logger.With().Uint32("uid", uid).Stringer("remote", details.Addr).Logger()

		conn, err := net.Dial("tcp", localAddr)
		if err != nil {
			log.Warn().Err(err).Str("local", localAddr).Msg("failed to dial local service")
			return
		}
		defer conn.Close()

		done := make(chan struct{}, 2)
		go bridgeStreamToLocal(stream, conn, done, log)
		go bridgeLocalToStream(conn, stream, done, log)
		<-done
		<-done
	}
}

type halfCloser interface {
	CloseWrite() error
}

func bridgeStreamToLocal(stream *tunnel.Stream, conn net.Conn, done chan<- struct{}, log zerolog.Logger) {
	defer func() { done <- struct{}{} }()
	for {
		data, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if hc, ok := conn.(halfCloser); ok {
					hc.CloseWrite()
				}
			} else {
				log.Debug().Err(err).Msg("control->local: stream closed")
			}
			return
		}
		if _, werr := conn.Write(data); werr != nil {
			log.Debug().Err(werr).Msg("control->local: write error")
			return
		}
	}
}

func bridgeLocalToStream(conn net.Conn, stream *tunnel.Stream, done chan<- struct{}, log zerolog.Logger) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := stream.Send(buf[:n], n); serr != nil {
				log.Debug().Err(serr).Msg("local->control: stream closed")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("local->control: read error")
			}
			if serr := stream.SendEOF(); serr != nil {
				log.Debug().Err(serr).Msg("local->control: send eof")
			}
			return
		}
	}
}
