// Package tunnel implements the multiplexing core of a tunnel control link:
// the framed RX/TX loops, the heartbeat, the per-user stream table, and the
// Stream type bridging control-link frames to application code.
package tunnel

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pg9182/tunneld/pkg/wire"
	"github.com/rs/zerolog"
)

// HeartbeatInterval is the period at which a Link enqueues a keep-alive
// frame.
const HeartbeatInterval = 15 * time.Second

// ConnectHandler is invoked by a Link's RX loop when an inbound Connect
// frame creates a new stream -- this only happens on the Client side of a
// control link. It is always invoked in its own goroutine so the RX loop
// never blocks on handler execution.
type ConnectHandler func(uid uint32, details wire.ConnectionDetails, stream *Stream)

// Options configures a Link.
type Options struct {
	Metrics       Metrics
	Logger        zerolog.Logger
	MaxPayload    uint64 // 0 -> wire.DefaultMaxPayload
	UserQueueSize int    // 0 -> DefaultUserQueueSize
	OnConnect     ConnectHandler
	DisableNagle  bool
}

// Link runs the RX/TX/heartbeat loops for one control TCP connection, and
// owns the StreamTable for the user streams multiplexed over it.
type Link struct {
	conn    net.Conn
	table   *StreamTable
	out     *outboundQueue
	metrics Metrics
	log     zerolog.Logger

	maxPayload    uint64
	userQueueSize int
	onConnect     ConnectHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink wraps conn as a control link. table is the StreamTable the link's
// user streams are registered in -- callers on the server side typically
// share one table per Link (one control link per Client), as do callers on
// the client side.
func NewLink(conn net.Conn, table *StreamTable, opts Options) *Link {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = wire.DefaultMaxPayload
	}
	if opts.DisableNagle {
		setNoDelay(conn)
	}
	return &Link{
		conn:          conn,
		table:         table,
		out:           newOutboundQueue(),
		metrics:       metricsOrNop(opts.Metrics),
		log:           opts.Logger,
		maxPayload:    opts.MaxPayload,
		userQueueSize: opts.UserQueueSize,
		onConnect:     opts.OnConnect,
		closed:        make(chan struct{}),
	}
}

// Table returns the stream table backing this link.
func (l *Link) Table() *StreamTable { return l.table }

// NewStream allocates and registers a new Stream for uid. Callers (the
// server-side forwarder, or the client-side Connect dispatch) are
// responsible for ensuring uid isn't already in use.
func (l *Link) NewStream(uid uint32) *Stream {
	s := newStream(uid, l, l.userQueueSize)
	l.table.Insert(uid, s)
	return s
}

// OpenUserStream is the server side of establishing a new user stream: it
// registers a Stream for uid and enqueues the Connect frame announcing it
// to the peer. Only the server-side forwarder calls this -- the client
// side only ever learns about new uids by receiving a Connect frame
// through recvLoop/OnConnect.
func (l *Link) OpenUserStream(uid uint32, details wire.ConnectionDetails) (*Stream, error) {
	payload, err := wire.EncodeConnectionDetails(details)
	if err != nil {
		return nil, err
	}
	s := l.NewStream(uid)
	if !l.enqueue(wire.Frame{ID: uid, Type: wire.Connect, Payload: payload}) {
		s.teardown()
		return nil, ErrStreamClosed
	}
	return s, nil
}

// enqueue places f on the outbound queue, to be serialized by the TX loop.
// It never blocks (the queue is unbounded) and returns false only once the
// link has begun shutting down.
func (l *Link) enqueue(f wire.Frame) bool {
	return l.out.Enqueue(f)
}

// Run drives the link's RX, TX, and heartbeat loops until the link dies (due
// to a socket error, a frame-parse error, or Close being called), then tears
// down every remaining stream and returns the error that ended the link.
func (l *Link) Run() error {
	errCh := make(chan error, 3)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); errCh <- l.recvLoop() }()
	go func() { defer wg.Done(); errCh <- l.sendLoop() }()
	go func() { defer wg.Done(); errCh <- l.heartbeatLoop() }()

	first := <-errCh
	l.shutdown()
	wg.Wait()

	l.teardownStreams()
	return first
}

// Close tears the link down asynchronously; Run's caller observes this as
// Run returning shortly afterwards.
func (l *Link) Close() {
	l.shutdown()
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		l.out.Close()
	})
}

// teardownStreams tears down every remaining stream once the link has
// died: user streams do not outlive their control link. No Close frames
// are sent (there is nowhere to send them).
func (l *Link) teardownStreams() {
	var pending []*Stream
	l.table.Each(func(_ uint32, s *Stream) { pending = append(pending, s) })
	for _, s := range pending {
		s.teardown()
	}
}

// recvLoop is the control-link RX loop.
func (l *Link) recvLoop() error {
	hdrbuf := make([]byte, wire.HeaderSize)
	for {
		f, err := wire.ReadFrame(l.conn, hdrbuf, l.maxPayload)
		if err != nil {
			var tooLarge *wire.PayloadTooLargeError
			if errors.As(err, &tooLarge) {
				l.log.Warn().Uint64("length", tooLarge.Length).Msg("dropped oversized frame")
				continue
			}
			return err
		}

		l.metrics.FrameReceived()
		l.metrics.BytesReceived(uint64(len(f.Payload)))

		switch f.Type {
		case wire.Connect:
			l.handleConnect(f)
		case wire.Data:
			if s, ok := l.table.Lookup(f.ID); ok {
				if !s.deliverData(f.Payload) {
					l.log.Warn().Uint32("uid", f.ID).Msg("dropped data frame: per-stream queue full")
				}
			} else {
				l.log.Debug().Uint32("uid", f.ID).Msg("dropped data frame: no such stream")
			}
		case wire.EOF:
			if s, ok := l.table.Lookup(f.ID); ok {
				if !s.deliverEOF() {
					l.log.Warn().Uint32("uid", f.ID).Msg("dropped eof frame: per-stream queue full")
				}
			} else {
				l.log.Debug().Uint32("uid", f.ID).Msg("dropped eof frame: no such stream")
			}
		case wire.Close:
			if s, ok := l.table.Remove(f.ID); ok {
				s.onPeerClose()
			}
		case wire.Heartbeat:
			// no application-level effect; its purpose is solely to keep the
			// socket busy so a dead peer is eventually detected by a write error.
		default:
			l.log.Warn().Uint32("uid", f.ID).Stringer("type", f.Type).Msg("dropped unexpected frame type")
		}
	}
}

func (l *Link) handleConnect(f wire.Frame) {
	if l.onConnect == nil {
		l.log.Warn().Uint32("uid", f.ID).Msg("dropped unexpected connect frame")
		return
	}
	details, err := wire.ParseConnectionDetails(f.Payload)
	if err != nil {
		l.log.Warn().Uint32("uid", f.ID).Err(err).Msg("dropped malformed connect frame")
		return
	}
	s := l.NewStream(f.ID)
	go l.onConnect(f.ID, details, s)
}

// sendLoop is the control-link TX loop. It is the sole writer to the
// socket; this single-consumer invariant is what makes frame interleaving
// across concurrent streams safe.
func (l *Link) sendLoop() error {
	hdrbuf := make([]byte, wire.HeaderSize)
	for {
		f, ok := l.out.Dequeue()
		if !ok {
			return nil // queue closed: graceful shutdown, not an error
		}
		if err := wire.Encode(l.conn, f, hdrbuf); err != nil {
			return err
		}
		l.metrics.FrameSent()
		l.metrics.BytesSent(uint64(len(f.Payload)))
	}
}

// heartbeatLoop enqueues a Heartbeat frame every HeartbeatInterval. It
// exits once the outbound queue is closed.
func (l *Link) heartbeatLoop() error {
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.closed:
			return nil
		case <-t.C:
			if !l.enqueue(wire.Frame{ID: wire.ControlID, Type: wire.Heartbeat}) {
				return nil
			}
		}
	}
}

