package tunnel

import (
	"errors"
	"io"
	"sync"

	"github.com/pg9182/tunneld/pkg/wire"
)

// DefaultUserQueueSize is the default capacity of a Stream's inbound queue:
// modestly bounded so a slow consumer can't pile up unbounded memory.
const DefaultUserQueueSize = 25

// ErrStreamClosed is returned by Recv/Send once a Stream has been closed,
// either explicitly or because its control link tore down.
var ErrStreamClosed = errors.New("tunnel: stream closed")

type streamEvent struct {
	data []byte
	eof  bool
}

// Stream is one user stream multiplexed over a control link, identified by
// uid. The same type backs both the client-side handler's Recv/Send API
// and the server-side bridge's internal plumbing, since both are just
// "read inbound Data/EOF frames, write outbound Data/Close frames".
type Stream struct {
	UID  uint32
	link *Link

	recv chan streamEvent

	sendCloseOnce sync.Once
	teardownOnce  sync.Once
}

func newStream(uid uint32, link *Link, queueSize int) *Stream {
	if queueSize <= 0 {
		queueSize = DefaultUserQueueSize
	}
	return &Stream{
		UID:  uid,
		link: link,
		recv: make(chan streamEvent, queueSize),
	}
}

// deliverData is called by the owning Link's RX loop when a Data frame for
// this stream arrives. It never blocks: if the bounded queue is full, the
// frame is dropped and logged by the caller -- the RX loop must never
// block on a per-user queue.
func (s *Stream) deliverData(payload []byte) (delivered bool) {
	select {
	case s.recv <- streamEvent{data: payload}:
		return true
	default:
		return false
	}
}

// deliverEOF is the EOF analogue of deliverData.
func (s *Stream) deliverEOF() (delivered bool) {
	select {
	case s.recv <- streamEvent{eof: true}:
		return true
	default:
		return false
	}
}

// Recv returns the next chunk of data written by the peer, io.EOF once the
// peer signals end-of-stream, or ErrStreamClosed once the stream has been
// torn down (explicitly, or because the control link died).
func (s *Stream) Recv() ([]byte, error) {
	ev, ok := <-s.recv
	if !ok {
		return nil, ErrStreamClosed
	}
	if ev.eof {
		return nil, io.EOF
	}
	return ev.data, nil
}

// Send frames data as a Data(uid, length) frame and enqueues it onto the
// control link's outbound queue. length is used for the wire header instead
// of len(data): callers that pass a length disagreeing with len(data) get
// exactly that many bytes on the wire (truncated or zero-padded), though
// it is almost certainly a caller bug if the two differ.
func (s *Stream) Send(data []byte, length int) error {
	if length != len(data) {
		if length < len(data) {
			data = data[:length]
		} else {
			padded := make([]byte, length)
			copy(padded, data)
			data = padded
		}
	}
	if !s.link.enqueue(wire.Frame{ID: s.UID, Type: wire.Data, Payload: data}) {
		return ErrStreamClosed
	}
	return nil
}

// SendEOF enqueues an EOF(uid) frame, used by the server-side bridge when
// the user socket reaches EOF.
func (s *Stream) SendEOF() error {
	if !s.link.enqueue(wire.Frame{ID: s.UID, Type: wire.EOF}) {
		return ErrStreamClosed
	}
	return nil
}

// Close tears the stream down: it enqueues a Close(uid) frame exactly once
// and removes the stream from its link's table, then unblocks any pending
// Recv. Close is safe to call more than once and from multiple goroutines.
func (s *Stream) Close() error {
	var enqueued bool
	s.sendCloseOnce.Do(func() {
		enqueued = s.link.enqueue(wire.Frame{ID: s.UID, Type: wire.Close})
	})
	s.teardown()
	if !enqueued {
		return ErrStreamClosed
	}
	return nil
}

// onPeerClose is called by the owning Link's RX loop when an inbound Close
// frame names this stream. It tears the stream down locally without
// enqueuing another Close frame -- the peer that sent Close already knows.
func (s *Stream) onPeerClose() {
	s.teardown()
}

// teardown removes the stream from its link's table and closes the recv
// channel, exactly once.
func (s *Stream) teardown() {
	s.teardownOnce.Do(func() {
		s.link.table.Remove(s.UID)
		close(s.recv)
	})
}
