package tunnel

import (
	"sync"

	"github.com/pg9182/tunneld/pkg/wire"
)

// outboundQueue is the control link's sole outbound serialization point: a
// multi-producer, single-consumer, unbounded queue of frames. It is
// deliberately unbounded (Enqueue never blocks) so that the RX loop can
// enqueue a Close frame during cleanup without risking deadlock against a
// TX loop that might itself be blocked trying to enqueue elsewhere.
type outboundQueue struct {
	mu     sync.Mutex
	cond   sync.Cond
	q      []wire.Frame
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond.L = &q.mu
	return q
}

// Enqueue appends f to the queue. It returns false if the queue has been
// closed (the control link is tearing down), in which case f is dropped.
func (q *outboundQueue) Enqueue(f wire.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.q = append(q.q, f)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed and
// drained, in which case ok is false.
func (q *outboundQueue) Dequeue() (f wire.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.q) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.q) == 0 {
		return wire.Frame{}, false
	}
	f, q.q = q.q[0], q.q[1:]
	return f, true
}

// Close marks the queue closed; pending frames are still delivered via
// Dequeue, but no new ones may be Enqueued and Dequeue unblocks once drained.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
