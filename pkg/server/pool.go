package server

import (
	"sync"
	"sync/atomic"

	"github.com/pg9182/tunneld/pkg/tunnel"
)

// client is one connected Client's control link plus the bookkeeping the
// pool needs to hand it user streams.
type client struct {
	link *tunnel.Link
	uid  atomic.Uint32 // next uid to hand out on this link, wraps skipping 0
}

func (c *client) nextUID() uint32 {
	for {
		u := c.uid.Add(1)
		if u != 0 {
			return u
		}
		// 0 is reserved for control frames (wire.ControlID); skip it on wrap.
	}
}

// ClientPool tracks the Clients connected for one external port and
// distributes new user connections across them round-robin.
type ClientPool struct {
	mu      sync.Mutex
	clients []*client
	next    uint64
}

// NewClientPool returns an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{}
}

// Add registers link as a pool member, keyed by no external identifier
// beyond pointer identity (Remove takes the same *tunnel.Link back).
func (p *ClientPool) Add(link *tunnel.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = append(p.clients, &client{link: link})
}

// Remove drops link from the pool, e.g. once its control connection dies.
func (p *ClientPool) Remove(link *tunnel.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.clients {
		if c.link == link {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			return
		}
	}
}

// CloseAll closes every client link currently in the pool, e.g. during
// server shutdown so connected Clients see their control links drop instead
// of hanging until they time out.
func (p *ClientPool) CloseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = nil
	p.mu.Unlock()
	for _, c := range clients {
		c.link.Close()
	}
}

// Len reports how many clients are currently in the pool.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Next picks the next client round-robin and allocates a uid on its link
// for the new user stream. ok is false if the pool is empty, in which case
// the caller must drop the connection.
func (p *ClientPool) Next() (link *tunnel.Link, uid uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clients) == 0 {
		return nil, 0, false
	}
	i := p.next % uint64(len(p.clients))
	p.next++
	c := p.clients[i]
	return c.link, c.nextUID(), true
}
