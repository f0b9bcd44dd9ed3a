package tunnel

import "sync"

const tableShards = 16

// StreamTable is a concurrent map from uid to the Stream representing that
// user stream. It is sharded to keep insert/lookup/remove contention low
// without requiring a single global lock, specialized for uid keys and
// writer-handle values.
type StreamTable struct {
	shards [tableShards]tableShard
}

type tableShard struct {
	mu sync.RWMutex
	m  map[uint32]*Stream
}

func NewStreamTable() *StreamTable {
	t := &StreamTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[uint32]*Stream)
	}
	return t
}

func (t *StreamTable) shard(uid uint32) *tableShard {
	return &t.shards[uid%tableShards]
}

// Insert adds s to the table keyed by uid. If uid already exists, the
// previous entry is silently replaced (last-writer-wins) -- callers must
// ensure uid uniqueness themselves.
func (t *StreamTable) Insert(uid uint32, s *Stream) {
	sh := t.shard(uid)
	sh.mu.Lock()
	sh.m[uid] = s
	sh.mu.Unlock()
}

// Lookup returns the Stream for uid, if any.
func (t *StreamTable) Lookup(uid uint32) (*Stream, bool) {
	sh := t.shard(uid)
	sh.mu.RLock()
	s, ok := sh.m[uid]
	sh.mu.RUnlock()
	return s, ok
}

// Remove deletes uid from the table and returns its Stream, if any.
func (t *StreamTable) Remove(uid uint32) (*Stream, bool) {
	sh := t.shard(uid)
	sh.mu.Lock()
	s, ok := sh.m[uid]
	delete(sh.m, uid)
	sh.mu.Unlock()
	return s, ok
}

// Len returns the number of streams currently tracked, for diagnostics.
func (t *StreamTable) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return n
}

// Each calls fn for every stream currently in the table. fn must not call
// back into the table.
func (t *StreamTable) Each(fn func(uid uint32, s *Stream)) {
	for i := range t.shards {
		t.shards[i].mu.RLock()
		for uid, s := range t.shards[i].m {
			fn(uid, s)
		}
		t.shards[i].mu.RUnlock()
	}
}
