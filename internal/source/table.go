// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package source indexes per-source state. Each address maps to a stable
// entry with its own lock, so workers touching different sources never
// contend and a source's state is never guarded by a global lock.
package source

import (
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// Key is the source identity used for per-source state: the address only,
// since IoT devices open connections from ephemeral ports.
func Key(ap netip.AddrPort) netip.Addr {
	return ap.Addr().Unmap()
}

// Hash is a stable hash of a source address, used for shard and worker
// selection.
func Hash(addr netip.Addr) uint64 {
	b := addr.Unmap().As16()
	return xxhash.Sum64(b[:])
}

// Entry is the state slot for one source. Callers lock Mu around any access
// to Value.
type Entry[V any] struct {
	Mu    sync.Mutex
	Key   netip.Addr
	Index int
	Value V
}

type shard struct {
	mu  sync.RWMutex
	idx map[netip.Addr]int
}

// Table maps source addresses to entries. Entries are created lazily and
// never removed, so an *Entry stays valid for the life of the table.
type Table[V any] struct {
	shards [shardCount]shard
	init   func(netip.Addr) V

	mu      sync.RWMutex
	entries []*Entry[V]
}

// NewTable returns an empty table. init builds the value for a new source.
func NewTable[V any](init func(netip.Addr) V) *Table[V] {
	t := &Table[V]{init: init}
	for i := range t.shards {
		t.shards[i].idx = make(map[netip.Addr]int)
	}
	return t
}

// Get returns the entry for addr, creating it on first use.
func (t *Table[V]) Get(addr netip.Addr) *Entry[V] {
	addr = addr.Unmap()
	sh := &t.shards[Hash(addr)%shardCount]

	sh.mu.RLock()
	i, ok := sh.idx[addr]
	sh.mu.RUnlock()
	if ok {
		return t.at(i)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if i, ok := sh.idx[addr]; ok {
		return t.at(i)
	}

	t.mu.Lock()
	e := &Entry[V]{Key: addr, Index: len(t.entries), Value: t.init(addr)}
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	sh.idx[addr] = e.Index
	return e
}

// Lookup returns the entry for addr without creating it.
func (t *Table[V]) Lookup(addr netip.Addr) (*Entry[V], bool) {
	addr = addr.Unmap()
	sh := &t.shards[Hash(addr)%shardCount]
	sh.mu.RLock()
	i, ok := sh.idx[addr]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.at(i), true
}

func (t *Table[V]) at(i int) *Entry[V] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[i]
}

// Len is the number of known sources.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for each entry in creation order until fn returns false.
// fn must lock the entry itself.
func (t *Table[V]) Range(fn func(*Entry[V]) bool) {
	t.mu.RLock()
	snapshot := make([]*Entry[V], len(t.entries))
	copy(snapshot, t.entries)
	t.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}
