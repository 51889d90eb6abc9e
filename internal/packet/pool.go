// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"fmt"
	"sync"
	"sync/atomic"

	"grimm.is/vakthund/internal/errors"
)

// ErrPoolExhausted is returned by Acquire when every slot is borrowed.
var ErrPoolExhausted = errors.New(errors.KindExhausted, "packet pool exhausted")

// PoolConfig sizes a Pool.
type PoolConfig struct {
	// ChunkSize is the arena chunk size in bytes.
	ChunkSize int
	// Capacity is the number of slots.
	Capacity int
	// MaxPacketSize is the size of every slot.
	MaxPacketSize int
}

// DefaultPoolConfig matches the memory block defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{ChunkSize: 65536, Capacity: 8192, MaxPacketSize: 1514}
}

func (c PoolConfig) validate() error {
	switch {
	case c.MaxPacketSize <= 0:
		return errors.New(errors.KindValidation, "max packet size must be positive")
	case c.Capacity <= 0:
		return errors.New(errors.KindValidation, "pool capacity must be positive")
	case c.ChunkSize < c.MaxPacketSize:
		return errors.Errorf(errors.KindValidation, "arena chunk size %d is smaller than max packet size %d", c.ChunkSize, c.MaxPacketSize)
	}
	return nil
}

// Pool owns the packet storage. Slots are carved from arena chunks on first
// use and recycled through a free list; a slot returns to the list only when
// its last reference is released.
type Pool struct {
	cfg           PoolConfig
	slotsPerChunk int

	mu     sync.Mutex
	chunks [][]byte
	slots  []*Buffer
	free   []*Buffer

	inUse     atomic.Int64
	acquired  atomic.Uint64
	exhausted atomic.Uint64
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Capacity  int    `json:"capacity"`
	Carved    int    `json:"carved"`
	Chunks    int    `json:"chunks"`
	InUse     int64  `json:"in_use"`
	Acquired  uint64 `json:"acquired"`
	Exhausted uint64 `json:"exhausted"`
}

// NewPool validates cfg and returns an empty pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:           cfg,
		slotsPerChunk: cfg.ChunkSize / cfg.MaxPacketSize,
		slots:         make([]*Buffer, 0, cfg.Capacity),
		free:          make([]*Buffer, 0, cfg.Capacity),
	}, nil
}

// MaxPacketSize is the largest payload a slot can hold.
func (p *Pool) MaxPacketSize() int {
	return p.cfg.MaxPacketSize
}

// Acquire borrows an empty slot holding one reference.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else if len(p.slots) < p.cfg.Capacity {
		b = p.carve()
	}
	p.mu.Unlock()

	if b == nil {
		p.exhausted.Add(1)
		return nil, ErrPoolExhausted
	}
	b.n = 0
	b.refs.Store(1)
	p.inUse.Add(1)
	p.acquired.Add(1)
	return b, nil
}

// Copy acquires a slot and copies data into it.
func (p *Pool) Copy(data []byte) (*Buffer, error) {
	if len(data) > p.cfg.MaxPacketSize {
		return nil, errors.Errorf(errors.KindCapacity, "payload of %d bytes exceeds max packet size %d", len(data), p.cfg.MaxPacketSize)
	}
	b, err := p.Acquire()
	if err != nil {
		return nil, err
	}
	b.n = copy(b.data, data)
	return b, nil
}

// carve takes the next slot from the current chunk, allocating a new chunk
// when the current one is full. Caller holds p.mu.
func (p *Pool) carve() *Buffer {
	idx := len(p.slots)
	chunk, off := idx/p.slotsPerChunk, (idx%p.slotsPerChunk)*p.cfg.MaxPacketSize
	if chunk == len(p.chunks) {
		p.chunks = append(p.chunks, make([]byte, p.slotsPerChunk*p.cfg.MaxPacketSize))
	}
	b := &Buffer{
		pool: p,
		idx:  idx,
		data: p.chunks[chunk][off : off+p.cfg.MaxPacketSize : off+p.cfg.MaxPacketSize],
	}
	p.slots = append(p.slots, b)
	return b
}

func (p *Pool) put(b *Buffer) {
	b.n = 0
	p.inUse.Add(-1)
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Stats returns current usage counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	carved, chunks := len(p.slots), len(p.chunks)
	p.mu.Unlock()
	return PoolStats{
		Capacity:  p.cfg.Capacity,
		Carved:    carved,
		Chunks:    chunks,
		InUse:     p.inUse.Load(),
		Acquired:  p.acquired.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Buffer is one pooled slot. It is reference counted: every holder calls
// Retain before sharing it and Release when done.
type Buffer struct {
	pool *Pool
	idx  int
	data []byte
	n    int
	refs atomic.Int32
}

// Bytes returns the filled part of the slot. The view is valid until the
// last reference is released.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len is the payload length.
func (b *Buffer) Len() int {
	return b.n
}

// Refs is the current reference count.
func (b *Buffer) Refs() int32 {
	return b.refs.Load()
}

// Retain adds a reference. Retaining a released buffer is a programming error.
func (b *Buffer) Retain() {
	if b.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("packet: retain of released buffer %d", b.idx))
	}
}

// Release drops a reference and returns the slot to the pool on the last one.
func (b *Buffer) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		b.pool.put(b)
	case n < 0:
		panic(fmt.Sprintf("packet: buffer %d released too many times", b.idx))
	}
}
