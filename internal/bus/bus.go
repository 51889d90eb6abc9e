// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bus is a bounded broadcast bus: every published value is delivered
// to every consumer, in publish order per consumer.
package bus

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"grimm.is/vakthund/internal/errors"
)

var (
	// ErrFull is returned when a non-blocking publish finds a full queue.
	ErrFull = errors.New(errors.KindCapacity, "bus full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New(errors.KindUnavailable, "bus closed")
)

// DefaultYieldAttempts bounds how often a yielding publisher retries.
const DefaultYieldAttempts = 64

// Config sizes a Bus.
type Config struct {
	// Capacity per consumer queue; must be a power of two.
	Capacity int
	Strategy Strategy
	// YieldAttempts is used by StrategyYield. Zero means DefaultYieldAttempts.
	YieldAttempts int
}

// Option customises a Bus.
type Option[T any] func(*Bus[T])

// WithRetain is called once for every consumer queue a value enters, before
// the value becomes visible to that consumer.
func WithRetain[T any](fn func(T)) Option[T] {
	return func(b *Bus[T]) { b.retain = fn }
}

// WithRelease is called for every queued value the bus discards itself
// (drop-oldest eviction and Drain).
func WithRelease[T any](fn func(T)) Option[T] {
	return func(b *Bus[T]) { b.release = fn }
}

// Stats counts bus activity.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
	Consumers int    `json:"consumers"`
}

// Bus is a broadcast bus. Publish is safe for concurrent use; publishers
// are serialised so each consumer sees one total order.
type Bus[T any] struct {
	cfg Config

	mu        sync.Mutex
	consumers []*Consumer[T]

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	retain  func(T)
	release func(T)

	published atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
}

// New validates cfg and returns a bus with no consumers.
func New[T any](cfg Config, opts ...Option[T]) (*Bus[T], error) {
	if cfg.Capacity <= 0 || cfg.Capacity&(cfg.Capacity-1) != 0 {
		return nil, errors.Errorf(errors.KindValidation, "bus capacity must be a power of two, got %d", cfg.Capacity)
	}
	if cfg.YieldAttempts <= 0 {
		cfg.YieldAttempts = DefaultYieldAttempts
	}
	b := &Bus[T]{
		cfg:     cfg,
		done:    make(chan struct{}),
		retain:  func(T) {},
		release: func(T) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Subscribe adds a consumer. Values published before the call are not seen.
func (b *Bus[T]) Subscribe() (*Consumer[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	c := &Consumer[T]{
		bus: b,
		id:  len(b.consumers),
		ch:  make(chan T, b.cfg.Capacity),
	}
	b.consumers = append(b.consumers, c)
	return c, nil
}

// Publish delivers v to every consumer according to the bus strategy.
//
// With StrategyYield delivery is all-or-nothing: ErrFull means no consumer
// received v. With StrategyBlock a cancelled ctx can leave v delivered to a
// prefix of the consumers.
func (b *Bus[T]) Publish(ctx context.Context, v T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}

	if b.cfg.Strategy == StrategyYield {
		if err := b.awaitSpace(ctx); err != nil {
			b.rejected.Add(1)
			return err
		}
	}

	for _, c := range b.consumers {
		switch b.cfg.Strategy.Decide(len(c.ch) == cap(c.ch)) {
		case ActionEnqueue:
			b.retain(v)
			c.ch <- v
		case ActionDropOldest:
			select {
			case old := <-c.ch:
				b.release(old)
				b.dropped.Add(1)
				c.dropped.Add(1)
			default:
			}
			b.retain(v)
			c.ch <- v
		case ActionWait:
			b.retain(v)
			select {
			case c.ch <- v:
			case <-ctx.Done():
				b.release(v)
				b.rejected.Add(1)
				return ctx.Err()
			case <-b.done:
				b.release(v)
				return ErrClosed
			}
		case ActionRetry:
			// awaitSpace guarantees room; only reachable if a consumer was
			// added mid-publish, which b.mu prevents.
			b.rejected.Add(1)
			return ErrFull
		}
	}
	b.published.Add(1)
	return nil
}

// awaitSpace yields until every queue has room. Only this goroutine sends
// (b.mu is held), so room cannot disappear once observed.
func (b *Bus[T]) awaitSpace(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		full := false
		for _, c := range b.consumers {
			if len(c.ch) == cap(c.ch) {
				full = true
				break
			}
		}
		if b.cfg.Strategy.Decide(full) == ActionEnqueue {
			return nil
		}
		if attempt >= b.cfg.YieldAttempts {
			return ErrFull
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// Close stops publishing. Consumers may drain what is already queued, after
// which Recv returns ErrClosed.
func (b *Bus[T]) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		for _, c := range b.consumers {
			close(c.ch)
		}
	})
}

// Closed reports whether Close has been called.
func (b *Bus[T]) Closed() bool {
	return b.closed.Load()
}

// Stats returns activity counters.
func (b *Bus[T]) Stats() Stats {
	b.mu.Lock()
	n := len(b.consumers)
	b.mu.Unlock()
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Rejected:  b.rejected.Load(),
		Consumers: n,
	}
}

// Consumer is one subscriber's FIFO queue.
type Consumer[T any] struct {
	bus     *Bus[T]
	id      int
	ch      chan T
	dropped atomic.Uint64
}

// ID is the subscription index.
func (c *Consumer[T]) ID() int {
	return c.id
}

// Recv blocks until a value is available, ctx is done, or the bus is closed
// and drained.
func (c *Consumer[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v, ok := <-c.ch:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryRecv returns the next value without blocking.
func (c *Consumer[T]) TryRecv() (T, bool) {
	select {
	case v, ok := <-c.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len is the number of queued values.
func (c *Consumer[T]) Len() int {
	return len(c.ch)
}

// Dropped counts values evicted from this queue by drop-oldest.
func (c *Consumer[T]) Dropped() uint64 {
	return c.dropped.Load()
}

// Drain discards every queued value through the bus release hook and
// returns how many were discarded.
func (c *Consumer[T]) Drain() int {
	n := 0
	for {
		v, ok := c.TryRecv()
		if !ok {
			return n
		}
		c.bus.release(v)
		n++
	}
}
