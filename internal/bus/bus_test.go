// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/errors"
)

func newBus(t *testing.T, capacity int, s Strategy, opts ...Option[int]) *Bus[int] {
	t.Helper()
	b, err := New[int](Config{Capacity: capacity, Strategy: s, YieldAttempts: 4}, opts...)
	require.NoError(t, err)
	return b
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	for _, c := range []int{0, -8, 3, 100, 4095} {
		_, err := New[int](Config{Capacity: c})
		require.Error(t, err, "capacity %d", c)
		assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	}
	_, err := New[int](Config{Capacity: 4096})
	assert.NoError(t, err)
}

func TestDecide(t *testing.T) {
	assert.Equal(t, ActionEnqueue, StrategyYield.Decide(false))
	assert.Equal(t, ActionEnqueue, StrategyBlock.Decide(false))
	assert.Equal(t, ActionRetry, StrategyYield.Decide(true))
	assert.Equal(t, ActionDropOldest, StrategyDropOldest.Decide(true))
	assert.Equal(t, ActionWait, StrategyBlock.Decide(true))

	s, err := ParseStrategy("drop")
	require.NoError(t, err)
	assert.Equal(t, StrategyDropOldest, s)
	_, err = ParseStrategy("spin")
	assert.Error(t, err)
}

func TestBroadcastFIFO(t *testing.T) {
	b := newBus(t, 1024, StrategyBlock)
	c1, err := b.Subscribe()
	require.NoError(t, err)
	c2, err := b.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()
	const n = 5000

	var wg sync.WaitGroup
	check := func(c *Consumer[int]) {
		defer wg.Done()
		for want := 0; want < n; want++ {
			got, err := c.Recv(ctx)
			if !assert.NoError(t, err) || !assert.Equal(t, want, got) {
				return
			}
		}
	}
	wg.Add(2)
	go check(c1)
	go check(c2)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, i))
	}
	wg.Wait()
	assert.EqualValues(t, n, b.Stats().Published)
}

func TestYieldReturnsFullWithoutPartialDelivery(t *testing.T) {
	b := newBus(t, 128, StrategyYield)
	fast, _ := b.Subscribe()
	slow, _ := b.Subscribe()
	ctx := context.Background()

	for i := 0; i < 128; i++ {
		require.NoError(t, b.Publish(ctx, i))
	}
	// Free one slot on the fast consumer only.
	_, ok := fast.TryRecv()
	require.True(t, ok)

	err := b.Publish(ctx, 999)
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, errors.KindCapacity, errors.GetKind(err))
	assert.Equal(t, 127, fast.Len(), "rejected value must not reach any consumer")
	assert.Equal(t, 128, slow.Len())
	assert.EqualValues(t, 1, b.Stats().Rejected)
}

func TestDropOldestKeepsMostRecent(t *testing.T) {
	var released []int
	b := newBus(t, 128, StrategyDropOldest, WithRelease(func(v int) { released = append(released, v) }))
	c, _ := b.Subscribe()
	ctx := context.Background()

	for i := 0; i < 130; i++ {
		require.NoError(t, b.Publish(ctx, i))
	}

	assert.Equal(t, []int{0, 1}, released)
	assert.EqualValues(t, 2, c.Dropped())

	first, ok := c.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 2, first)
}

func TestBlockWaitsForSpace(t *testing.T) {
	b := newBus(t, 128, StrategyBlock)
	c, _ := b.Subscribe()
	ctx := context.Background()

	for i := 0; i < 128; i++ {
		require.NoError(t, b.Publish(ctx, i))
	}

	published := make(chan error, 1)
	go func() { published <- b.Publish(ctx, 128) }()

	select {
	case <-published:
		t.Fatal("publish should block on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := c.TryRecv()
	require.True(t, ok)
	assert.NoError(t, <-published)
}

func TestBlockHonoursContext(t *testing.T) {
	var retained, released atomic.Int32
	b := newBus(t, 128, StrategyBlock,
		WithRetain(func(int) { retained.Add(1) }),
		WithRelease(func(int) { released.Add(1) }))
	_, _ = b.Subscribe()

	for i := 0; i < 128; i++ {
		require.NoError(t, b.Publish(context.Background(), i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, 128), context.DeadlineExceeded)
	assert.EqualValues(t, 129, retained.Load())
	assert.EqualValues(t, 1, released.Load())
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	b := newBus(t, 128, StrategyBlock)
	c, _ := b.Subscribe()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, 1))
	require.NoError(t, b.Publish(ctx, 2))
	b.Close()
	b.Close()

	assert.ErrorIs(t, b.Publish(ctx, 3), ErrClosed)
	_, err := b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)

	v, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseUnblocksPublisher(t *testing.T) {
	b := newBus(t, 128, StrategyBlock)
	_, _ = b.Subscribe()
	for i := 0; i < 128; i++ {
		require.NoError(t, b.Publish(context.Background(), i))
	}

	published := make(chan error, 1)
	go func() { published <- b.Publish(context.Background(), 128) }()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-published:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
}

func TestDrainReleases(t *testing.T) {
	var released atomic.Int32
	b := newBus(t, 128, StrategyYield, WithRelease(func(int) { released.Add(1) }))
	c, _ := b.Subscribe()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), i))
	}
	assert.Equal(t, 10, c.Drain())
	assert.EqualValues(t, 10, released.Load())
	assert.Equal(t, 0, c.Len())
}
