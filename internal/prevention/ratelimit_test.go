// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	src := netip.MustParseAddr("10.0.0.1")

	for i := 0; i < 3; i++ {
		assert.Equal(t, Admitted, rl.Admit(src, t0), "attempt %d", i)
	}
	assert.Equal(t, Throttled, rl.Admit(src, t0))

	before := rl.Tokens(src, t0.Add(500*time.Millisecond))
	assert.Equal(t, Throttled, rl.Admit(src, t0.Add(500*time.Millisecond)))
	assert.InDelta(t, before, rl.Tokens(src, t0.Add(500*time.Millisecond)), 1e-9, "throttling does not consume")

	assert.Equal(t, Admitted, rl.Admit(src, t0.Add(time.Second)))
	assert.Equal(t, Throttled, rl.Admit(src, t0.Add(time.Second)))

	assert.InDelta(t, 3.0, rl.Tokens(src, t0.Add(time.Hour)), 1e-9, "capped at capacity")
}

func TestRateLimiterSourcesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	assert.Equal(t, Admitted, rl.Admit(a, t0))
	assert.Equal(t, Throttled, rl.Admit(a, t0))
	assert.Equal(t, Admitted, rl.Admit(b, t0))
	assert.Equal(t, 2, rl.Sources())

	assert.Equal(t, 1.0, rl.Tokens(netip.MustParseAddr("10.0.0.3"), t0), "unknown sources are full")
}

func TestRateLimiterBounded(t *testing.T) {
	const (
		refill   = 10.0
		capacity = 5
	)
	rl := NewRateLimiter(refill, capacity)
	src := netip.MustParseAddr("10.0.0.9")
	r := rand.New(rand.NewPCG(3, 5))

	now := t0
	var admits []time.Time
	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(r.IntN(40)) * time.Millisecond)
		if rl.Admit(src, now) == Admitted {
			admits = append(admits, now)
		}
		tokens := rl.Tokens(src, now)
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, float64(capacity))
	}

	// Within any span shorter than one refill interval, at most capacity
	// admissions fit.
	refillInterval := time.Duration(float64(time.Second) / refill)
	for i := range admits {
		j := i
		for j < len(admits) && admits[j].Sub(admits[i]) < refillInterval {
			j++
		}
		assert.LessOrEqual(t, j-i, capacity)
	}
}
