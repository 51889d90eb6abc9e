// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/vakthund/internal/source"
)

// Verdict is the outcome of an admission check.
type Verdict int

const (
	Admitted Verdict = iota
	Throttled
)

func (v Verdict) String() string {
	if v == Admitted {
		return "admitted"
	}
	return "throttled"
}

// RateLimiter is a per-source token bucket. Buckets start full, refill
// lazily from the timestamp passed to Admit, and are never evicted.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *source.Table[*rate.Limiter]
}

// NewRateLimiter refills perSecond tokens per second up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{limit: rate.Limit(perSecond), burst: burst}
	rl.buckets = source.NewTable(func(netip.Addr) *rate.Limiter {
		return rate.NewLimiter(rl.limit, rl.burst)
	})
	return rl
}

// Admit takes one token from src's bucket at time now. A throttled call
// leaves the bucket unchanged.
func (rl *RateLimiter) Admit(src netip.Addr, now time.Time) Verdict {
	if rl.buckets.Get(src).Value.AllowN(now, 1) {
		return Admitted
	}
	return Throttled
}

// Tokens is the balance src would have at now. Unknown sources are full.
func (rl *RateLimiter) Tokens(src netip.Addr, now time.Time) float64 {
	e, ok := rl.buckets.Lookup(src)
	if !ok {
		return float64(rl.burst)
	}
	return e.Value.TokensAt(now)
}

// Capacity is the bucket size.
func (rl *RateLimiter) Capacity() int { return rl.burst }

// Sources is the number of buckets created so far.
func (rl *RateLimiter) Sources() int { return rl.buckets.Len() }
