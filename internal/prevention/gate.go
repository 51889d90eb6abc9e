// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"net/netip"
	"time"
)

// Disposition is what enforcement does with one observed event.
type Disposition int

const (
	Pass Disposition = iota
	Blocked
	RateLimited
)

func (d Disposition) String() string {
	switch d {
	case Blocked:
		return "blocked"
	case RateLimited:
		return "throttled"
	default:
		return "pass"
	}
}

// Inspect decides the fate of traffic from src at now. A quarantine that
// lapsed by now is released first, with its rule. A blocking rule or an
// active quarantine wins; otherwise session-opening traffic spends a token
// from the source's bucket.
func (e *Engine) Inspect(src netip.Addr, connect bool, now time.Time) Disposition {
	src = src.Unmap()
	if e.quarantine.Lapsed(src, now) {
		e.mu.Lock()
		e.expire(src, now)
		e.mu.Unlock()
	}
	if e.rules.Evaluate(src, now) == ActionBlock || e.quarantine.IsQuarantined(src, now) {
		e.blocked.Add(1)
		return Blocked
	}
	if connect && e.Admit(src, now) == Throttled {
		return RateLimited
	}
	return Pass
}
