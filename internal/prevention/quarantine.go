// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"go4.org/netipx"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/source"
)

// State is a source's quarantine state.
type State int

const (
	StateActive State = iota
	StateQuarantined
	StateWhitelisted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateQuarantined:
		return "quarantined"
	case StateWhitelisted:
		return "whitelisted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is what Trigger did.
type Transition int

const (
	// Entered moved the source from active to quarantined.
	Entered Transition = iota
	// Extended restarted the timeout of an already quarantined source.
	Extended
	// Resumed reinstated a quarantine that an expiry ahead of the alert's
	// own timestamp had released.
	Resumed
	// Exempt means the source is whitelisted; nothing changed.
	Exempt
	// Stale means the alert predates state already applied; nothing changed.
	Stale
)

func (t Transition) String() string {
	switch t {
	case Entered:
		return "entered"
	case Extended:
		return "extended"
	case Resumed:
		return "resumed"
	case Exempt:
		return "exempt"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Record is the quarantine state of one source.
type Record struct {
	Source    netip.Addr    `json:"source"`
	State     State         `json:"state"`
	EnteredAt time.Time     `json:"entered_at,omitempty"`
	Timeout   time.Duration `json:"timeout"`
	// ReleasedAt is when the previous quarantine of this source lapsed.
	ReleasedAt time.Time `json:"released_at,omitempty"`
	// LastEventID is the newest event that changed this record.
	LastEventID uint64 `json:"last_event_id"`
	Triggers    int    `json:"triggers"`
	Reason      string `json:"reason,omitempty"`
}

// Until is when the quarantine lapses.
func (r *Record) Until() time.Time { return r.EnteredAt.Add(r.Timeout) }

func (r *Record) quarantinedAt(now time.Time) bool {
	return r.State == StateQuarantined && now.Before(r.Until())
}

// ParseWhitelist builds a set from addresses and CIDR prefixes.
func ParseWhitelist(entries []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "invalid whitelist prefix %q", entry)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "invalid whitelist address %q", entry)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}

// Quarantine is the per-source state machine. Expiry is lazy: queries
// compare against the caller's clock and nothing runs in the background.
type Quarantine struct {
	timeout   time.Duration
	whitelist *netipx.IPSet
	records   *source.Table[*Record]
}

// NewQuarantine validates the whitelist and returns an empty machine.
func NewQuarantine(timeout time.Duration, whitelist []string) (*Quarantine, error) {
	if timeout <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "quarantine timeout must be positive, got %s", timeout)
	}
	set, err := ParseWhitelist(whitelist)
	if err != nil {
		return nil, err
	}
	return &Quarantine{
		timeout:   timeout,
		whitelist: set,
		records: source.NewTable(func(addr netip.Addr) *Record {
			return &Record{Source: addr, State: StateActive}
		}),
	}, nil
}

// Whitelisted reports whether src is exempt.
func (q *Quarantine) Whitelisted(src netip.Addr) bool {
	return q.whitelist.Contains(src.Unmap())
}

// Trigger applies a quarantine-worthy alert raised by eventID at now.
// Alerts older than the newest event already applied for src are stale.
// Whether a lapse was already expired makes no difference: an alert
// stamped before the deadline extends the quarantine, resuming it if an
// earlier Expire or Sweep ran on a later clock.
func (q *Quarantine) Trigger(src netip.Addr, now time.Time, eventID uint64, reason string) Transition {
	if q.Whitelisted(src) {
		return Exempt
	}

	e := q.records.Get(src)
	e.Mu.Lock()
	defer e.Mu.Unlock()
	r := e.Value

	if eventID != 0 && eventID <= r.LastEventID {
		return Stale
	}

	t := Entered
	switch {
	case r.EnteredAt.IsZero():
	case now.Before(r.Until()) && r.State == StateQuarantined:
		t = Extended
	case now.Before(r.Until()):
		t = Resumed
	default:
		r.ReleasedAt = r.Until()
	}
	r.State = StateQuarantined
	r.EnteredAt = now
	r.Timeout = q.timeout
	r.LastEventID = eventID
	r.Triggers++
	r.Reason = reason
	return t
}

// IsQuarantined reports whether src is quarantined at now. It does not
// modify state.
func (q *Quarantine) IsQuarantined(src netip.Addr, now time.Time) bool {
	e, ok := q.records.Lookup(src)
	if !ok {
		return false
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	return e.Value.quarantinedAt(now)
}

// State is src's state at now.
func (q *Quarantine) State(src netip.Addr, now time.Time) State {
	if q.Whitelisted(src) {
		return StateWhitelisted
	}
	if q.IsQuarantined(src, now) {
		return StateQuarantined
	}
	return StateActive
}

// Lapsed reports whether src is still marked quarantined although its
// timeout has passed by now.
func (q *Quarantine) Lapsed(src netip.Addr, now time.Time) bool {
	e, ok := q.records.Lookup(src)
	if !ok {
		return false
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	r := e.Value
	return r.State == StateQuarantined && !now.Before(r.Until())
}

// Expire moves src back to active if its timeout has lapsed by now and
// reports whether it did.
func (q *Quarantine) Expire(src netip.Addr, now time.Time) bool {
	e, ok := q.records.Lookup(src)
	if !ok {
		return false
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	return expire(e.Value, now)
}

func expire(r *Record, now time.Time) bool {
	if r.State != StateQuarantined || now.Before(r.Until()) {
		return false
	}
	r.State = StateActive
	return true
}

// Sweep expires every lapsed quarantine and returns the released sources
// in first-seen order.
func (q *Quarantine) Sweep(now time.Time) []netip.Addr {
	var released []netip.Addr
	q.records.Range(func(e *source.Entry[*Record]) bool {
		e.Mu.Lock()
		if expire(e.Value, now) {
			released = append(released, e.Key)
		}
		e.Mu.Unlock()
		return true
	})
	return released
}

// Snapshot returns copies of every record quarantined at now, ordered by
// source address.
func (q *Quarantine) Snapshot(now time.Time) []Record {
	var out []Record
	q.records.Range(func(e *source.Entry[*Record]) bool {
		e.Mu.Lock()
		if e.Value.quarantinedAt(now) {
			out = append(out, *e.Value)
		}
		e.Mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b Record) int { return a.Source.Compare(b.Source) })
	return out
}
