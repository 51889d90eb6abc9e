// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"grimm.is/vakthund/internal/errors"
)

// ErrRuleSetFull means max_rules is reached and every rule is user-installed.
var ErrRuleSetFull = errors.New(errors.KindCapacity, "firewall rule set full")

// Action is what a rule does with matching traffic.
type Action int

const (
	ActionAllow Action = iota
	ActionBlock
)

func (a Action) String() string {
	if a == ActionBlock {
		return "block"
	}
	return "allow"
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction accepts "allow" or "block" (also "accept"/"drop").
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "accept":
		return ActionAllow, nil
	case "block", "drop":
		return ActionBlock, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown firewall action %q", s)
}

// Origin records who installed a rule.
type Origin int

const (
	OriginUser Origin = iota
	OriginQuarantine
)

func (o Origin) String() string {
	if o == OriginQuarantine {
		return "quarantine"
	}
	return "user"
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Rule is one firewall entry.
type Rule struct {
	Source        netip.Addr `json:"source"`
	Action        Action     `json:"action"`
	Origin        Origin     `json:"origin"`
	CreatedAt     time.Time  `json:"created_at"`
	LastTriggered time.Time  `json:"last_triggered"`
}

// RuleSetStats counts rule set activity.
type RuleSetStats struct {
	Rules      int    `json:"rules"`
	User       int    `json:"user"`
	Quarantine int    `json:"quarantine"`
	Max        int    `json:"max"`
	Evictions  uint64 `json:"evictions"`
	Rejections uint64 `json:"rejections"`
}

// RuleSet is the bounded set of firewall rules. A source can hold one user
// rule and one quarantine rule; the user rule wins. When full, the least
// recently triggered quarantine rule is evicted; user rules never are.
type RuleSet struct {
	mu         sync.Mutex
	max        int
	policy     Action
	backend    Backend
	user       map[netip.Addr]Rule
	quarantine *simplelru.LRU[netip.Addr, Rule]

	evictions  uint64
	rejections uint64
}

// NewRuleSet returns an empty rule set enforcing through backend.
func NewRuleSet(maxRules int, defaultPolicy Action, backend Backend) (*RuleSet, error) {
	if maxRules < 1 {
		return nil, errors.Errorf(errors.KindValidation, "max_rules must be positive, got %d", maxRules)
	}
	lru, err := simplelru.NewLRU[netip.Addr, Rule](maxRules, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to create rule lru")
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &RuleSet{
		max:        maxRules,
		policy:     defaultPolicy,
		backend:    backend,
		user:       make(map[netip.Addr]Rule),
		quarantine: lru,
	}, nil
}

// DefaultPolicy applies when no rule matches.
func (rs *RuleSet) DefaultPolicy() Action { return rs.policy }

func (rs *RuleSet) count() int { return len(rs.user) + rs.quarantine.Len() }

// Install adds or refreshes the rule for (src, origin). Quarantine rules
// always block. It returns the rule evicted to make room, if any. A
// backend failure is returned but the rule stays recorded.
func (rs *RuleSet) Install(src netip.Addr, action Action, origin Origin, now time.Time) (*Rule, error) {
	src = src.Unmap()
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if origin == OriginQuarantine {
		action = ActionBlock
		if r, ok := rs.quarantine.Get(src); ok {
			r.LastTriggered = now
			rs.quarantine.Add(src, r)
			return nil, nil
		}
	} else if r, ok := rs.user[src]; ok {
		r.Action = action
		r.LastTriggered = now
		rs.user[src] = r
		return nil, rs.sync(src)
	}

	var evicted *Rule
	if rs.count() >= rs.max {
		victim, r, ok := rs.quarantine.RemoveOldest()
		if !ok {
			rs.rejections++
			return nil, errors.Attr(ErrRuleSetFull, "source", src.String())
		}
		rs.evictions++
		evicted = &r
		if err := rs.sync(victim); err != nil {
			return evicted, err
		}
	}

	rule := Rule{Source: src, Action: action, Origin: origin, CreatedAt: now, LastTriggered: now}
	if origin == OriginQuarantine {
		rs.quarantine.Add(src, rule)
	} else {
		rs.user[src] = rule
	}
	return evicted, rs.sync(src)
}

// Remove deletes the (src, origin) rule and reports whether it existed.
func (rs *RuleSet) Remove(src netip.Addr, origin Origin) (bool, error) {
	src = src.Unmap()
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var ok bool
	if origin == OriginQuarantine {
		ok = rs.quarantine.Remove(src)
	} else if _, ok = rs.user[src]; ok {
		delete(rs.user, src)
	}
	if !ok {
		return false, nil
	}
	return true, rs.sync(src)
}

// effective returns the action enforced for src, if any rule matches.
// Caller holds rs.mu.
func (rs *RuleSet) effective(src netip.Addr) (Action, bool) {
	if r, ok := rs.user[src]; ok {
		return r.Action, true
	}
	if _, ok := rs.quarantine.Peek(src); ok {
		return ActionBlock, true
	}
	return 0, false
}

// sync pushes src's effective rule to the backend. Caller holds rs.mu.
func (rs *RuleSet) sync(src netip.Addr) error {
	if action, ok := rs.effective(src); ok {
		return rs.backend.InstallRule(src, action)
	}
	return rs.backend.RemoveRule(src)
}

// Evaluate returns the action for traffic from src. A quarantine rule hit
// counts as a trigger for eviction ordering.
func (rs *RuleSet) Evaluate(src netip.Addr, now time.Time) Action {
	src = src.Unmap()
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r, ok := rs.user[src]; ok {
		return r.Action
	}
	if r, ok := rs.quarantine.Get(src); ok {
		r.LastTriggered = now
		rs.quarantine.Add(src, r)
		return ActionBlock
	}
	return rs.policy
}

// Lookup returns the (src, origin) rule without touching it.
func (rs *RuleSet) Lookup(src netip.Addr, origin Origin) (Rule, bool) {
	src = src.Unmap()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if origin == OriginQuarantine {
		return rs.quarantine.Peek(src)
	}
	r, ok := rs.user[src]
	return r, ok
}

// Rules lists user rules followed by quarantine rules, least recently
// triggered first.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]Rule, 0, rs.count())
	for _, r := range rs.user {
		out = append(out, r)
	}
	sortRules(out)
	out = append(out, rs.quarantine.Values()...)
	return out
}

// Len is the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.count()
}

// Stats returns counters.
func (rs *RuleSet) Stats() RuleSetStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return RuleSetStats{
		Rules:      rs.count(),
		User:       len(rs.user),
		Quarantine: rs.quarantine.Len(),
		Max:        rs.max,
		Evictions:  rs.evictions,
		Rejections: rs.rejections,
	}
}

func sortRules(rules []Rule) {
	slices.SortFunc(rules, func(a, b Rule) int { return a.Source.Compare(b.Source) })
}
