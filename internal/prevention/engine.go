// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package prevention reacts to alerts. It owns the per-source token
// buckets, the quarantine state machine and the bounded firewall rule set,
// and issues rule intents to a Backend.
package prevention

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/source"
	"grimm.is/vakthund/internal/telemetry"
)

// Config collects the prevention settings.
type Config struct {
	MinSeverity       detection.Severity
	QuarantineTimeout time.Duration
	Whitelist         []string
	MaxRules          int
	DefaultPolicy     Action
	// Token bucket refill, per second.
	RefillRate float64
	Burst      int
}

// Outcome is what HandleAlert did with an alert.
type Outcome int

const (
	OutcomeBelowSeverity Outcome = iota
	OutcomeWhitelisted
	OutcomeStale
	OutcomeQuarantined
	OutcomeExtended
	OutcomeResumed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBelowSeverity:
		return "below_severity"
	case OutcomeWhitelisted:
		return "whitelisted"
	case OutcomeStale:
		return "stale"
	case OutcomeQuarantined:
		return "quarantined"
	case OutcomeExtended:
		return "extended"
	case OutcomeResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Decision reports the handling of one alert.
type Decision struct {
	Outcome Outcome
	// Evicted is the quarantine rule removed to make room, if any.
	Evicted *Rule
	// RuleErr is a non-fatal rule set or backend failure. The source
	// stays quarantined regardless.
	RuleErr error
}

// Stats counts engine activity.
type Stats struct {
	Alerts      uint64 `json:"alerts"`
	Quarantines uint64 `json:"quarantines"`
	Releases    uint64 `json:"releases"`
	Admitted    uint64 `json:"admitted"`
	Throttled   uint64 `json:"throttled"`
	Blocked     uint64 `json:"blocked"`
	RuleErrors  uint64 `json:"rule_errors"`
}

// Engine applies alerts to quarantine and firewall state. Alerts for one
// source must arrive in emission order; Run preserves the alert bus order.
type Engine struct {
	minSeverity detection.Severity
	limiter     *RateLimiter
	quarantine  *Quarantine
	rules       *RuleSet
	telemetry   telemetry.Emitter
	logger      *logging.Logger

	// mu keeps each quarantine transition and its rule change together.
	mu sync.Mutex

	alerts      atomic.Uint64
	quarantines atomic.Uint64
	releases    atomic.Uint64
	admitted    atomic.Uint64
	throttled   atomic.Uint64
	blocked     atomic.Uint64
	ruleErrors  atomic.Uint64
}

// NewEngine validates cfg and builds the engine.
func NewEngine(cfg Config, backend Backend, emitter telemetry.Emitter, logger *logging.Logger) (*Engine, error) {
	q, err := NewQuarantine(cfg.QuarantineTimeout, cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	rules, err := NewRuleSet(cfg.MaxRules, cfg.DefaultPolicy, backend)
	if err != nil {
		return nil, err
	}
	if cfg.RefillRate <= 0 || cfg.Burst < 1 {
		return nil, errors.Errorf(errors.KindValidation, "invalid rate limit %.2f/s burst %d", cfg.RefillRate, cfg.Burst)
	}
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	minSeverity := cfg.MinSeverity
	if minSeverity == 0 {
		minSeverity = detection.SeverityMedium
	}
	return &Engine{
		minSeverity: minSeverity,
		limiter:     NewRateLimiter(cfg.RefillRate, cfg.Burst),
		quarantine:  q,
		rules:       rules,
		telemetry:   emitter,
		logger:      logger.WithComponent("prevention"),
	}, nil
}

// Rules is the firewall rule set.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Quarantine is the quarantine state machine.
func (e *Engine) Quarantine() *Quarantine { return e.quarantine }

// Limiter is the rate limiter.
func (e *Engine) Limiter() *RateLimiter { return e.limiter }

// HandleAlert applies a at time now. Every alert is recorded to telemetry;
// only alerts at or above the minimum severity can quarantine.
func (e *Engine) HandleAlert(a detection.Alert, now time.Time) Decision {
	e.alerts.Add(1)
	e.telemetry.Emit(telemetry.AlertRecord(a))

	src := source.Key(a.Source)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expire(src, now)

	if a.Severity < e.minSeverity {
		return Decision{Outcome: OutcomeBelowSeverity}
	}

	switch e.quarantine.Trigger(src, now, a.EventID, a.Kind.String()+":"+a.Rule) {
	case Exempt:
		e.logger.Info("Alert for whitelisted source ignored", "source", src, "event_id", a.EventID, "rule", a.Rule)
		return Decision{Outcome: OutcomeWhitelisted}
	case Stale:
		e.logger.Debug("Stale alert ignored", "source", src, "event_id", a.EventID)
		return Decision{Outcome: OutcomeStale}
	case Extended:
		d := Decision{Outcome: OutcomeExtended}
		d.Evicted, d.RuleErr = e.installQuarantineRule(src, a, now)
		return d
	case Resumed:
		e.quarantines.Add(1)
		e.logger.Info("Quarantine resumed by alert predating its expiry", "source", src, "event_id", a.EventID, "rule", a.Rule)
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeQuarantine, Time: now, Source: src.String(), EventID: a.EventID,
			Detail: a.Kind.String() + ":" + a.Rule, Fields: map[string]any{"resumed": true},
		})
		d := Decision{Outcome: OutcomeResumed}
		d.Evicted, d.RuleErr = e.installQuarantineRule(src, a, now)
		return d
	default:
		e.quarantines.Add(1)
		e.logger.Warn("Source quarantined", "source", src, "event_id", a.EventID, "kind", a.Kind, "severity", a.Severity, "rule", a.Rule)
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeQuarantine, Time: now, Source: src.String(), EventID: a.EventID,
			Detail: a.Kind.String() + ":" + a.Rule,
		})
		d := Decision{Outcome: OutcomeQuarantined}
		d.Evicted, d.RuleErr = e.installQuarantineRule(src, a, now)
		return d
	}
}

func (e *Engine) installQuarantineRule(src netip.Addr, a detection.Alert, now time.Time) (*Rule, error) {
	evicted, err := e.rules.Install(src, ActionBlock, OriginQuarantine, now)
	if evicted != nil {
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeRuleEvicted, Time: now, Source: evicted.Source.String(), Action: evicted.Action.String(),
		})
	}
	if err != nil {
		e.ruleErrors.Add(1)
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeRuleRejected, Time: now, Source: src.String(), EventID: a.EventID, Action: ActionBlock.String(), Detail: err.Error(),
		})
		e.logger.Warn("Quarantine rule not installed", "source", src, "error", err)
		return evicted, err
	}
	e.telemetry.Emit(telemetry.Record{
		Type: telemetry.TypeRuleInstalled, Time: now, Source: src.String(), EventID: a.EventID, Action: ActionBlock.String(),
		Fields: map[string]any{"origin": OriginQuarantine.String()},
	})
	return evicted, nil
}

// expire releases src if its quarantine lapsed and removes its
// quarantine rule. A user rule for the source is untouched. Caller holds
// e.mu.
func (e *Engine) expire(src netip.Addr, now time.Time) {
	if e.quarantine.Expire(src, now) {
		e.release(src, now)
	}
}

func (e *Engine) release(src netip.Addr, now time.Time) {
	e.releases.Add(1)
	e.logger.Info("Quarantine lapsed", "source", src)
	e.telemetry.Emit(telemetry.Record{Type: telemetry.TypeRelease, Time: now, Source: src.String()})

	removed, err := e.rules.Remove(src, OriginQuarantine)
	if err != nil {
		e.ruleErrors.Add(1)
		e.logger.Warn("Quarantine rule removal failed", "source", src, "error", err)
	}
	if removed {
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeRuleRemoved, Time: now, Source: src.String(),
			Fields: map[string]any{"origin": OriginQuarantine.String()},
		})
	}
}

// Sweep releases every lapsed quarantine and returns how many.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	released := e.quarantine.Sweep(now)
	for _, src := range released {
		e.release(src, now)
	}
	return len(released)
}

// IsQuarantined reports whether src is quarantined at now.
func (e *Engine) IsQuarantined(src netip.Addr, now time.Time) bool {
	return e.quarantine.IsQuarantined(src, now)
}

// Admit runs src's token bucket. Throttle decisions go to telemetry.
func (e *Engine) Admit(src netip.Addr, now time.Time) Verdict {
	v := e.limiter.Admit(src, now)
	if v == Throttled {
		e.throttled.Add(1)
		e.telemetry.Emit(telemetry.Record{Type: telemetry.TypeThrottle, Time: now, Source: src.Unmap().String()})
	} else {
		e.admitted.Add(1)
	}
	return v
}

// InstallUserRule adds an operator rule. User rules are never evicted.
func (e *Engine) InstallUserRule(src netip.Addr, action Action, now time.Time) error {
	evicted, err := e.rules.Install(src, action, OriginUser, now)
	if evicted != nil {
		e.telemetry.Emit(telemetry.Record{Type: telemetry.TypeRuleEvicted, Time: now, Source: evicted.Source.String(), Action: evicted.Action.String()})
	}
	if err != nil {
		if errors.Is(err, ErrRuleSetFull) {
			e.telemetry.Emit(telemetry.Record{Type: telemetry.TypeRuleRejected, Time: now, Source: src.String(), Action: action.String()})
		}
		return err
	}
	e.telemetry.Emit(telemetry.Record{
		Type: telemetry.TypeRuleInstalled, Time: now, Source: src.String(), Action: action.String(),
		Fields: map[string]any{"origin": OriginUser.String()},
	})
	return nil
}

// RemoveUserRule deletes an operator rule.
func (e *Engine) RemoveUserRule(src netip.Addr, now time.Time) (bool, error) {
	removed, err := e.rules.Remove(src, OriginUser)
	if removed {
		e.telemetry.Emit(telemetry.Record{
			Type: telemetry.TypeRuleRemoved, Time: now, Source: src.String(),
			Fields: map[string]any{"origin": OriginUser.String()},
		})
	}
	return removed, err
}

// AlertSource is a bus consumer of alerts.
type AlertSource interface {
	Recv(ctx context.Context) (detection.Alert, error)
}

// Run handles alerts from in until it is closed and drained. Alert
// timestamps drive time, so replayed streams reach identical state.
func (e *Engine) Run(ctx context.Context, in AlertSource) error {
	for {
		a, err := in.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}
		e.HandleAlert(a, a.Timestamp)
	}
}

// Stats returns counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Alerts:      e.alerts.Load(),
		Quarantines: e.quarantines.Load(),
		Releases:    e.releases.Load(),
		Admitted:    e.admitted.Load(),
		Throttled:   e.throttled.Load(),
		Blocked:     e.blocked.Load(),
		RuleErrors:  e.ruleErrors.Load(),
	}
}
