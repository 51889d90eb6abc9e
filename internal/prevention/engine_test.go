// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prevention

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/telemetry"
)

type recorder struct {
	mu      sync.Mutex
	records []telemetry.Record
}

func (r *recorder) Emit(rec telemetry.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) types() []telemetry.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telemetry.Type, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

func testConfig() Config {
	return Config{
		MinSeverity:       detection.SeverityMedium,
		QuarantineTimeout: 5 * time.Minute,
		Whitelist:         []string{"192.168.1.0/24"},
		MaxRules:          4,
		DefaultPolicy:     ActionAllow,
		RefillRate:        10,
		Burst:             5,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *MemoryBackend, *recorder) {
	t.Helper()
	backend := NewMemoryBackend()
	rec := &recorder{}
	e, err := NewEngine(cfg, backend, rec, logging.Nop())
	require.NoError(t, err)
	return e, backend, rec
}

func alertFrom(src string, id uint64, sev detection.Severity, at time.Time) detection.Alert {
	return detection.Alert{
		EventID:   id,
		Timestamp: at,
		Source:    netip.AddrPortFrom(netip.MustParseAddr(src), 40000),
		Kind:      detection.KindSignature,
		Severity:  sev,
		Rule:      "sig-1",
	}
}

func TestHandleAlertQuarantinesAndInstallsRule(t *testing.T) {
	e, backend, rec := newTestEngine(t, testConfig())
	src := netip.MustParseAddr("10.0.0.7")

	d := e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	assert.Equal(t, OutcomeQuarantined, d.Outcome)
	require.NoError(t, d.RuleErr)

	assert.True(t, e.IsQuarantined(src, t0))
	assert.Equal(t, ActionBlock, e.Rules().Evaluate(src, t0))
	action, ok := backend.Installed(src)
	require.True(t, ok)
	assert.Equal(t, ActionBlock, action)

	assert.Equal(t, []telemetry.Type{telemetry.TypeAlert, telemetry.TypeQuarantine, telemetry.TypeRuleInstalled}, rec.types())
	assert.EqualValues(t, 1, e.Stats().Quarantines)
}

func TestHandleAlertBelowSeverityOnlyRecords(t *testing.T) {
	e, backend, rec := newTestEngine(t, testConfig())

	d := e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityLow, t0), t0)
	assert.Equal(t, OutcomeBelowSeverity, d.Outcome)
	assert.False(t, e.IsQuarantined(netip.MustParseAddr("10.0.0.7"), t0))
	assert.Empty(t, backend.Sources())
	assert.Equal(t, []telemetry.Type{telemetry.TypeAlert}, rec.types())
}

func TestHandleAlertWhitelisted(t *testing.T) {
	e, backend, _ := newTestEngine(t, testConfig())

	d := e.HandleAlert(alertFrom("192.168.1.20", 1, detection.SeverityCritical, t0), t0)
	assert.Equal(t, OutcomeWhitelisted, d.Outcome)
	assert.Empty(t, backend.Sources())
	assert.Equal(t, StateWhitelisted, e.Quarantine().State(netip.MustParseAddr("192.168.1.20"), t0))
}

func TestHandleAlertExtendsQuarantine(t *testing.T) {
	cfg := testConfig()
	e, _, _ := newTestEngine(t, cfg)
	src := netip.MustParseAddr("10.0.0.7")

	e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	later := t0.Add(4 * time.Minute)
	d := e.HandleAlert(alertFrom("10.0.0.7", 2, detection.SeverityHigh, later), later)
	assert.Equal(t, OutcomeExtended, d.Outcome)

	assert.True(t, e.IsQuarantined(src, t0.Add(cfg.QuarantineTimeout)))
	assert.False(t, e.IsQuarantined(src, later.Add(cfg.QuarantineTimeout)))
}

func TestSweepReleasesAndRemovesRule(t *testing.T) {
	cfg := testConfig()
	e, backend, rec := newTestEngine(t, cfg)
	src := netip.MustParseAddr("10.0.0.7")

	e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	rec.reset()

	assert.Zero(t, e.Sweep(t0.Add(cfg.QuarantineTimeout-time.Nanosecond)))
	assert.Equal(t, 1, e.Sweep(t0.Add(cfg.QuarantineTimeout)))

	assert.False(t, e.IsQuarantined(src, t0.Add(cfg.QuarantineTimeout)))
	_, ok := backend.Installed(src)
	assert.False(t, ok)
	assert.Equal(t, ActionAllow, e.Rules().Evaluate(src, t0.Add(cfg.QuarantineTimeout)))
	assert.Equal(t, []telemetry.Type{telemetry.TypeRelease, telemetry.TypeRuleRemoved}, rec.types())
}

func TestLapsedQuarantineReleasedOnNextAlert(t *testing.T) {
	cfg := testConfig()
	e, _, rec := newTestEngine(t, cfg)

	e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	rec.reset()

	later := t0.Add(time.Hour)
	d := e.HandleAlert(alertFrom("10.0.0.7", 2, detection.SeverityHigh, later), later)
	assert.Equal(t, OutcomeQuarantined, d.Outcome)
	assert.Equal(t, []telemetry.Type{
		telemetry.TypeAlert, telemetry.TypeRelease, telemetry.TypeRuleRemoved,
		telemetry.TypeQuarantine, telemetry.TypeRuleInstalled,
	}, rec.types())
	assert.EqualValues(t, 1, e.Stats().Releases)
}

func TestAlertBeforeExpiryResumesSweptQuarantine(t *testing.T) {
	cfg := testConfig()
	e, backend, rec := newTestEngine(t, cfg)
	src := netip.MustParseAddr("10.0.0.7")

	e.HandleAlert(alertFrom("10.0.0.7", 4, detection.SeverityHigh, t0), t0)
	require.Equal(t, 1, e.Sweep(t0.Add(time.Hour)))
	rec.reset()

	// Stamped while the quarantine still held, so the sweep was early.
	at := t0.Add(4 * time.Minute)
	d := e.HandleAlert(alertFrom("10.0.0.7", 5, detection.SeverityHigh, at), at)
	assert.Equal(t, OutcomeResumed, d.Outcome)
	assert.True(t, e.IsQuarantined(src, at.Add(cfg.QuarantineTimeout-time.Second)))
	_, ok := backend.Installed(src)
	assert.True(t, ok)
	assert.Equal(t, []telemetry.Type{telemetry.TypeAlert, telemetry.TypeQuarantine, telemetry.TypeRuleInstalled}, rec.types())

	d = e.HandleAlert(alertFrom("10.0.0.7", 3, detection.SeverityHigh, at), at)
	assert.Equal(t, OutcomeStale, d.Outcome)
}

func TestSweepOrderDoesNotChangeFinalState(t *testing.T) {
	cfg := testConfig()
	first := alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0)
	second := alertFrom("10.0.0.7", 2, detection.SeverityHigh, t0.Add(4*time.Minute))
	sweepAt := t0.Add(6 * time.Minute)

	alertThenSweep, backendA, _ := newTestEngine(t, cfg)
	alertThenSweep.HandleAlert(first, first.Timestamp)
	alertThenSweep.HandleAlert(second, second.Timestamp)
	alertThenSweep.Sweep(sweepAt)

	sweepThenAlert, backendB, _ := newTestEngine(t, cfg)
	sweepThenAlert.HandleAlert(first, first.Timestamp)
	sweepThenAlert.Sweep(sweepAt)
	sweepThenAlert.HandleAlert(second, second.Timestamp)

	assert.Equal(t, alertThenSweep.Quarantine().Snapshot(sweepAt), sweepThenAlert.Quarantine().Snapshot(sweepAt))
	assert.Len(t, sweepThenAlert.Quarantine().Snapshot(sweepAt), 1)
	assert.Equal(t, backendA.Sources(), backendB.Sources())
	assert.Equal(t, alertThenSweep.Rules().Len(), sweepThenAlert.Rules().Len())
}

func TestQuarantineRulesEvictedWhenFull(t *testing.T) {
	e, _, rec := newTestEngine(t, testConfig())

	for i, src := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		at := t0.Add(time.Duration(i) * time.Second)
		e.HandleAlert(alertFrom(src, uint64(i+1), detection.SeverityHigh, at), at)
	}
	assert.Equal(t, 4, e.Rules().Len())
	_, ok := e.Rules().Lookup(netip.MustParseAddr("10.0.0.1"), OriginQuarantine)
	assert.False(t, ok)
	assert.Contains(t, rec.types(), telemetry.TypeRuleEvicted)
	// Still quarantined even without a rule.
	assert.True(t, e.IsQuarantined(netip.MustParseAddr("10.0.0.1"), t0.Add(5*time.Second)))
}

func TestQuarantineRuleRejectedWhenUserRulesFill(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRules = 1
	e, _, rec := newTestEngine(t, cfg)

	require.NoError(t, e.InstallUserRule(netip.MustParseAddr("10.0.0.9"), ActionAllow, t0))
	d := e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	assert.Equal(t, OutcomeQuarantined, d.Outcome)
	require.Error(t, d.RuleErr)
	assert.ErrorIs(t, d.RuleErr, ErrRuleSetFull)
	assert.Contains(t, rec.types(), telemetry.TypeRuleRejected)
	assert.EqualValues(t, 1, e.Stats().RuleErrors)
}

func TestUserRuleLifecycle(t *testing.T) {
	e, backend, _ := newTestEngine(t, testConfig())
	src := netip.MustParseAddr("10.0.0.9")

	require.NoError(t, e.InstallUserRule(src, ActionBlock, t0))
	assert.Equal(t, ActionBlock, e.Rules().Evaluate(src, t0))

	removed, err := e.RemoveUserRule(src, t0)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, backend.Sources())
}

func TestEngineAdmitCountsThrottles(t *testing.T) {
	e, _, rec := newTestEngine(t, testConfig())
	src := netip.MustParseAddr("10.0.0.7")
	for i := 0; i < 5; i++ {
		assert.Equal(t, Admitted, e.Admit(src, t0))
	}
	assert.Equal(t, Throttled, e.Admit(src, t0))
	assert.Equal(t, []telemetry.Type{telemetry.TypeThrottle}, rec.types())
	stats := e.Stats()
	assert.EqualValues(t, 5, stats.Admitted)
	assert.EqualValues(t, 1, stats.Throttled)
}

func TestNewEngineValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Burst = 0
	_, err := NewEngine(cfg, nil, nil, logging.Nop())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxRules = 0
	_, err = NewEngine(cfg, nil, nil, logging.Nop())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Whitelist = []string{"not-an-address"}
	_, err = NewEngine(cfg, nil, nil, logging.Nop())
	assert.Error(t, err)
}

func TestRunUsesAlertTimestamps(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	b, err := bus.New[detection.Alert](bus.Config{Capacity: 8, Strategy: bus.StrategyBlock})
	require.NoError(t, err)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0)))
	require.NoError(t, b.Publish(ctx, alertFrom("10.0.0.8", 2, detection.SeverityLow, t0)))
	b.Close()

	require.NoError(t, e.Run(ctx, sub))
	assert.True(t, e.IsQuarantined(netip.MustParseAddr("10.0.0.7"), t0))
	assert.False(t, e.IsQuarantined(netip.MustParseAddr("10.0.0.8"), t0))
	assert.EqualValues(t, 2, e.Stats().Alerts)
}

func TestInspect(t *testing.T) {
	cfg := testConfig()
	cfg.Burst = 1
	cfg.RefillRate = 1
	e, _, _ := newTestEngine(t, cfg)
	src := netip.MustParseAddr("10.0.0.7")

	assert.Equal(t, Pass, e.Inspect(src, false, t0))
	assert.Equal(t, Pass, e.Inspect(src, true, t0))
	assert.Equal(t, RateLimited, e.Inspect(src, true, t0))
	assert.Equal(t, Pass, e.Inspect(src, false, t0), "only connects spend tokens")

	e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityHigh, t0), t0)
	assert.Equal(t, Blocked, e.Inspect(src, true, t0.Add(time.Second)))

	require.NoError(t, e.InstallUserRule(netip.MustParseAddr("10.0.0.8"), ActionBlock, t0))
	assert.Equal(t, Blocked, e.Inspect(netip.MustParseAddr("::ffff:10.0.0.8"), false, t0))
	assert.EqualValues(t, 2, e.Stats().Blocked)
}

func TestInspectReleasesLapsedQuarantine(t *testing.T) {
	cfg := testConfig()
	e, backend, rec := newTestEngine(t, cfg)
	src := netip.MustParseAddr("10.0.0.7")

	e.HandleAlert(alertFrom("10.0.0.7", 1, detection.SeverityCritical, t0), t0)
	assert.Equal(t, Blocked, e.Inspect(src, false, t0.Add(cfg.QuarantineTimeout-time.Second)))
	rec.reset()

	// No sweep runs; traffic after the timeout is enough to release.
	later := t0.Add(cfg.QuarantineTimeout + time.Minute)
	assert.Equal(t, Pass, e.Inspect(src, false, later))
	assert.False(t, e.IsQuarantined(src, later))
	_, ok := backend.Installed(src)
	assert.False(t, ok)
	_, ok = e.Rules().Lookup(src, OriginQuarantine)
	assert.False(t, ok)
	assert.Equal(t, []telemetry.Type{telemetry.TypeRelease, telemetry.TypeRuleRemoved}, rec.types())
	assert.EqualValues(t, 1, e.Stats().Releases)
}
