// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detection turns events into alerts. Each event runs through two
// independent paths: signature matching against the active signature
// generation, and per-source anomaly scoring.
package detection

import (
	"fmt"
	"sync"
	"sync/atomic"

	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/protocol"
	"grimm.is/vakthund/internal/source"
)

// DecodeReporter is told about payloads a protocol decoder rejected. The
// simulator turns these into bug reports; in production they go to
// telemetry. Implementations must not retain ev past the call.
type DecodeReporter interface {
	DecodeFailed(ev *packet.Event, err error)
}

// DecodeReporterFunc adapts a function to DecodeReporter.
type DecodeReporterFunc func(ev *packet.Event, err error)

func (f DecodeReporterFunc) DecodeFailed(ev *packet.Event, err error) { f(ev, err) }

// EngineConfig sizes the anomaly path.
type EngineConfig struct {
	WindowSize int
	Threshold  float64
	// History is the number of recent events per source used to derive
	// rate features.
	History int
	Limits  Limits
}

// EngineStats counts processed events and emitted alerts.
type EngineStats struct {
	Processed       uint64 `json:"processed"`
	SignatureAlerts uint64 `json:"signature_alerts"`
	AnomalyAlerts   uint64 `json:"anomaly_alerts"`
	DecodeFailures  uint64 `json:"decode_failures"`
}

// Engine runs both detection paths. It is safe for concurrent use; per
// source state is locked per source.
type Engine struct {
	signatures *SignatureStore
	features   *FeatureExtractor
	anomaly    *AnomalyDetector
	limits     Limits
	logger     *logging.Logger

	mu       sync.RWMutex
	reporter DecodeReporter

	processed       atomic.Uint64
	signatureAlerts atomic.Uint64
	anomalyAlerts   atomic.Uint64
	decodeFailures  atomic.Uint64
}

// NewEngine builds an engine reading signatures from store.
func NewEngine(cfg EngineConfig, store *SignatureStore, logger *logging.Logger) *Engine {
	if store == nil {
		store = NewSignatureStore()
	}
	return &Engine{
		signatures: store,
		features:   NewFeatureExtractor(cfg.History),
		anomaly:    NewAnomalyDetector(cfg.WindowSize, cfg.Threshold),
		limits:     cfg.Limits,
		logger:     logger.WithComponent("detection"),
	}
}

// SetDecodeReporter installs r. Pass nil to stop reporting.
func (e *Engine) SetDecodeReporter(r DecodeReporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

// Signatures is the store the engine matches against.
func (e *Engine) Signatures() *SignatureStore { return e.signatures }

// Process returns the alerts raised by ev, in the order decode failure,
// signature, anomaly. It never retains ev.
func (e *Engine) Process(ev *packet.Event) []Alert {
	e.processed.Add(1)
	payload := ev.Payload()
	var alerts []Alert

	msg, err := protocol.Decode(ev.Protocol, payload)
	if err != nil {
		alerts = append(alerts, e.decodeFailure(ev, err))
	}

	// One generation per event.
	set := e.signatures.Current()
	if a, ok := e.matchSignatures(ev, set, payload); ok {
		alerts = append(alerts, a)
	}

	obs := Observation{
		Timestamp: ev.Timestamp,
		Bytes:     len(payload),
		Port:      ev.Destination.Port(),
		Connect:   msg.Connect,
	}
	if a, ok := e.scoreAnomaly(ev, obs); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

func (e *Engine) decodeFailure(ev *packet.Event, err error) Alert {
	e.decodeFailures.Add(1)

	e.mu.RLock()
	r := e.reporter
	e.mu.RUnlock()
	if r != nil {
		r.DecodeFailed(ev, err)
	}
	e.logger.Debug("Decode failure", "event_id", ev.ID, "source", ev.Source, "protocol", ev.Protocol, "error", err)

	a := newAlert(ev.ID, ev.Timestamp, ev.Source, KindDecodeFailure)
	a.Severity = SeverityLow
	a.Rule = ev.Protocol.String()
	a.Detail = err.Error()
	return a
}

func (e *Engine) matchSignatures(ev *packet.Event, set *SignatureSet, payload []byte) (Alert, bool) {
	matches := set.Match(payload)
	if len(matches) == 0 {
		return Alert{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Signature.Severity > best.Signature.Severity {
			best = m
		}
	}
	e.signatureAlerts.Add(1)

	a := newAlert(ev.ID, ev.Timestamp, ev.Source, KindSignature)
	a.Severity = best.Signature.Severity
	a.Score = float64(len(matches))
	a.Rule = best.Signature.ID
	a.Detail = fmt.Sprintf("%s at offset %d (generation %d)", best.Signature.Name, best.Offset, set.Generation)
	return a, true
}

func (e *Engine) scoreAnomaly(ev *packet.Event, obs Observation) (Alert, bool) {
	src := source.Key(ev.Source)
	sample := e.features.Update(src, obs)
	score := e.anomaly.Observe(src, sample)

	if e.anomaly.Anomalous(score) {
		e.anomalyAlerts.Add(1)
		a := newAlert(ev.ID, ev.Timestamp, ev.Source, KindAnomaly)
		a.Severity = severityForScore(score.Max, e.anomaly.Threshold())
		a.Score = score.Max
		a.Rule = score.Feature.String()
		a.Detail = fmt.Sprintf("z-score %.2f over threshold %.2f", score.Max, e.anomaly.Threshold())
		return a, true
	}

	if breach, ok := e.limits.Check(sample); ok {
		e.anomalyAlerts.Add(1)
		a := newAlert(ev.ID, ev.Timestamp, ev.Source, KindAnomaly)
		a.Severity = SeverityHigh
		a.Score = breach.Value
		a.Rule = breach.Rule()
		a.Detail = breach.String()
		return a, true
	}
	return Alert{}, false
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Processed:       e.processed.Load(),
		SignatureAlerts: e.signatureAlerts.Load(),
		AnomalyAlerts:   e.anomalyAlerts.Load(),
		DecodeFailures:  e.decodeFailures.Load(),
	}
}
