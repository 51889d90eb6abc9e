// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package telemetry carries structured records out of the pipeline. Emit
// never blocks: records are buffered and fanned out to sinks by a single
// goroutine, and a full buffer drops rather than stalls the caller.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/logging"
)

// Type names a record.
type Type string

const (
	TypeAlert           Type = "alert"
	TypeDecodeFailure   Type = "decode_failure"
	TypeBugReport       Type = "bug_report"
	TypeRuleInstalled   Type = "rule_installed"
	TypeRuleRemoved     Type = "rule_removed"
	TypeRuleEvicted     Type = "rule_evicted"
	TypeRuleRejected    Type = "rule_rejected"
	TypeThrottle        Type = "throttle"
	TypeQuarantine      Type = "quarantine"
	TypeRelease         Type = "release"
	TypeSignatureReload Type = "signature_reload"
)

// Record is one telemetry emission.
type Record struct {
	Type    Type             `json:"type"`
	Time    time.Time        `json:"time"`
	Source  string           `json:"source,omitempty"`
	EventID uint64           `json:"event_id,omitempty"`
	Alert   *detection.Alert `json:"alert,omitempty"`
	Action  string           `json:"action,omitempty"`
	Detail  string           `json:"detail,omitempty"`
	Fields  map[string]any   `json:"fields,omitempty"`
}

// Emitter accepts records without blocking.
type Emitter interface {
	Emit(r Record)
}

// Nop discards records.
type Nop struct{}

func (Nop) Emit(Record) {}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Record)

func (f EmitterFunc) Emit(r Record) { f(r) }

// Sink is a telemetry destination.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
}

// HubStats counts hub activity.
type HubStats struct {
	Emitted   uint64 `json:"emitted"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Hub buffers records and delivers each to every sink.
type Hub struct {
	ch     chan Record
	sinks  []Sink
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewHub buffers up to buffer records.
func NewHub(buffer int, logger *logging.Logger, sinks ...Sink) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		ch:     make(chan Record, buffer),
		sinks:  sinks,
		logger: logger.WithComponent("telemetry"),
	}
}

// Emit queues r, dropping it when the buffer is full or the hub closed.
func (h *Hub) Emit(r Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.ch <- r:
		h.emitted.Add(1)
	default:
		h.dropped.Add(1)
	}
}

// Run delivers records until Close has been called and the buffer is
// drained, or ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case r, ok := <-h.ch:
			if !ok {
				return nil
			}
			h.deliver(ctx, r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Hub) deliver(ctx context.Context, r Record) {
	for _, s := range h.sinks {
		if err := s.Write(ctx, r); err != nil {
			h.failed.Add(1)
			h.logger.Debug("Telemetry sink failed", "sink", s.Name(), "type", r.Type, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
}

// Close stops accepting records. Run returns once the buffer is drained.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
}

// Stats returns counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Emitted:   h.emitted.Load(),
		Dropped:   h.dropped.Load(),
		Delivered: h.delivered.Load(),
		Failed:    h.failed.Load(),
	}
}

// AlertRecord wraps an alert.
func AlertRecord(a detection.Alert) Record {
	return Record{
		Type:    TypeAlert,
		Time:    a.Timestamp,
		Source:  a.Source.Addr().String(),
		EventID: a.EventID,
		Alert:   &a,
	}
}
