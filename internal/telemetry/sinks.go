// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"
	"sync"

	"grimm.is/vakthund/internal/logging"
)

// LogSink writes records to a logger. Alerts and bug reports log at warn,
// everything else at debug.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("telemetry")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, r Record) error {
	args := []any{"type", r.Type, "time", r.Time, "source", r.Source, "event_id", r.EventID}
	if r.Alert != nil {
		args = append(args, "kind", r.Alert.Kind, "severity", r.Alert.Severity, "score", r.Alert.Score, "rule", r.Alert.Rule)
	}
	if r.Action != "" {
		args = append(args, "action", r.Action)
	}
	if r.Detail != "" {
		args = append(args, "detail", r.Detail)
	}
	for k, v := range r.Fields {
		args = append(args, k, v)
	}

	switch r.Type {
	case TypeAlert, TypeBugReport, TypeQuarantine, TypeRuleRejected:
		s.logger.Warn("Telemetry", args...)
	default:
		s.logger.Debug("Telemetry", args...)
	}
	return nil
}

// Ring keeps the most recent records in memory and streams new ones to
// subscribers. Slow subscribers miss records rather than block the hub.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
	subs map[int]chan Record
	seq  int
}

// NewRing keeps size records.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Record, size), subs: make(map[int]chan Record)}
}

func (r *Ring) Name() string { return "ring" }

func (r *Ring) Write(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	return nil
}

// Recent returns stored records, oldest first.
func (r *Ring) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Record(nil), r.buf[:r.next]...)
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Subscribe streams records written after the call. cancel must be called
// to release the subscription; it closes the channel.
func (r *Ring) Subscribe(buffer int) (<-chan Record, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.seq
	r.seq++
	ch := make(chan Record, buffer)
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
