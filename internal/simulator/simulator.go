// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package simulator drives the pipeline with a reproducible, seeded event
// stream. Time comes from a virtual clock that advances per event, so a
// seed and event count fully determine every payload, source and
// timestamp. Decode failures reported back by detection become bug reports
// that can be replayed up to the failing event.
package simulator

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/config"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/telemetry"
)

// Epoch is the virtual time at which every run starts.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Publisher receives generated events. The simulator drops its own
// reference once Publish returns; a publisher that keeps the event must
// Retain it. *bus.Bus[*packet.Event] satisfies this.
type Publisher interface {
	Publish(ctx context.Context, ev *packet.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev *packet.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev *packet.Event) error { return f(ctx, ev) }

// Config holds what stays fixed across runs.
type Config struct {
	// LogDir receives simulation_<seed>.log. Empty disables the file.
	LogDir string
	// ReportDir receives bug_<seed>_<id>.json. Empty keeps reports in memory.
	ReportDir string
	Generator GeneratorConfig
	// Store is optional.
	Store *Store
	// Clock is the virtual clock, shared with components that schedule
	// work during a run. Nil allocates one.
	Clock *clock.Mock
}

// RunConfig selects one run.
type RunConfig struct {
	Seed       uint64
	EventCount int
	// BugTarget is the event id that gets a malformed payload; 0 disables.
	BugTarget uint64
	// ReplayTarget stops the run after this event id; 0 runs to EventCount.
	ReplayTarget uint64
	// HaltOnBug stops feeding events once a bug report is captured.
	HaltOnBug bool
}

// RunConfigFrom maps the simulator config block.
func RunConfigFrom(c *config.SimulatorConfig) RunConfig {
	return RunConfig{
		Seed:         c.SeedValue(),
		EventCount:   c.EventCount,
		BugTarget:    c.BugTarget(),
		ReplayTarget: c.ReplayTarget,
		HaltOnBug:    c.HaltOnBug,
	}
}

// GeneratorConfigFrom maps the network model settings of the simulator
// config block onto the default traffic mix.
func GeneratorConfigFrom(c *config.SimulatorConfig) GeneratorConfig {
	g := DefaultGeneratorConfig()
	g.Latency = c.LatencyDuration()
	g.Jitter = c.JitterDuration()
	g.LossRate = c.LossRate
	g.FaultRate = c.FaultRate
	return g
}

func (rc RunConfig) validate() error {
	if rc.EventCount < 1 {
		return errors.Errorf(errors.KindValidation, "event count must be positive, got %d", rc.EventCount)
	}
	return nil
}

// last is the final event id the run may generate.
func (rc RunConfig) last() uint64 {
	n := uint64(rc.EventCount)
	if rc.ReplayTarget > 0 && rc.ReplayTarget < n {
		return rc.ReplayTarget
	}
	return n
}

// HaltReason says why a run stopped.
type HaltReason string

const (
	HaltCompleted    HaltReason = "completed"
	HaltReplayTarget HaltReason = "replay_target"
	HaltBug          HaltReason = "bug"
	HaltCancelled    HaltReason = "cancelled"
	HaltClosed       HaltReason = "bus_closed"
)

// Outcome summarises a run.
type Outcome struct {
	RunID  string        `json:"run_id"`
	Seed   uint64        `json:"seed"`
	Halt   HaltReason    `json:"halt"`
	Events []EventRecord `json:"events"`
	// BugReports holds the reports captured by the time Run returned.
	// With an asynchronous publisher, later ones arrive via
	// (*Simulator).BugReports.
	BugReports []BugReport `json:"bug_reports"`
	Published  int         `json:"published"`
	Dropped    int         `json:"dropped"`
	// Lost counts frames the network model kept from detection.
	Lost int `json:"lost"`
	// Elapsed is virtual time from Epoch to the last event.
	Elapsed time.Duration `json:"elapsed"`
}

// LastEventID is the id of the final generated event, 0 if none.
func (o *Outcome) LastEventID() uint64 {
	if len(o.Events) == 0 {
		return 0
	}
	return o.Events[len(o.Events)-1].ID
}

// Simulator owns the virtual clock and the state of the current run.
type Simulator struct {
	cfg    Config
	pool   *packet.Pool
	pub    Publisher
	tel    telemetry.Emitter
	clock  *clock.Mock
	logger *logging.Logger

	running atomic.Bool

	mu  sync.Mutex
	run *run
}

type run struct {
	id     string
	cfg    RunConfig
	halted atomic.Bool

	mu      sync.Mutex
	log     *logging.Logger
	reports []BugReport
	seen    map[uint64]bool
}

// New builds a simulator that ingests into pool and feeds pub.
func New(cfg Config, pool *packet.Pool, pub Publisher, emitter telemetry.Emitter, logger *logging.Logger) (*Simulator, error) {
	if pool == nil || pub == nil {
		return nil, errors.New(errors.KindValidation, "simulator needs a packet pool and a publisher")
	}
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	cfg.Generator = cfg.Generator.withDefaults()
	m := cfg.Clock
	if m == nil {
		m = clock.NewMock()
	}
	m.Set(Epoch)
	return &Simulator{
		cfg:    cfg,
		pool:   pool,
		pub:    pub,
		tel:    emitter,
		clock:  m,
		logger: logger.WithComponent("simulator"),
	}, nil
}

// Clock is the virtual clock. Components that schedule work during a
// simulation use it instead of wall time.
func (s *Simulator) Clock() clock.Clock { return s.clock }

// Run generates events 1..N in order and publishes each. It returns when
// the run completes, reaches its replay target, halts on a bug, or ctx is
// cancelled; in the last case the partial outcome is returned with the
// context error.
func (s *Simulator) Run(ctx context.Context, rc RunConfig) (*Outcome, error) {
	if err := rc.validate(); err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, errors.New(errors.KindConflict, "a simulation is already running")
	}
	defer s.running.Store(false)

	r := &run{id: uuid.NewString(), cfg: rc, log: s.logger, seen: make(map[uint64]bool)}
	closeLog, err := s.openRunLog(r)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	s.mu.Lock()
	s.run = r
	s.mu.Unlock()

	s.clock.Set(Epoch)
	gen := NewGenerator(rc.Seed, rc.BugTarget, s.cfg.Generator)
	ingest := packet.NewIngestor(s.pool)

	if s.cfg.Store != nil {
		if err := s.cfg.Store.RecordRun(r.id, rc, Epoch); err != nil {
			s.logger.Warn("Run not recorded", "run_id", r.id, "error", err)
		}
	}

	out := &Outcome{RunID: r.id, Seed: rc.Seed, Halt: HaltCompleted}
	if rc.last() < uint64(rc.EventCount) {
		out.Halt = HaltReplayTarget
	}
	r.logger().Info("Simulation started", "seed", rc.Seed, "run_id", r.id, "event_count", rc.EventCount,
		"bug_target", rc.BugTarget, "replay_target", rc.ReplayTarget)

	finish := func() {
		out.BugReports = r.snapshot()
		out.Elapsed = s.clock.Now().Sub(Epoch)
		r.logger().Info("Simulation finished", "seed", rc.Seed, "run_id", r.id, "halt", out.Halt,
			"events", len(out.Events), "bug_reports", len(out.BugReports), "dropped", out.Dropped, "lost", out.Lost)
	}

	for id := uint64(1); id <= rc.last(); id++ {
		if err := ctx.Err(); err != nil {
			out.Halt = HaltCancelled
			finish()
			return out, err
		}
		if rc.HaltOnBug && r.halted.Load() {
			out.Halt = HaltBug
			break
		}

		f := gen.Next(id)
		s.clock.Add(f.Step)
		f.Raw.Timestamp = s.clock.Now()

		ev, err := s.ingest(ctx, ingest, f.Raw)
		if err != nil {
			out.Halt = HaltCancelled
			finish()
			return out, err
		}
		if ev.ID != id {
			ev.Release()
			finish()
			return out, errors.Errorf(errors.KindInternal, "ingestor assigned id %d, expected %d", ev.ID, id)
		}

		rec := EventRecord{
			ID:          ev.ID,
			Timestamp:   ev.Timestamp,
			Source:      ev.Source,
			Destination: ev.Destination,
			Protocol:    ev.Protocol.String(),
			Kind:        f.Kind,
			Digest:      EventDigest(ev),
			Payload:     bytes.Clone(ev.Payload()),
			Injected:    f.Injected,
			Lost:        f.Lost,
			Faulted:     f.Faulted,
		}
		out.Events = append(out.Events, rec)
		r.logger().Info("Event generated", "seed", rc.Seed, "event_id", rec.ID, "digest", rec.Digest,
			"timestamp", rec.Timestamp, "source", rec.Source, "protocol", rec.Protocol, "injected", rec.Injected,
			"lost", rec.Lost, "faulted", rec.Faulted)
		if s.cfg.Store != nil {
			if err := s.cfg.Store.RecordEvent(r.id, rec); err != nil {
				s.logger.Warn("Event not recorded", "event_id", rec.ID, "error", err)
			}
		}

		// A lost frame keeps its id and trace entry so ids stay dense and
		// replays line up, but detection never sees it.
		if f.Lost {
			ev.Release()
			out.Lost++
			continue
		}

		err = s.pub.Publish(ctx, ev)
		ev.Release()
		switch {
		case err == nil:
			out.Published++
		case errors.Is(err, bus.ErrFull):
			out.Dropped++
			r.logger().Warn("Event dropped at source", "seed", rc.Seed, "event_id", id, "error", err)
		case errors.Is(err, bus.ErrClosed):
			out.Halt = HaltClosed
			finish()
			return out, nil
		default:
			if ctx.Err() != nil {
				out.Halt = HaltCancelled
			}
			finish()
			return out, err
		}
	}

	finish()
	return out, nil
}

// ingest copies raw into the pool, backing off while the pool is
// exhausted. Dropping here would shift ids, so the frame waits instead.
func (s *Simulator) ingest(ctx context.Context, in *packet.Ingestor, raw packet.Raw) (*packet.Event, error) {
	backoff := 50 * time.Microsecond
	for {
		ev, err := in.Ingest(raw)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, packet.ErrPoolExhausted) {
			return nil, err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, 10*time.Millisecond)
	}
}

func (s *Simulator) openRunLog(r *run) (func(), error) {
	if s.cfg.LogDir == "" {
		return func() {}, nil
	}
	path := filepath.Join(s.cfg.LogDir, fmt.Sprintf("simulation_%d.log", r.cfg.Seed))
	l, closer, err := logging.NewFile(path, logging.LevelInfo)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to open simulation log %s", path)
	}
	r.setLogger(l.With("run_id", r.id))
	return func() {
		r.setLogger(s.logger)
		closer.Close()
	}, nil
}

// DecodeFailed captures a bug report for ev. It is safe to call from
// detection workers; a failure is reported once per event.
func (s *Simulator) DecodeFailed(ev *packet.Event, cause error) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}

	report := newBugReport(r.id, r.cfg.Seed, ev, cause)
	if !r.add(report) {
		return
	}
	if r.cfg.HaltOnBug {
		r.halted.Store(true)
	}

	var path string
	if s.cfg.ReportDir != "" {
		p, err := report.Write(s.cfg.ReportDir)
		if err != nil {
			s.logger.Error("Bug report not written", "event_id", ev.ID, "error", err)
		}
		path = p
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.RecordBugReport(report); err != nil {
			s.logger.Warn("Bug report not recorded", "event_id", ev.ID, "error", err)
		}
	}

	r.logger().Error("Bug report captured", "seed", report.Seed, "event_id", report.EventID,
		"digest", report.Digest, "timestamp", report.Timestamp, "error", report.Error, "path", path)
	s.tel.Emit(telemetry.Record{
		Type:    telemetry.TypeBugReport,
		Time:    report.Timestamp,
		Source:  report.Source.Addr().String(),
		EventID: report.EventID,
		Detail:  report.Error,
		Fields:  map[string]any{"seed": report.Seed, "digest": report.Digest, "path": path, "report_id": report.ID},
	})
}

// BugReports returns every report captured for the latest run.
func (s *Simulator) BugReports() []BugReport {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.snapshot()
}

func (r *run) logger() *logging.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log
}

func (r *run) setLogger(l *logging.Logger) {
	r.mu.Lock()
	r.log = l
	r.mu.Unlock()
}

func (r *run) add(report BugReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[report.EventID] {
		return false
	}
	r.seen[report.EventID] = true
	r.reports = append(r.reports, report)
	return true
}

// snapshot returns the reports in event order, whatever order workers
// reported them in.
func (r *run) snapshot() []BugReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.reports)
	slices.SortFunc(out, func(a, b BugReport) int { return cmp.Compare(a.EventID, b.EventID) })
	return out
}
