// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline connects ingestion, the event bus, detection and
// prevention into one running system.
//
// Consumer 0 of the event bus is detection and consumer 1 is the
// enforcement gate. Any further consumers are taps. Alerts travel over a
// second bus to the prevention engine. Shutdown closes the event bus first
// and lets every stage drain in order.
package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/capture"
	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/protocol"
)

// Tap is an extra read-only consumer of the event stream. Handle must not
// keep the event past its return.
type Tap interface {
	Name() string
	Handle(ev *packet.Event)
}

// Config sizes a Pipeline.
type Config struct {
	Bus           bus.Config
	AlertCapacity int
	// Consumers caps event bus subscriptions. 1 runs detection alone.
	Consumers     int
	Workers       int
	DrainTimeout  time.Duration
	SweepInterval time.Duration
	// Clock paces the quarantine sweeper. Nil means wall time. Sweeps
	// themselves run against event time, never this clock.
	Clock clock.Clock
}

// GateStats counts enforcement dispositions.
type GateStats struct {
	Pass        uint64 `json:"pass"`
	Blocked     uint64 `json:"blocked"`
	RateLimited uint64 `json:"rate_limited"`
}

// Stats is a snapshot across every stage.
type Stats struct {
	Ingested      uint64                `json:"ingested"`
	IngestDropped uint64                `json:"ingest_dropped"`
	FeedSkipped   uint64                `json:"feed_skipped"`
	Events        bus.Stats             `json:"events"`
	Alerts        bus.Stats             `json:"alerts"`
	Pool          packet.PoolStats      `json:"pool"`
	Detection     detection.WorkerStats `json:"detection"`
	Engine        detection.EngineStats `json:"engine"`
	Prevention    prevention.Stats      `json:"prevention"`
	Gate          GateStats             `json:"gate"`
	Sweeps        uint64                `json:"sweeps"`
	Abandoned     uint64                `json:"abandoned"`
}

type tapConsumer struct {
	tap Tap
	sub *bus.Consumer[*packet.Event]
}

// Pipeline owns the buses and the goroutines between them.
type Pipeline struct {
	cfg    Config
	pool   *packet.Pool
	ingest *packet.Ingestor
	det    *detection.Engine
	prev   *prevention.Engine
	logger *logging.Logger

	events  *bus.Bus[*packet.Event]
	alerts  *bus.Bus[detection.Alert]
	workers *detection.Workers

	detectSub *bus.Consumer[*packet.Event]
	gateSub   *bus.Consumer[*packet.Event]
	alertSub  *bus.Consumer[detection.Alert]
	taps      []tapConsumer

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	stopOnce sync.Once
	stopErr  error

	ingested      atomic.Uint64
	ingestDropped atomic.Uint64
	feedSkipped   atomic.Uint64
	pass          atomic.Uint64
	blocked       atomic.Uint64
	rateLimited   atomic.Uint64
	sweeps        atomic.Uint64
	abandoned     atomic.Uint64
	// Newest event timestamp published, in unix nanoseconds.
	eventTime atomic.Int64
}

// New builds the buses and subscribes every consumer. Subscribing more
// consumers than cfg.Consumers allows is a validation error.
func New(cfg Config, pool *packet.Pool, det *detection.Engine, prev *prevention.Engine, logger *logging.Logger, taps ...Tap) (*Pipeline, error) {
	if pool == nil || det == nil || prev == nil {
		return nil, errors.New(errors.KindValidation, "pipeline needs a pool and both engines")
	}
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if need := 2 + len(taps); cfg.Consumers > 1 && need > cfg.Consumers {
		return nil, errors.Errorf(errors.KindValidation, "%d event consumers requested, num_consumers is %d", need, cfg.Consumers)
	}
	if cfg.Consumers == 1 && len(taps) > 0 {
		return nil, errors.New(errors.KindValidation, "taps need num_consumers of at least 3")
	}
	if cfg.AlertCapacity <= 0 {
		cfg.AlertCapacity = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	events, err := bus.New[*packet.Event](cfg.Bus,
		bus.WithRetain(func(ev *packet.Event) { ev.Retain() }),
		bus.WithRelease(func(ev *packet.Event) { ev.Release() }),
	)
	if err != nil {
		return nil, err
	}
	// Alerts are few and prevention must see every one.
	alerts, err := bus.New[detection.Alert](bus.Config{Capacity: cfg.AlertCapacity, Strategy: bus.StrategyBlock})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		pool:   pool,
		ingest: packet.NewIngestor(pool),
		det:    det,
		prev:   prev,
		logger: logger.WithComponent("pipeline"),
		events: events,
		alerts: alerts,
	}
	p.workers = detection.NewWorkers(det, cfg.Workers, alerts, logger)

	if p.detectSub, err = events.Subscribe(); err != nil {
		return nil, err
	}
	if cfg.Consumers > 1 {
		if p.gateSub, err = events.Subscribe(); err != nil {
			return nil, err
		}
	}
	for _, t := range taps {
		sub, err := events.Subscribe()
		if err != nil {
			return nil, err
		}
		p.taps = append(p.taps, tapConsumer{tap: t, sub: sub})
	}
	if p.alertSub, err = alerts.Subscribe(); err != nil {
		return nil, err
	}
	return p, nil
}

// Start launches every stage. It returns immediately; use Stop to drain.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New(errors.KindConflict, "pipeline already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	var stages errgroup.Group
	stages.Go(func() error {
		defer p.alerts.Close()
		consumers, cctx := errgroup.WithContext(ctx)
		consumers.Go(func() error { return p.workers.Run(cctx, p.detectSub) })
		if p.gateSub != nil {
			consumers.Go(func() error { return p.runGate(cctx) })
		}
		for _, t := range p.taps {
			consumers.Go(func() error { return p.runTap(cctx, t) })
		}
		return consumers.Wait()
	})
	stages.Go(func() error { return p.prev.Run(ctx, p.alertSub) })

	// The ticker exists before Start returns so a mock clock advanced right
	// after Start still fires it.
	ticker := p.cfg.Clock.Ticker(p.cfg.SweepInterval)
	sweepDone := make(chan struct{})
	go p.sweep(ctx, ticker, sweepDone)

	go func() {
		p.runErr = stages.Wait()
		close(sweepDone)
		close(p.done)
	}()

	p.logger.Info("Pipeline started",
		"workers", p.cfg.Workers,
		"consumers", p.events.Stats().Consumers,
		"strategy", p.cfg.Bus.Strategy.String())
	return nil
}

func (p *Pipeline) runGate(ctx context.Context) error {
	for {
		ev, err := p.gateSub.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}
		p.enforce(ev)
		ev.Release()
	}
}

// enforce checks the rule set and quarantine for every event and spends a
// token for every session-opening message. Event time keeps replays exact.
func (p *Pipeline) enforce(ev *packet.Event) {
	msg, err := protocol.Decode(ev.Protocol, ev.Payload())
	connect := err == nil && msg.Connect

	switch p.prev.Inspect(ev.Source.Addr(), connect, ev.Timestamp) {
	case prevention.Blocked:
		p.blocked.Add(1)
	case prevention.RateLimited:
		p.rateLimited.Add(1)
	default:
		p.pass.Add(1)
	}
}

func (p *Pipeline) runTap(ctx context.Context, t tapConsumer) error {
	for {
		ev, err := t.sub.Recv(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				return nil
			}
			return err
		}
		t.tap.Handle(ev)
		ev.Release()
	}
}

func (p *Pipeline) sweep(ctx context.Context, ticker *clock.Ticker, done <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			p.sweepAt()
		}
	}
}

// sweepAt releases quarantines that lapsed by the newest event time. A
// capture replayed long after it was recorded keeps its quarantines for
// as long as they lasted on the wire.
func (p *Pipeline) sweepAt() {
	now, ok := p.EventTime()
	if !ok {
		return
	}
	if n := p.prev.Sweep(now); n > 0 {
		p.logger.Debug("Quarantine sweep", "released", n, "event_time", now)
	}
	p.sweeps.Add(1)
}

// observe advances the event time watermark to at.
func (p *Pipeline) observe(at time.Time) {
	ns := at.UnixNano()
	for {
		cur := p.eventTime.Load()
		if ns <= cur || p.eventTime.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// EventTime is the newest event timestamp published so far. ok is false
// before the first event.
func (p *Pipeline) EventTime() (time.Time, bool) {
	ns := p.eventTime.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

// Publish hands ev to the event bus. The caller keeps its own reference and
// must Release it; the bus retains one per consumer.
func (p *Pipeline) Publish(ctx context.Context, ev *packet.Event) error {
	if err := p.events.Publish(ctx, ev); err != nil {
		return err
	}
	p.observe(ev.Timestamp)
	return nil
}

// Ingest copies raw into the pool and publishes it. With the block
// strategy an exhausted pool is waited out; otherwise the frame is dropped
// and the exhaustion error returned.
func (p *Pipeline) Ingest(ctx context.Context, raw packet.Raw) error {
	ev, err := p.acquire(ctx, raw)
	if err != nil {
		p.ingestDropped.Add(1)
		return err
	}
	defer ev.Release()

	if err := p.Publish(ctx, ev); err != nil {
		p.ingestDropped.Add(1)
		return err
	}
	p.ingested.Add(1)
	return nil
}

func (p *Pipeline) acquire(ctx context.Context, raw packet.Raw) (*packet.Event, error) {
	backoff := 50 * time.Microsecond
	for {
		ev, err := p.ingest.Ingest(raw)
		if err == nil {
			return ev, nil
		}
		if p.cfg.Bus.Strategy != bus.StrategyBlock || !errors.Is(err, packet.ErrPoolExhausted) {
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

// Feed ingests src until it is exhausted. Failures of a recoverable kind
// are scoped to one frame, so they are counted and skipped; anything else,
// a closed bus or a cancelled ctx stops the feed.
func (p *Pipeline) Feed(ctx context.Context, src capture.Source) (int, error) {
	n := 0
	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err == nil {
			if err = p.Ingest(ctx, raw); err == nil {
				n++
				continue
			}
		}
		if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) || !errors.GetKind(err).Recoverable() {
			return n, err
		}
		p.feedSkipped.Add(1)
		p.logger.Debug("Frame skipped", "source", raw.Source.String(), "kind", errors.GetKind(err).String(), "error", err)
	}
}

// Stop closes the event bus and waits for every stage to drain. If the
// drain timeout passes first, the stages are cancelled, whatever is still
// queued is released, and a timeout error carries the abandoned count.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() { p.stopErr = p.stop() })
	return p.stopErr
}

func (p *Pipeline) stop() error {
	p.events.Close()
	if !p.started.Load() {
		p.alerts.Close()
		p.drain()
		return nil
	}

	timeout := p.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-p.done:
		p.cancel()
		// Every alert is applied, so a last sweep leaves the state the
		// event stream implies at its final timestamp.
		p.sweepAt()
		p.logger.Info("Pipeline drained", "ingested", p.ingested.Load())
		if p.runErr != nil && !errors.Is(p.runErr, context.Canceled) {
			return p.runErr
		}
		return nil
	case <-t.C:
	}

	p.cancel()
	<-p.done
	n := p.drain()
	p.logger.Warn("Pipeline drain timed out", "abandoned", n)
	err := errors.Errorf(errors.KindTimeout, "pipeline did not drain within %s", timeout)
	return errors.Attr(err, "abandoned", n)
}

// drain releases everything still queued and returns the total abandoned,
// including events the detection workers dropped on cancellation.
func (p *Pipeline) drain() uint64 {
	n := uint64(p.detectSub.Drain())
	if p.gateSub != nil {
		n += uint64(p.gateSub.Drain())
	}
	for _, t := range p.taps {
		n += uint64(t.sub.Drain())
	}
	n += uint64(p.alertSub.Drain())
	n += p.workers.Stats().Abandoned
	p.abandoned.Store(n)
	return n
}

// Stats returns a snapshot of every stage.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ingested:      p.ingested.Load(),
		IngestDropped: p.ingestDropped.Load(),
		FeedSkipped:   p.feedSkipped.Load(),
		Events:        p.events.Stats(),
		Alerts:        p.alerts.Stats(),
		Pool:          p.pool.Stats(),
		Detection:     p.workers.Stats(),
		Engine:        p.det.Stats(),
		Prevention:    p.prev.Stats(),
		Gate: GateStats{
			Pass:        p.pass.Load(),
			Blocked:     p.blocked.Load(),
			RateLimited: p.rateLimited.Load(),
		},
		Sweeps:    p.sweeps.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

// Prevention exposes the prevention engine for the API.
func (p *Pipeline) Prevention() *prevention.Engine { return p.prev }

// Detection exposes the detection engine.
func (p *Pipeline) Detection() *detection.Engine { return p.det }
