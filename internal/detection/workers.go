// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/source"
)

// EventSource is a bus consumer of events.
type EventSource interface {
	Recv(ctx context.Context) (*packet.Event, error)
}

// AlertPublisher receives alerts, typically the alert bus.
type AlertPublisher interface {
	Publish(ctx context.Context, a Alert) error
}

// AlertPublisherFunc adapts a function to AlertPublisher.
type AlertPublisherFunc func(ctx context.Context, a Alert) error

func (f AlertPublisherFunc) Publish(ctx context.Context, a Alert) error { return f(ctx, a) }

// workerQueue is the per-worker backlog between dispatcher and worker.
const workerQueue = 64

// WorkerStats counts what the worker pool did.
type WorkerStats struct {
	Events        uint64 `json:"events"`
	Alerts        uint64 `json:"alerts"`
	AlertsDropped uint64 `json:"alerts_dropped"`
	Abandoned     uint64 `json:"abandoned"`
}

// Workers runs an Engine on n goroutines. Every source is pinned to one
// worker by hash, so a source's events are processed and its alerts
// published in event order.
type Workers struct {
	engine *Engine
	out    AlertPublisher
	n      int
	logger *logging.Logger

	events        atomic.Uint64
	alerts        atomic.Uint64
	alertsDropped atomic.Uint64
	abandoned     atomic.Uint64
}

// NewWorkers returns a pool of n workers publishing to out.
func NewWorkers(engine *Engine, n int, out AlertPublisher, logger *logging.Logger) *Workers {
	if n < 1 {
		n = 1
	}
	return &Workers{
		engine: engine,
		out:    out,
		n:      n,
		logger: logger.WithComponent("detection-workers"),
	}
}

// Run consumes in until it is closed and drained, then waits for the
// workers to finish. When ctx is cancelled, queued events are released
// unprocessed and counted as abandoned.
func (w *Workers) Run(ctx context.Context, in EventSource) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan *packet.Event, w.n)
	for i := range queues {
		queues[i] = make(chan *packet.Event, workerQueue)
		q := queues[i]
		g.Go(func() error {
			w.work(gctx, q)
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			ev, err := in.Recv(gctx)
			if err != nil {
				if errors.Is(err, bus.ErrClosed) {
					return nil
				}
				return err
			}
			q := queues[source.Hash(source.Key(ev.Source))%uint64(w.n)]
			select {
			case q <- ev:
			case <-gctx.Done():
				ev.Release()
				w.abandoned.Add(1)
				return gctx.Err()
			}
		}
	})

	return g.Wait()
}

func (w *Workers) work(ctx context.Context, q <-chan *packet.Event) {
	for ev := range q {
		if ctx.Err() != nil {
			ev.Release()
			w.abandoned.Add(1)
			continue
		}
		w.handle(ctx, ev)
	}
}

func (w *Workers) handle(ctx context.Context, ev *packet.Event) {
	defer ev.Release()
	w.events.Add(1)

	for _, a := range w.engine.Process(ev) {
		if err := w.out.Publish(ctx, a); err != nil {
			w.alertsDropped.Add(1)
			w.logger.Debug("Alert not published", "event_id", a.EventID, "kind", a.Kind, "error", err)
			continue
		}
		w.alerts.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (w *Workers) Stats() WorkerStats {
	return WorkerStats{
		Events:        w.events.Load(),
		Alerts:        w.alerts.Load(),
		AlertsDropped: w.alertsDropped.Load(),
		Abandoned:     w.abandoned.Load(),
	}
}
