// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"grimm.is/vakthund/internal/bus"
	"grimm.is/vakthund/internal/config"
	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/telemetry"
)

// ringSize is how many recent telemetry records the API can list.
const ringSize = 512

// Options carries what configuration files cannot express.
type Options struct {
	// Clock drives repository refresh and quarantine sweeps. Nil is wall time.
	Clock clock.Clock
	// Signatures is installed before the repository loads anything. Used
	// when no signature path is configured.
	Signatures *detection.SignatureSet
	// Registry receives every collector. Nil creates one.
	Registry *prometheus.Registry
}

// Components is a fully wired vakthund instance.
type Components struct {
	Config     *config.Config
	Pool       *packet.Pool
	Signatures *detection.SignatureStore
	Repository *detection.Repository
	Detection  *detection.Engine
	Backend    prevention.Backend
	Prevention *prevention.Engine
	Hub        *telemetry.Hub
	Ring       *telemetry.Ring
	Registry   *prometheus.Registry
	Pipeline   *Pipeline

	logger   *logging.Logger
	closers  []func() error
	bg       errgroup.Group
	stopRepo context.CancelFunc
}

// Assemble builds every component from cfg. Nothing runs until Start.
func Assemble(cfg *config.Config, opts Options, logger *logging.Logger) (*Components, error) {
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(collectors.NewGoCollector())
	}

	c := &Components{
		Config:   cfg,
		Registry: opts.Registry,
		Ring:     telemetry.NewRing(ringSize),
		logger:   logger.WithComponent("assemble"),
	}
	fail := func(err error) (*Components, error) {
		c.closeAll()
		return nil, err
	}

	sinks := []telemetry.Sink{telemetry.NewLogSink(logger), c.Ring}
	if cfg.Telemetry.Prometheus {
		ps, err := telemetry.NewPrometheusSink(c.Registry)
		if err != nil {
			return fail(errors.Wrap(err, errors.KindInternal, "register telemetry metrics"))
		}
		sinks = append(sinks, ps)
	}
	if cfg.Telemetry.NATSURL != "" {
		nc, err := telemetry.DialNATS(cfg.Telemetry.NATSURL)
		if err != nil {
			return fail(err)
		}
		c.closers = append(c.closers, func() error { nc.Close(); return nil })
		sinks = append(sinks, telemetry.NewNATSSink(nc, telemetry.DefaultNATSConfig(cfg.Telemetry.NATSSubject), logger))
	}
	c.Hub = telemetry.NewHub(cfg.Telemetry.Buffer, logger, sinks...)

	pool, err := packet.NewPool(packet.PoolConfig{
		ChunkSize:     cfg.Memory.ArenaChunkSize,
		Capacity:      cfg.Memory.InitialCapacity,
		MaxPacketSize: cfg.Memory.MaxPacketSize,
	})
	if err != nil {
		return fail(err)
	}
	c.Pool = pool

	c.Signatures = detection.NewSignatureStore()
	if opts.Signatures != nil {
		c.Signatures.Swap(opts.Signatures)
	}
	c.Repository = detection.NewRepository(detection.RepositoryConfig{
		Path:           cfg.Detection.SignaturePath,
		UpdateInterval: cfg.Detection.UpdateIntervalDuration(),
		Watch:          cfg.Detection.Watch,
	}, c.Signatures, opts.Clock, logger)
	c.Repository.OnReload(func(set *detection.SignatureSet, err error) {
		rec := telemetry.Record{Type: telemetry.TypeSignatureReload, Time: opts.Clock.Now()}
		if err != nil {
			rec.Detail = err.Error()
		} else {
			rec.Detail = set.Version
			rec.Fields = map[string]any{"generation": set.Generation, "signatures": set.Len()}
		}
		c.Hub.Emit(rec)
	})

	c.Detection = detection.NewEngine(detection.EngineConfig{
		WindowSize: cfg.Anomaly.WindowSize,
		Threshold:  cfg.Anomaly.Threshold,
		History:    cfg.Anomaly.History,
		Limits: detection.Limits{
			PacketRate:     cfg.Monitor.PacketRate,
			DataVolume:     cfg.Monitor.DataVolume,
			PortEntropy:    cfg.Monitor.PortEntropy,
			ConnectionRate: cfg.Monitor.ConnectionRate,
		},
	}, c.Signatures, logger)
	c.Detection.SetDecodeReporter(DecodeTelemetry(c.Hub))

	minSeverity, err := detection.ParseSeverity(cfg.Alerts.MinSeverity)
	if err != nil {
		return fail(err)
	}
	policy, err := prevention.ParseAction(cfg.Firewall.DefaultPolicy)
	if err != nil {
		return fail(err)
	}
	c.Backend, err = prevention.NewBackend(cfg.Firewall.Backend, cfg.Firewall.Table, logger)
	if err != nil {
		return fail(err)
	}
	if cl, ok := c.Backend.(io.Closer); ok {
		c.closers = append(c.closers, cl.Close)
	}
	c.Prevention, err = prevention.NewEngine(prevention.Config{
		MinSeverity:       minSeverity,
		QuarantineTimeout: cfg.Quarantine.TimeoutDuration(),
		Whitelist:         cfg.Quarantine.Whitelist,
		MaxRules:          cfg.Firewall.MaxRules,
		DefaultPolicy:     policy,
		RefillRate:        cfg.RateLimit.MaxConnections,
		Burst:             cfg.RateLimit.BurstSize,
	}, c.Backend, c.Hub, logger)
	if err != nil {
		return fail(err)
	}

	strategy, err := bus.ParseStrategy(cfg.EventBus.FullQueueStrategy)
	if err != nil {
		return fail(err)
	}
	var taps []Tap
	if cfg.EventBus.NumConsumers > 2 {
		mt, err := NewMetricsTap(c.Registry)
		if err != nil {
			return fail(errors.Wrap(err, errors.KindInternal, "register event metrics"))
		}
		taps = append(taps, mt)
	}
	c.Pipeline, err = New(Config{
		Bus:           bus.Config{Capacity: cfg.EventBus.Capacity, Strategy: strategy},
		AlertCapacity: cfg.EventBus.AlertCapacity,
		Consumers:     cfg.EventBus.NumConsumers,
		Workers:       cfg.Detection.Workers,
		DrainTimeout:  cfg.Pipeline.DrainTimeoutDuration(),
		Clock:         opts.Clock,
	}, pool, c.Detection, c.Prevention, logger, taps...)
	if err != nil {
		return fail(err)
	}
	return c, nil
}

// ReportDecodeFailures adds r next to the telemetry reporter.
func (c *Components) ReportDecodeFailures(r detection.DecodeReporter) {
	c.Detection.SetDecodeReporter(DecodeReporters(DecodeTelemetry(c.Hub), r))
}

// Start runs telemetry, the signature repository and the pipeline.
func (c *Components) Start(ctx context.Context) error {
	repoCtx, cancel := context.WithCancel(ctx)
	c.stopRepo = cancel
	c.bg.Go(func() error { return c.Hub.Run(ctx) })
	c.bg.Go(func() error { return c.Repository.Run(repoCtx) })
	return c.Pipeline.Start(ctx)
}

// Close drains the pipeline, then telemetry, then releases external
// resources. The pipeline error, if any, is returned first.
func (c *Components) Close() error {
	var errs []error
	if err := c.Pipeline.Stop(); err != nil {
		errs = append(errs, err)
	}
	if c.stopRepo != nil {
		c.stopRepo()
	}
	c.Hub.Close()
	if err := c.bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := c.closeAll(); err != nil {
		errs = append(errs, err)
	}
	hs := c.Hub.Stats()
	c.logger.Info("Shut down", "telemetry_delivered", hs.Delivered, "telemetry_dropped", hs.Dropped)
	return errors.Join(errs...)
}

func (c *Components) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
