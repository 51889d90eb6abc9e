// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// vakthund-sim drives the full detection and prevention pipeline with
// seeded synthetic traffic on a virtual clock.
//
// Usage:
//
//	vakthund-sim [flags] run
//	vakthund-sim [flags] replay bug_reports/bug_42_3.json
//	vakthund-sim -store runs.db diff <run-a> <run-b>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"grimm.is/vakthund/internal/capture"
	"grimm.is/vakthund/internal/config"
	"grimm.is/vakthund/internal/detection"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/packet"
	"grimm.is/vakthund/internal/pipeline"
	"grimm.is/vakthund/internal/prevention"
	"grimm.is/vakthund/internal/simulator"
)

type flags struct {
	config       *string
	seed         *uint64
	count        *int
	bugTarget    *uint64
	replayTarget *uint64
	haltOnBug    *bool
	strategy     *string
	latency      *string
	lossRate     *float64
	faultRate    *float64
	pcap         *string
	store        *string
	logLevel     *string
	jsonLogs     *bool
}

func main() {
	f := flags{
		config:       flag.String("config", "", "Path to an HCL or JSON config file"),
		seed:         flag.Uint64("seed", 42, "Simulation seed"),
		count:        flag.Int("count", 10000, "Number of events to generate"),
		bugTarget:    flag.Uint64("bug-target", 3, "Event id that gets a malformed payload (0 disables)"),
		replayTarget: flag.Uint64("replay-target", 0, "Stop after this event id"),
		haltOnBug:    flag.Bool("halt-on-bug", false, "Stop at the first bug report"),
		strategy:     flag.String("strategy", "block", "Full queue strategy: yield, drop, block"),
		latency:      flag.String("latency", "0s", "Fixed network delay added to every event"),
		lossRate:     flag.Float64("loss-rate", 0, "Fraction of frames lost before detection"),
		faultRate:    flag.Float64("fault-rate", 0, "Fraction of frames truncated in transit"),
		pcap:         flag.String("pcap", "", "Also write generated traffic to this pcap file"),
		store:        flag.String("store", "", "sqlite database for run history"),
		logLevel:     flag.String("log-level", "", "debug, info, warn, error"),
		jsonLogs:     flag.Bool("json", false, "Log JSON to stderr"),
	}
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{Level: level, JSON: cfg.Logging.JSON, Output: os.Stderr})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "run"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		err = runSimulation(ctx, cfg, simulator.RunConfigFrom(cfg.Simulator), *f.pcap, logger)
	case "replay":
		if len(args) != 1 {
			usage()
		}
		err = replay(ctx, cfg, args[0], logger)
	case "diff":
		if len(args) != 2 {
			usage()
		}
		err = diff(cfg.Simulator.StorePath, args[0], args[1])
	default:
		usage()
	}
	if err != nil {
		logger.Error("Simulation failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] run | replay <bug_report.json> | diff <run-a> <run-b>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

// loadConfig reads the config file, if any, then applies only the flags
// given on the command line.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *f.config != "" {
		var err error
		if cfg, err = config.LoadFile(*f.config); err != nil {
			return nil, err
		}
	}
	// Dropping at the source would make a run depend on scheduling, so
	// block unless a config file or the flag says otherwise.
	if *f.config == "" {
		cfg.EventBus.FullQueueStrategy = *f.strategy
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "strategy":
			cfg.EventBus.FullQueueStrategy = *f.strategy
		case "seed":
			cfg.Simulator.Seed = f.seed
		case "count":
			cfg.Simulator.EventCount = *f.count
		case "bug-target":
			cfg.Simulator.BugInjectionTarget = f.bugTarget
		case "replay-target":
			cfg.Simulator.ReplayTarget = *f.replayTarget
		case "halt-on-bug":
			cfg.Simulator.HaltOnBug = *f.haltOnBug
		case "latency":
			cfg.Simulator.Latency = *f.latency
		case "loss-rate":
			cfg.Simulator.LossRate = *f.lossRate
		case "fault-rate":
			cfg.Simulator.FaultRate = *f.faultRate
		case "store":
			cfg.Simulator.StorePath = *f.store
		case "log-level":
			cfg.Logging.Level = *f.logLevel
		case "json":
			cfg.Logging.JSON = *f.jsonLogs
		}
	})
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// summary is printed to stdout after every run.
type summary struct {
	*simulator.Outcome
	Events     int                   `json:"events"`
	BugReports []simulator.BugReport `json:"bug_reports"`
	Pipeline   pipeline.Stats        `json:"pipeline"`
	// Final prevention state at the last event's virtual time.
	Quarantine []prevention.Record `json:"quarantine"`
	Rules      []prevention.Rule   `json:"rules"`
	Replay     *replayCheck        `json:"replay,omitempty"`
}

type replayCheck struct {
	Report   string `json:"report"`
	EventID  uint64 `json:"event_id"`
	Expected string `json:"expected_digest"`
	Got      string `json:"got_digest"`
	Match    bool   `json:"match"`
}

// simulate runs one simulation against a freshly assembled pipeline. The
// pipeline is closed before returning so every bug report is collected.
func simulate(ctx context.Context, cfg *config.Config, rc simulator.RunConfig, pcapPath string, logger *logging.Logger) (*summary, error) {
	mock := clock.NewMock()
	mock.Set(simulator.Epoch)

	var set *detection.SignatureSet
	if cfg.Detection.SignaturePath == "" {
		var err error
		if set, err = detection.NewSignatureSet("simulator", simulator.KnownBadSignatures()); err != nil {
			return nil, err
		}
	}
	comps, err := pipeline.Assemble(cfg, pipeline.Options{Clock: mock, Signatures: set}, logger)
	if err != nil {
		return nil, err
	}

	var store *simulator.Store
	if cfg.Simulator.StorePath != "" {
		if store, err = simulator.OpenStore(cfg.Simulator.StorePath); err != nil {
			_ = comps.Close()
			return nil, err
		}
		defer store.Close()
	}

	var pub simulator.Publisher = comps.Pipeline
	if pcapPath != "" {
		file, err := os.Create(pcapPath)
		if err != nil {
			_ = comps.Close()
			return nil, err
		}
		defer file.Close()
		w, err := capture.NewWriter(file)
		if err != nil {
			_ = comps.Close()
			return nil, err
		}
		pub = simulator.PublisherFunc(func(ctx context.Context, ev *packet.Event) error {
			if err := w.Write(ev.Raw()); err != nil {
				logger.Warn("Pcap write failed", "event_id", ev.ID, "error", err)
			}
			return comps.Pipeline.Publish(ctx, ev)
		})
	}

	sim, err := simulator.New(simulator.Config{
		LogDir:    cfg.Simulator.LogDir,
		ReportDir: cfg.Simulator.ReportDir,
		Generator: simulator.GeneratorConfigFrom(cfg.Simulator),
		Store:     store,
		Clock:     mock,
	}, comps.Pool, pub, comps.Hub, logger)
	if err != nil {
		_ = comps.Close()
		return nil, err
	}
	comps.ReportDecodeFailures(sim)

	if err := comps.Start(ctx); err != nil {
		_ = comps.Close()
		return nil, err
	}
	out, runErr := sim.Run(ctx, rc)
	closeErr := comps.Close()
	if runErr != nil {
		return nil, runErr
	}
	if closeErr != nil {
		logger.Warn("Pipeline did not shut down cleanly", "error", closeErr)
	}

	return &summary{
		Outcome:    out,
		Events:     len(out.Events),
		BugReports: sim.BugReports(),
		Pipeline:   comps.Pipeline.Stats(),
		Quarantine: comps.Prevention.Quarantine().Snapshot(mock.Now()),
		Rules:      comps.Prevention.Rules().Rules(),
	}, nil
}

func runSimulation(ctx context.Context, cfg *config.Config, rc simulator.RunConfig, pcapPath string, logger *logging.Logger) error {
	s, err := simulate(ctx, cfg, rc, pcapPath, logger)
	if err != nil {
		return err
	}
	return printSummary(s)
}

// printSummary writes s without the per-event trace.
func printSummary(s *summary) error {
	trimmed := *s.Outcome
	trimmed.Events = nil
	trimmed.BugReports = nil
	s.Outcome = &trimmed
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
