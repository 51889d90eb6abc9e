// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// vakthund runs the intrusion detection and prevention pipeline over
// captured traffic and serves the operator API.
//
// Usage:
//
//	vakthund -config vakthund.hcl run [capture.pcap ...]
//	vakthund check vakthund.hcl
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"grimm.is/vakthund/internal/api"
	"grimm.is/vakthund/internal/capture"
	"grimm.is/vakthund/internal/config"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "", "Path to an HCL or JSON config file")
	follow := flag.Bool("follow", false, "Keep running after the captures are consumed")
	flag.Parse()

	cmd := "run"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "check":
		if len(args) != 1 {
			usage()
		}
		os.Exit(check(args[0]))
	case "run":
	default:
		usage()
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{Level: level, JSON: cfg.Logging.JSON, Output: os.Stderr})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args, *follow || len(args) == 0, logger); err != nil {
		logger.Error("vakthund stopped with error", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-config file] [-follow] run [capture.pcap ...] | check <config>\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

// check validates a config file and prints every problem found.
func check(path string) int {
	cfg, err := config.LoadFile(path)
	if err == nil {
		fmt.Printf("%s: ok (%d event bus slots, %d rules max)\n", path, cfg.EventBus.Capacity, cfg.Firewall.MaxRules)
		return 0
	}
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		fmt.Printf("%s: %d errors\n", path, len(verrs))
		for _, e := range verrs {
			fmt.Printf("  - %s\n", e.Error())
		}
		return 1
	}
	fmt.Printf("%s: %v\n", path, err)
	return 1
}

// run feeds each capture through the pipeline. With follow set it then
// waits for a signal, serving the API if one is configured. Quarantine
// expiry follows capture timestamps, so replaying an old capture enforces
// exactly as the live run would have.
func run(ctx context.Context, cfg *config.Config, captures []string, follow bool, logger *logging.Logger) error {
	comps, err := pipeline.Assemble(cfg, pipeline.Options{}, logger)
	if err != nil {
		return err
	}
	if err := comps.Start(ctx); err != nil {
		return errors.Join(err, comps.Close())
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	var g errgroup.Group
	if cfg.API.Listen != "" {
		srv, err := api.NewServer(api.Options{
			Prevention: comps.Prevention,
			Stats:      func() any { return comps.Pipeline.Stats() },
			Ring:       comps.Ring,
			Gatherer:   comps.Registry,
			EventTime:  comps.Pipeline.EventTime,
			Logger:     logger,
		})
		if err != nil {
			stopServe()
			return errors.Join(err, comps.Close())
		}
		g.Go(func() error { return srv.ListenAndServe(serveCtx, cfg.API.Listen) })
	}

	feedErr := feed(ctx, comps.Pipeline, captures, logger)
	if follow && feedErr == nil {
		<-ctx.Done()
	}

	stopServe()
	serveErr := g.Wait()
	closeErr := comps.Close()
	logger.Info("vakthund stopped", "stats", comps.Pipeline.Stats())
	return errors.Join(feedErr, serveErr, closeErr)
}

func feed(ctx context.Context, p *pipeline.Pipeline, captures []string, logger *logging.Logger) error {
	for _, path := range captures {
		src, err := capture.OpenFile(path, logger)
		if err != nil {
			return err
		}
		n, err := p.Feed(ctx, src)
		stats := src.Stats()
		_ = src.Close()
		logger.Info("Capture consumed", "path", path, "events", n, "stats", stats)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}
