// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"

	"grimm.is/vakthund/internal/config"
	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
	"grimm.is/vakthund/internal/simulator"
)

// replay regenerates the sequence behind a bug report and checks that the
// reported event comes out byte for byte the same.
func replay(ctx context.Context, cfg *config.Config, path string, logger *logging.Logger) error {
	report, err := simulator.ReadBugReport(path)
	if err != nil {
		return err
	}
	rc := simulator.ReplayConfig(report, simulator.RunConfigFrom(cfg.Simulator))
	logger.Info("Replaying bug report", "report", path, "seed", rc.Seed, "event_id", report.EventID)

	s, err := simulate(ctx, cfg, rc, "", logger)
	if err != nil {
		return err
	}

	check := &replayCheck{Report: path, EventID: report.EventID, Expected: report.Digest}
	for _, ev := range s.Outcome.Events {
		if ev.ID == report.EventID {
			check.Got = ev.Digest
			break
		}
	}
	check.Match = check.Got == report.Digest
	s.Replay = check
	if err := printSummary(s); err != nil {
		return err
	}
	if !check.Match {
		return errors.Attr(errors.Errorf(errors.KindConflict,
			"replay of event %d diverged: digest %q, expected %q", report.EventID, check.Got, report.Digest),
			"seed", report.Seed)
	}
	return nil
}

// diff reports the first event at which two recorded runs differ.
func diff(storePath, runA, runB string) error {
	if storePath == "" {
		return errors.New(errors.KindValidation, "diff needs -store")
	}
	store, err := simulator.OpenStore(storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	id, diverged, err := store.Divergence(runA, runB)
	if err != nil {
		return err
	}
	if !diverged {
		fmt.Printf("runs %s and %s are identical\n", runA, runB)
		return nil
	}
	fmt.Printf("runs %s and %s diverge at event %d\n", runA, runB, id)
	return nil
}
