// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package simulator

import (
	"database/sql"
	"net/netip"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/vakthund/internal/errors"
)

// Store persists run traces and bug reports to SQLite so runs can be
// compared after the fact.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the run database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open run store")
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		seed INTEGER NOT NULL,
		started_at INTEGER NOT NULL, -- virtual time, unix nanoseconds
		event_count INTEGER NOT NULL,
		replay_target INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		protocol TEXT,
		kind TEXT,
		digest TEXT NOT NULL,
		injected BOOLEAN,
		lost BOOLEAN,
		faulted BOOLEAN,
		PRIMARY KEY (run_id, event_id)
	);
	CREATE TABLE IF NOT EXISTS bug_reports (
		id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		seed INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		source TEXT,
		protocol TEXT,
		digest TEXT,
		payload BLOB,
		error TEXT,
		PRIMARY KEY (run_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_seed ON runs(seed);
	CREATE INDEX IF NOT EXISTS idx_reports_seed ON bug_reports(seed, event_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to initialise run store schema")
	}
	return nil
}

// RecordRun registers a run before its events.
func (s *Store) RecordRun(runID string, cfg RunConfig, start time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, seed, started_at, event_count, replay_target)
		VALUES (?, ?, ?, ?, ?)
	`, runID, int64(cfg.Seed), start.UnixNano(), cfg.EventCount, int64(cfg.ReplayTarget))
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to record run")
	}
	return nil
}

// RecordEvent persists one event trace.
func (s *Store) RecordEvent(runID string, e EventRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO events (run_id, event_id, timestamp, source, destination, protocol, kind, digest, injected, lost, faulted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		int64(e.ID),
		e.Timestamp.UnixNano(),
		e.Source.String(),
		e.Destination.String(),
		e.Protocol,
		e.Kind,
		e.Digest,
		e.Injected,
		e.Lost,
		e.Faulted,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to record event")
	}
	return nil
}

// RecordBugReport persists a report. Recording the same report twice for
// a run is a no-op.
func (s *Store) RecordBugReport(r BugReport) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO bug_reports (id, run_id, seed, event_id, timestamp, source, protocol, digest, payload, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.RunID,
		int64(r.Seed),
		int64(r.EventID),
		r.Timestamp.UnixNano(),
		r.Source.String(),
		r.Protocol,
		r.Digest,
		r.Payload,
		r.Error,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to record bug report")
	}
	return nil
}

// Runs lists the run ids recorded for seed, oldest first.
func (s *Store) Runs(seed uint64) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE seed = ? ORDER BY rowid`, int64(seed))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to list runs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Events returns a run's trace in event order. Payloads are not stored.
func (s *Store) Events(runID string) ([]EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT event_id, timestamp, source, destination, protocol, kind, digest, injected, lost, faulted
		FROM events
		WHERE run_id = ?
		ORDER BY event_id
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to query events")
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e        EventRecord
			id, ts   int64
			src, dst string
		)
		if err := rows.Scan(&id, &ts, &src, &dst, &e.Protocol, &e.Kind, &e.Digest, &e.Injected, &e.Lost, &e.Faulted); err != nil {
			return nil, err
		}
		e.ID = uint64(id)
		e.Timestamp = time.Unix(0, ts).UTC()
		if e.Source, err = netip.ParseAddrPort(src); err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "bad source in run %s", runID)
		}
		if e.Destination, err = netip.ParseAddrPort(dst); err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "bad destination in run %s", runID)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Divergence compares the digests of two stored runs and returns the
// first event id where they differ.
func (s *Store) Divergence(runA, runB string) (uint64, bool, error) {
	a, err := s.Events(runA)
	if err != nil {
		return 0, false, err
	}
	b, err := s.Events(runB)
	if err != nil {
		return 0, false, err
	}
	id, diverged := FirstDivergence(a, b)
	return id, diverged, nil
}

// BugReports returns the reports recorded for seed in event order.
func (s *Store) BugReports(seed uint64) ([]BugReport, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, event_id, timestamp, source, protocol, digest, payload, error
		FROM bug_reports
		WHERE seed = ?
		ORDER BY event_id, rowid
	`, int64(seed))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to query bug reports")
	}
	defer rows.Close()

	var out []BugReport
	for rows.Next() {
		var (
			r       BugReport
			eventID int64
			ts      int64
			src     string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &eventID, &ts, &src, &r.Protocol, &r.Digest, &r.Payload, &r.Error); err != nil {
			return nil, err
		}
		r.Seed = seed
		r.EventID = uint64(eventID)
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Source, _ = netip.ParseAddrPort(src)
		out = append(out, r)
	}
	return out, rows.Err()
}
