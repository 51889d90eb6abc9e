// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package simulator

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/packet"
)

var reportNamespace = uuid.MustParse("3b0a7e52-4c61-5d8e-a2f9-7c3e1d0b9a64")

// EventRecord is the trace of one generated event.
type EventRecord struct {
	ID          uint64         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      netip.AddrPort `json:"source"`
	Destination netip.AddrPort `json:"destination"`
	Protocol    string         `json:"protocol"`
	Kind        string         `json:"kind"`
	Digest      string         `json:"digest"`
	Payload     []byte         `json:"payload"`
	Injected    bool           `json:"injected,omitempty"`
	Lost        bool           `json:"lost,omitempty"`
	Faulted     bool           `json:"faulted,omitempty"`
}

// Equal reports whether two records describe byte-identical events.
func (r EventRecord) Equal(o EventRecord) bool {
	return r.ID == o.ID &&
		r.Timestamp.Equal(o.Timestamp) &&
		r.Source == o.Source &&
		r.Destination == o.Destination &&
		r.Digest == o.Digest &&
		bytes.Equal(r.Payload, o.Payload)
}

// Digest is the hex SHA-256 of an event's id, timestamp, endpoints and
// payload.
func Digest(id uint64, ts time.Time, src, dst netip.AddrPort, payload []byte) string {
	h := sha256.New()
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], id)
	binary.BigEndian.PutUint64(b[8:], uint64(ts.UnixNano()))
	h.Write(b[:])
	h.Write([]byte(src.String()))
	h.Write([]byte{0})
	h.Write([]byte(dst.String()))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// EventDigest digests a pooled event. The caller must hold a reference.
func EventDigest(ev *packet.Event) string {
	return Digest(ev.ID, ev.Timestamp, ev.Source, ev.Destination, ev.Payload())
}

// BugReport is the durable record of a decode failure during a run. The
// seed and event id are enough to reproduce it.
type BugReport struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Seed      uint64         `json:"seed"`
	EventID   uint64         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    netip.AddrPort `json:"source"`
	Protocol  string         `json:"protocol"`
	Digest    string         `json:"digest"`
	Payload   []byte         `json:"payload"`
	Error     string         `json:"error"`
}

func newBugReport(runID string, seed uint64, ev *packet.Event, cause error) BugReport {
	return BugReport{
		ID:        uuid.NewSHA1(reportNamespace, []byte(fmt.Sprintf("%d/%d", seed, ev.ID))).String(),
		RunID:     runID,
		Seed:      seed,
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		Source:    ev.Source,
		Protocol:  ev.Protocol.String(),
		Digest:    EventDigest(ev),
		Payload:   bytes.Clone(ev.Payload()),
		Error:     cause.Error(),
	}
}

// FileName is bug_<seed>_<event id>.json.
func (r BugReport) FileName() string {
	return fmt.Sprintf("bug_%d_%d.json", r.Seed, r.EventID)
}

// Write stores r under dir and returns the file path.
func (r BugReport) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "failed to create report directory %s", dir)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to encode bug report")
	}
	path := filepath.Join(dir, r.FileName())
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", errors.Wrapf(err, errors.KindUnavailable, "failed to write bug report %s", path)
	}
	return path, nil
}

// ReadBugReport loads a report written by Write.
func ReadBugReport(path string) (BugReport, error) {
	var r BugReport
	data, err := os.ReadFile(path)
	if err != nil {
		return r, errors.Wrapf(err, errors.KindNotFound, "failed to read bug report %s", path)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, errors.Wrapf(err, errors.KindValidation, "failed to parse bug report %s", path)
	}
	if r.EventID == 0 {
		return r, errors.Errorf(errors.KindValidation, "bug report %s has no event id", path)
	}
	return r, nil
}

// ReplayConfig returns the run that regenerates r's sequence and halts on
// its event. Injection follows base so an injected failure reproduces.
func ReplayConfig(r BugReport, base RunConfig) RunConfig {
	base.Seed = r.Seed
	base.ReplayTarget = r.EventID
	if base.EventCount < int(r.EventID) {
		base.EventCount = int(r.EventID)
	}
	return base
}

// FirstDivergence compares two traces and returns the first event id at
// which they differ. A shorter trace diverges where it ends.
func FirstDivergence(a, b []EventRecord) (uint64, bool) {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if !a[i].Equal(b[i]) {
			return a[i].ID, true
		}
	}
	if len(a) != len(b) {
		return uint64(n + 1), true
	}
	return 0, false
}
