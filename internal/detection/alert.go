// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"grimm.is/vakthund/internal/errors"
)

// Kind is the detection path that raised an alert.
type Kind int

const (
	KindSignature Kind = iota
	KindAnomaly
	KindDecodeFailure
)

func (k Kind) String() string {
	switch k {
	case KindSignature:
		return "signature"
	case KindAnomaly:
		return "anomaly"
	case KindDecodeFailure:
		return "decode_failure"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Severity orders alerts for the prevention policy.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity accepts the config names and the numeric levels 1-4.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return SeverityLow, nil
	case "medium", "2":
		return SeverityMedium, nil
	case "high", "3":
		return SeverityHigh, nil
	case "critical", "4":
		return SeverityCritical, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var str string
	switch v := raw.(type) {
	case string:
		str = v
	case float64:
		str = strconv.Itoa(int(v))
	default:
		return fmt.Errorf("invalid severity %v", raw)
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML lets signature files use severity names or levels.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseSeverity(value.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// severityForScore scales an anomaly score against the threshold.
func severityForScore(score, threshold float64) Severity {
	switch {
	case score >= 4*threshold:
		return SeverityCritical
	case score >= 2*threshold:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// alertNamespace derives deterministic alert ids, so replays of the same
// event stream produce the same ids.
var alertNamespace = uuid.MustParse("6f1c3d2e-8a4b-5c7d-9e0f-1a2b3c4d5e6f")

// Alert is a detection finding. It is immutable once emitted.
type Alert struct {
	ID        string         `json:"id"`
	EventID   uint64         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    netip.AddrPort `json:"source"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Score     float64        `json:"score"`
	// Rule is the signature id, the anomalous feature, or the decoder.
	Rule   string `json:"rule,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func newAlert(eventID uint64, ts time.Time, src netip.AddrPort, kind Kind) Alert {
	id := uuid.NewSHA1(alertNamespace, []byte(fmt.Sprintf("%d/%s", eventID, kind)))
	return Alert{ID: id.String(), EventID: eventID, Timestamp: ts, Source: src, Kind: kind}
}
