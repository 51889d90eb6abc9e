// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"grimm.is/vakthund/internal/errors"
)

// Signature is one known-bad byte pattern.
type Signature struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Pattern  string   `json:"pattern" yaml:"pattern"`
	Type     string   `json:"type" yaml:"type"` // "literal" (default) or "binary" (hex)
	Severity Severity `json:"severity" yaml:"severity"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`
	// Enabled defaults to true when omitted from the repository file.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the signature participates in matching.
func (s *Signature) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s *Signature) bytes() ([]byte, error) {
	switch strings.ToLower(s.Type) {
	case "", "literal":
		return []byte(s.Pattern), nil
	case "binary", "hex":
		b, err := hex.DecodeString(strings.ReplaceAll(s.Pattern, " ", ""))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "signature %s: bad hex pattern", s.ID)
		}
		return b, nil
	}
	return nil, errors.Errorf(errors.KindValidation, "signature %s: unsupported type %q", s.ID, s.Type)
}

// Match is one signature hit in a payload.
type Match struct {
	Signature *Signature
	// Offset is where the pattern starts in the payload.
	Offset int
}

// SignatureSet is an immutable generation of compiled signatures.
type SignatureSet struct {
	Version    string
	Generation uint64
	LoadedAt   time.Time

	sigs []Signature
	ac   *automaton
	lens []int
}

// NewSignatureSet compiles the enabled signatures. Ids must be unique and
// patterns non-empty.
func NewSignatureSet(version string, sigs []Signature) (*SignatureSet, error) {
	set := &SignatureSet{Version: version, LoadedAt: time.Now()}

	seen := make(map[string]struct{}, len(sigs))
	var patterns [][]byte
	for i := range sigs {
		s := sigs[i]
		if s.ID == "" {
			return nil, errors.Errorf(errors.KindValidation, "signature %d has no id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate signature id %s", s.ID)
		}
		seen[s.ID] = struct{}{}

		if !s.IsEnabled() {
			continue
		}
		p, err := s.bytes()
		if err != nil {
			return nil, err
		}
		if len(p) == 0 {
			return nil, errors.Errorf(errors.KindValidation, "signature %s has an empty pattern", s.ID)
		}
		if s.Severity == 0 {
			s.Severity = SeverityMedium
		}
		set.sigs = append(set.sigs, s)
		set.lens = append(set.lens, len(p))
		patterns = append(patterns, p)
	}
	set.ac = buildAutomaton(patterns)
	return set, nil
}

// Len is the number of enabled signatures.
func (s *SignatureSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sigs)
}

// Match returns every signature occurring in payload, at most once per
// signature, ordered by first occurrence.
func (s *SignatureSet) Match(payload []byte) []Match {
	if s == nil || len(s.sigs) == 0 {
		return nil
	}
	var (
		matches []Match
		hit     map[int]struct{}
	)
	s.ac.search(payload, func(p, end int) bool {
		if _, dup := hit[p]; dup {
			return true
		}
		if hit == nil {
			hit = make(map[int]struct{})
		}
		hit[p] = struct{}{}
		matches = append(matches, Match{Signature: &s.sigs[p], Offset: end - s.lens[p]})
		return true
	})
	return matches
}

// SignatureStore holds the active generation. Readers load one snapshot per
// event, so an event is never matched against two generations.
type SignatureStore struct {
	cur atomic.Pointer[SignatureSet]
	gen atomic.Uint64
}

// NewSignatureStore starts with an empty generation.
func NewSignatureStore() *SignatureStore {
	st := &SignatureStore{}
	empty, _ := NewSignatureSet("empty", nil)
	st.cur.Store(empty)
	return st
}

// Current returns the active snapshot.
func (st *SignatureStore) Current() *SignatureSet {
	return st.cur.Load()
}

// Swap installs a copy of set as the next generation and returns the
// previous one. set itself is not modified.
func (st *SignatureStore) Swap(set *SignatureSet) *SignatureSet {
	next := *set
	next.Generation = st.gen.Add(1)
	return st.cur.Swap(&next)
}
