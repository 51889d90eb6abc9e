// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vakthund/internal/errors"
)

func TestAutomatonFindsOverlappingPatterns(t *testing.T) {
	a := buildAutomaton([][]byte{[]byte("he"), []byte("she"), []byte("his"), []byte("hers")})

	type hit struct{ p, end int }
	var hits []hit
	a.search([]byte("ushers"), func(p, end int) bool {
		hits = append(hits, hit{p, end})
		return true
	})

	assert.ElementsMatch(t, []hit{{1, 4}, {0, 4}, {3, 6}}, hits)
}

func TestAutomatonStopsWhenAsked(t *testing.T) {
	a := buildAutomaton([][]byte{[]byte("a")})
	n := 0
	a.search([]byte("aaaa"), func(int, int) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}

func TestSignatureSetMatch(t *testing.T) {
	disabled := false
	set, err := NewSignatureSet("v1", []Signature{
		{ID: "SIG-1", Name: "mirai login", Pattern: "/bin/busybox MIRAI", Severity: SeverityCritical},
		{ID: "SIG-2", Name: "nop sled", Pattern: "90 90 90 90", Type: "binary", Severity: SeverityHigh},
		{ID: "SIG-3", Name: "off", Pattern: "busybox", Enabled: &disabled},
		{ID: "SIG-4", Name: "default severity", Pattern: "wget"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	payload := append([]byte("xx wget wget /bin/busybox MIRAI "), 0x90, 0x90, 0x90, 0x90)
	matches := set.Match(payload)
	require.Len(t, matches, 3)

	assert.Equal(t, "SIG-4", matches[0].Signature.ID, "first occurrence first")
	assert.Equal(t, 3, matches[0].Offset)
	assert.Equal(t, SeverityMedium, matches[0].Signature.Severity)
	assert.Equal(t, "SIG-1", matches[1].Signature.ID)
	assert.Equal(t, "SIG-2", matches[2].Signature.ID)

	assert.Empty(t, set.Match([]byte("benign telemetry")))
}

func TestNewSignatureSetRejects(t *testing.T) {
	tests := []struct {
		name string
		sigs []Signature
	}{
		{"missing id", []Signature{{Pattern: "x"}}},
		{"duplicate id", []Signature{{ID: "a", Pattern: "x"}, {ID: "a", Pattern: "y"}}},
		{"empty pattern", []Signature{{ID: "a"}}},
		{"bad hex", []Signature{{ID: "a", Pattern: "zz", Type: "hex"}}},
		{"unknown type", []Signature{{ID: "a", Pattern: "x", Type: "regex"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSignatureSet("v", tt.sigs)
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestSignatureStoreSwap(t *testing.T) {
	store := NewSignatureStore()
	assert.Equal(t, 0, store.Current().Len())

	v1, err := NewSignatureSet("v1", []Signature{{ID: "a", Pattern: "evil"}})
	require.NoError(t, err)
	prev := store.Swap(v1)
	assert.Equal(t, "empty", prev.Version)
	assert.EqualValues(t, 1, store.Current().Generation)

	v2, err := NewSignatureSet("v2", []Signature{{ID: "b", Pattern: "worse"}})
	require.NoError(t, err)
	store.Swap(v2)
	assert.EqualValues(t, 2, store.Current().Generation)
	assert.Equal(t, "v2", store.Current().Version)
}

func TestSignatureStoreConcurrentReaders(t *testing.T) {
	store := NewSignatureStore()
	a, _ := NewSignatureSet("a", []Signature{{ID: "a", Pattern: "AAAA"}})
	b, _ := NewSignatureSet("b", []Signature{{ID: "b", Pattern: "BBBB"}})
	store.Swap(a)

	payload := []byte("AAAA BBBB")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				set := store.Current()
				m := set.Match(payload)
				// A snapshot only ever knows its own signature.
				if assert.Len(t, m, 1) {
					assert.Equal(t, set.Version, m[0].Signature.ID)
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			store.Swap(b)
		} else {
			store.Swap(a)
		}
	}
	wg.Wait()
}
