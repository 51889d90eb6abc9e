// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package simulator

import (
	"encoding/hex"
	"fmt"
	"unicode"

	"grimm.is/vakthund/internal/detection"
)

// KnownBadSignatures covers every KnownBad fragment, for runs without a
// signature repository. Printable fragments become literal patterns, the
// rest hex.
func KnownBadSignatures() []detection.Signature {
	severities := []detection.Severity{
		detection.SeverityCritical,
		detection.SeverityHigh,
		detection.SeverityHigh,
		detection.SeverityMedium,
	}
	sigs := make([]detection.Signature, len(KnownBad))
	for i, frag := range KnownBad {
		sig := detection.Signature{
			ID:       fmt.Sprintf("SIM-%03d", i+1),
			Name:     fmt.Sprintf("simulated threat %d", i+1),
			Pattern:  frag,
			Type:     "literal",
			Severity: severities[i%len(severities)],
			Category: "simulation",
		}
		if !printable(frag) {
			sig.Pattern = hex.EncodeToString([]byte(frag))
			sig.Type = "binary"
		}
		sigs[i] = sig
	}
	return sigs
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII || !unicode.IsPrint(rune(s[i])) {
			return false
		}
	}
	return true
}
