// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import "fmt"

// Limits are operator hard ceilings per feature. They apply regardless of
// the statistical threshold and regardless of how full the window is.
// A zero limit is disabled.
type Limits struct {
	PacketRate     float64
	DataVolume     float64
	PortEntropy    float64
	ConnectionRate float64
}

func (l Limits) of(f Feature) float64 {
	switch f {
	case FeaturePacketRate:
		return l.PacketRate
	case FeatureDataVolume:
		return l.DataVolume
	case FeaturePortEntropy:
		return l.PortEntropy
	case FeatureConnectionRate:
		return l.ConnectionRate
	}
	return 0
}

// Breach describes the worst exceeded limit.
type Breach struct {
	Feature Feature
	Value   float64
	Limit   float64
}

// Rule is the alert rule name for the breach.
func (b Breach) Rule() string { return "limit:" + b.Feature.String() }

func (b Breach) String() string {
	return fmt.Sprintf("%s %.2f exceeds limit %.2f", b.Feature, b.Value, b.Limit)
}

// Check returns the feature exceeding its limit by the largest ratio.
func (l Limits) Check(s Sample) (Breach, bool) {
	var (
		worst Breach
		ratio float64
		found bool
	)
	for f := Feature(0); f < numFeatures; f++ {
		limit := l.of(f)
		if limit <= 0 || s[f] <= limit {
			continue
		}
		if r := s[f] / limit; !found || r > ratio {
			worst = Breach{Feature: f, Value: s[f], Limit: limit}
			ratio = r
			found = true
		}
	}
	return worst, found
}
