// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"math"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func naiveStats(vals []float64) (mean, variance float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return mean, variance / float64(len(vals)-1)
}

func TestTrackerSlidingWindow(t *testing.T) {
	tr := NewTracker(4)
	for i := 1; i <= 10; i++ {
		tr.Add(float64(i))
	}
	assert.True(t, tr.Full())
	assert.Equal(t, 4, tr.Count())
	assert.InDelta(t, 8.5, tr.Mean(), 1e-12)
	assert.InDelta(t, 5.0/3.0, tr.Variance(), 1e-12)
}

func TestTrackerMatchesNaiveComputation(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	const size = 100
	tr := NewTracker(size)
	var all []float64
	for i := 0; i < 10000; i++ {
		v := r.NormFloat64()*50 + 1000
		all = append(all, v)
		tr.Add(v)
	}
	mean, variance := naiveStats(all[len(all)-size:])
	assert.InDelta(t, mean, tr.Mean(), 1e-9)
	assert.InDelta(t, variance, tr.Variance(), 1e-6)
}

func TestTrackerZScore(t *testing.T) {
	tr := NewTracker(8)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		tr.Add(v)
	}
	assert.InDelta(t, 32.0/7.0, tr.Variance(), 1e-9)
	assert.Greater(t, tr.ZScore(15), 4.0)
	assert.InDelta(t, tr.ZScore(-5), tr.ZScore(15), 1e-12, "deviation is symmetric")

	flat := NewTracker(3)
	for i := 0; i < 3; i++ {
		flat.Add(10)
	}
	assert.Zero(t, flat.ZScore(10))
	assert.Equal(t, Saturation, flat.ZScore(11))
}

func uniform(v float64) Sample {
	return Sample{v, v, v, v}
}

func TestAnomalyDetectorWaitsForFullWindow(t *testing.T) {
	d := NewAnomalyDetector(5, 3.0)
	src := netip.MustParseAddr("10.0.0.9")

	for i := 0; i < 5; i++ {
		s := d.Observe(src, uniform(float64(i*1000)))
		assert.False(t, s.Ready)
		assert.False(t, d.Anomalous(s))
	}
	s := d.Observe(src, uniform(2000))
	assert.True(t, s.Ready)
}

func TestAnomalyDetectorIdenticalSamplesNeverScore(t *testing.T) {
	d := NewAnomalyDetector(50, 3.5)
	src := netip.MustParseAddr("10.0.0.9")
	for i := 0; i < 200; i++ {
		s := d.Observe(src, uniform(1000))
		require.False(t, d.Anomalous(s), "sample %d", i+1)
	}
}

func TestAnomalyDetectorSourcesAreIndependent(t *testing.T) {
	d := NewAnomalyDetector(10, 3.0)
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")
	for i := 0; i < 10; i++ {
		d.Observe(a, uniform(10+float64(i%2)))
	}
	s := d.Observe(b, uniform(1e6))
	assert.False(t, s.Ready, "b has no history of its own")
	s = d.Observe(a, uniform(1e6))
	assert.True(t, d.Anomalous(s))
}

// A 5000-sample baseline followed by a burst: nothing is scored until the
// window is full, and the first burst sample (5001) is anomalous.
func TestBurstAfterFullWindowRaisesAnomaly(t *testing.T) {
	const (
		window    = 5000
		threshold = 3.5
		total     = 6000
	)
	d := NewAnomalyDetector(window, threshold)
	src := netip.MustParseAddr("10.0.0.42")
	r := rand.New(rand.NewPCG(42, 42))

	first := 0
	anomalies := 0
	for i := 1; i <= total; i++ {
		var s Sample
		if i <= window {
			for f := range s {
				s[f] = 10 + r.Float64()*2 - 1
			}
		} else {
			s = uniform(1000)
		}
		score := d.Observe(src, s)
		if d.Anomalous(score) {
			anomalies++
			if first == 0 {
				first = i
			}
			assert.Greater(t, score.Max, threshold)
		}
	}
	assert.Equal(t, window+1, first)
	assert.GreaterOrEqual(t, anomalies, 1)
}

func TestFeatureExtractor(t *testing.T) {
	x := NewFeatureExtractor(4)
	src := netip.MustParseAddr("10.0.0.5")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var s Sample
	for i := 0; i < 4; i++ {
		port := uint16(1883)
		if i%2 == 1 {
			port = 5683
		}
		s = x.Update(src, Observation{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Bytes:     100,
			Port:      port,
			Connect:   i == 0,
		})
	}
	assert.InDelta(t, 10.0, s[FeaturePacketRate], 1e-9)
	assert.InDelta(t, 400.0/1024/0.3, s[FeatureDataVolume], 1e-9)
	assert.InDelta(t, 1.0, s[FeaturePortEntropy], 1e-12)
	assert.InDelta(t, 1/0.3, s[FeatureConnectionRate], 1e-9)

	// The ring drops the connect event.
	s = x.Update(src, Observation{Timestamp: base.Add(400 * time.Millisecond), Bytes: 100, Port: 1883})
	assert.Zero(t, s[FeatureConnectionRate])
}

func TestFeatureExtractorSingleEvent(t *testing.T) {
	x := NewFeatureExtractor(8)
	s := x.Update(netip.MustParseAddr("10.0.0.6"), Observation{Timestamp: time.Unix(0, 0), Bytes: 10, Port: 502})
	assert.Equal(t, Sample{}, s)
}

func TestLimitsCheck(t *testing.T) {
	l := Limits{PacketRate: 1000, DataVolume: 100, PortEntropy: 2.5, ConnectionRate: 500}

	_, ok := l.Check(Sample{10, 10, 1, 10})
	assert.False(t, ok)

	b, ok := l.Check(Sample{2000, 500, 1, 10})
	require.True(t, ok)
	assert.Equal(t, FeatureDataVolume, b.Feature, "5x beats 2x")
	assert.Equal(t, "limit:data_volume", b.Rule())

	_, ok = Limits{}.Check(Sample{math.MaxFloat64, 1, 1, 1})
	assert.False(t, ok, "zero limits are disabled")
}
