// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detection

import (
	"math"
	"net/netip"
	"time"

	"grimm.is/vakthund/internal/source"
)

// Feature is one tracked per-source traffic metric.
type Feature int

const (
	FeaturePacketRate Feature = iota
	FeatureDataVolume
	FeaturePortEntropy
	FeatureConnectionRate
	numFeatures
)

func (f Feature) String() string {
	switch f {
	case FeaturePacketRate:
		return "packet_rate"
	case FeatureDataVolume:
		return "data_volume"
	case FeaturePortEntropy:
		return "port_entropy"
	case FeatureConnectionRate:
		return "connection_rate"
	default:
		return "unknown"
	}
}

// Sample is one observation of every feature, indexed by Feature.
type Sample [numFeatures]float64

// Score is the result of observing a sample.
type Score struct {
	// Max is the largest absolute z-score across features.
	Max     float64
	Feature Feature
	// Ready is false until the source's window is full; Max is 0 then.
	Ready bool
}

// Saturation is the score reported when a window has zero variance and
// the new value differs from it.
const Saturation = 100.0

// Tracker is a rolling mean and variance over a fixed window, using
// Welford's update with the evicted value replaced in place.
type Tracker struct {
	ring  []float64
	next  int
	count int
	mean  float64
	m2    float64
	// replacements since the last exact recompute
	drift int
}

// NewTracker returns a tracker holding at most size values.
func NewTracker(size int) *Tracker {
	return &Tracker{ring: make([]float64, size)}
}

// Full reports whether the window holds size values.
func (t *Tracker) Full() bool { return t.count == len(t.ring) }

// Count is the number of values in the window.
func (t *Tracker) Count() int { return t.count }

// Mean of the window.
func (t *Tracker) Mean() float64 { return t.mean }

// Add inserts v, evicting the oldest value once full.
func (t *Tracker) Add(v float64) {
	if t.count < len(t.ring) {
		t.ring[t.next] = v
		t.next = (t.next + 1) % len(t.ring)
		t.count++
		delta := v - t.mean
		t.mean += delta / float64(t.count)
		t.m2 += delta * (v - t.mean)
		return
	}

	old := t.ring[t.next]
	t.ring[t.next] = v
	t.next = (t.next + 1) % len(t.ring)

	prevMean := t.mean
	t.mean += (v - old) / float64(t.count)
	t.m2 += (v - old) * (v - t.mean + old - prevMean)
	if t.m2 < 0 {
		t.m2 = 0
	}

	t.drift++
	if t.drift >= len(t.ring) {
		t.recompute()
	}
}

func (t *Tracker) recompute() {
	t.drift = 0
	var sum float64
	for _, v := range t.ring[:t.count] {
		sum += v
	}
	t.mean = sum / float64(t.count)
	t.m2 = 0
	for _, v := range t.ring[:t.count] {
		d := v - t.mean
		t.m2 += d * d
	}
}

// Variance is the sample variance of the window.
func (t *Tracker) Variance() float64 {
	if t.count < 2 {
		return 0
	}
	return t.m2 / float64(t.count-1)
}

// StdDev of the window.
func (t *Tracker) StdDev() float64 {
	return math.Sqrt(t.Variance())
}

// flatTolerance absorbs rounding residue left in a window whose values
// have become identical.
const flatTolerance = 1e-9

// ZScore is the absolute deviation of v from the window in standard
// deviations.
func (t *Tracker) ZScore(v float64) float64 {
	std := t.StdDev()
	tol := flatTolerance * math.Max(1, math.Abs(t.mean))
	if std <= tol {
		if math.Abs(v-t.mean) <= tol {
			return 0
		}
		return Saturation
	}
	return math.Abs(v-t.mean) / std
}

type window struct {
	trackers [numFeatures]*Tracker
}

// AnomalyDetector scores per-source samples against that source's own
// recent history.
type AnomalyDetector struct {
	size      int
	threshold float64
	windows   *source.Table[*window]
}

// NewAnomalyDetector keeps windowSize samples per source.
func NewAnomalyDetector(windowSize int, threshold float64) *AnomalyDetector {
	return &AnomalyDetector{
		size:      windowSize,
		threshold: threshold,
		windows: source.NewTable(func(netip.Addr) *window {
			w := &window{}
			for i := range w.trackers {
				w.trackers[i] = NewTracker(windowSize)
			}
			return w
		}),
	}
}

// Threshold is the configured z-score threshold.
func (d *AnomalyDetector) Threshold() float64 { return d.threshold }

// Observe scores s against the source's window and then adds it. Scoring
// starts once the window is full.
func (d *AnomalyDetector) Observe(src netip.Addr, s Sample) Score {
	e := d.windows.Get(src)
	e.Mu.Lock()
	defer e.Mu.Unlock()

	w := e.Value
	var score Score
	if w.trackers[0].Full() {
		score.Ready = true
		for f, tr := range w.trackers {
			if z := tr.ZScore(s[f]); z > score.Max {
				score.Max = z
				score.Feature = Feature(f)
			}
		}
	}
	for f, tr := range w.trackers {
		tr.Add(s[f])
	}
	return score
}

// Anomalous reports whether score exceeds the threshold.
func (d *AnomalyDetector) Anomalous(score Score) bool {
	return score.Ready && score.Max > d.threshold
}

// Observation is what one event contributes to its source's features.
type Observation struct {
	Timestamp time.Time
	Bytes     int
	Port      uint16
	Connect   bool
}

// minSpan keeps rates finite when several events share a timestamp.
const minSpan = time.Millisecond

type history struct {
	ring  []Observation
	next  int
	count int
}

// FeatureExtractor derives rate features from each source's most recent
// observations.
type FeatureExtractor struct {
	size    int
	history *source.Table[*history]
}

// NewFeatureExtractor keeps size observations per source.
func NewFeatureExtractor(size int) *FeatureExtractor {
	if size < 2 {
		size = 2
	}
	return &FeatureExtractor{
		size: size,
		history: source.NewTable(func(netip.Addr) *history {
			return &history{ring: make([]Observation, size)}
		}),
	}
}

// Update records o for src and returns the resulting sample.
func (x *FeatureExtractor) Update(src netip.Addr, o Observation) Sample {
	e := x.history.Get(src)
	e.Mu.Lock()
	defer e.Mu.Unlock()

	h := e.Value
	h.ring[h.next] = o
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
	return h.sample()
}

func (h *history) sample() Sample {
	var s Sample
	oldest := h.ring[(h.next-h.count+len(h.ring))%len(h.ring)]
	newest := h.ring[(h.next-1+len(h.ring))%len(h.ring)]

	var (
		bytes    int
		connects int
		ports    = make(map[uint16]int, h.count)
		order    []uint16
	)
	for i := 0; i < h.count; i++ {
		o := h.ring[(h.next-h.count+i+len(h.ring))%len(h.ring)]
		bytes += o.Bytes
		if o.Connect {
			connects++
		}
		if ports[o.Port] == 0 {
			order = append(order, o.Port)
		}
		ports[o.Port]++
	}

	s[FeaturePortEntropy] = entropy(ports, order, h.count)
	if h.count < 2 {
		return s
	}

	span := newest.Timestamp.Sub(oldest.Timestamp)
	if span < minSpan {
		span = minSpan
	}
	secs := span.Seconds()
	s[FeaturePacketRate] = float64(h.count-1) / secs
	s[FeatureDataVolume] = float64(bytes) / 1024 / secs
	s[FeatureConnectionRate] = float64(connects) / secs
	return s
}

// entropy is the Shannon entropy in bits of the port distribution. Terms
// are summed in first-seen order so the result is reproducible bit for bit.
func entropy(counts map[uint16]int, order []uint16, total int) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, port := range order {
		p := float64(counts[port]) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
