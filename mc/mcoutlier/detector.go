// Package mcoutlier classifies a round's proposals as honest or suspect
// by measuring each proposal's distance from a robust center.
package mcoutlier

import (
	"math"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mgeo"
)

// DefaultThresholdFactor is the multiple of the median absolute distance
// beyond which a proposal is flagged suspect.
// Source material disagrees on the value, so it is configuration,
// not a mathematical constant.
const DefaultThresholdFactor = 3.0

const (
	// DefaultEpsilon stops the center iteration once movement
	// falls below this distance.
	DefaultEpsilon = 1e-9

	// DefaultIterationCap bounds the center iteration,
	// keeping classification O(n * cap).
	DefaultIterationCap = 64
)

// Config holds the detector tunables.
// The zero value of any field selects its default.
type Config struct {
	Geometry mgeo.Provider

	ThresholdFactor float64

	Epsilon      float64
	IterationCap int
}

// Detector computes robust centers and flags outliers.
// Safe for concurrent use; all state is per-call.
type Detector struct {
	geo mgeo.Provider

	thresholdFactor float64
	epsilon         float64
	iterationCap    int
}

func NewDetector(cfg Config) *Detector {
	d := &Detector{
		geo:             cfg.Geometry,
		thresholdFactor: cfg.ThresholdFactor,
		epsilon:         cfg.Epsilon,
		iterationCap:    cfg.IterationCap,
	}
	if d.thresholdFactor <= 0 {
		d.thresholdFactor = DefaultThresholdFactor
	}
	if d.epsilon <= 0 {
		d.epsilon = DefaultEpsilon
	}
	if d.iterationCap <= 0 {
		d.iterationCap = DefaultIterationCap
	}
	return d
}

// Classify partitions the given proposals into honest and suspect sets.
//
// The byzantineBudget argument is f = floor((n-1)/3) for the full
// validator set size n, which may exceed len(proposals) when some
// validators stayed silent.
//
// Classification runs even when the proposal count cannot prove safety;
// refusing the fast path in that case is the coordinator's job.
func (d *Detector) Classify(round uint64, proposals []mcconsensus.Proposal, byzantineBudget int) mcconsensus.ClassificationResult {
	res := mcconsensus.ClassificationResult{
		Round:   round,
		Honest:  bitset.New(uint(len(proposals))),
		Suspect: bitset.New(uint(len(proposals))),
		Margin:  byzantineBudget,
	}
	if len(proposals) == 0 {
		return res
	}

	points := make([]mgeo.Point, len(proposals))
	for i, p := range proposals {
		points[i] = p.Point
	}

	res.Center = d.robustCenter(points)

	dists := make([]float64, len(points))
	for i, pt := range points {
		dists[i] = d.geo.Distance(res.Center, pt)
	}

	m := median(dists)
	cutoff := d.thresholdFactor * m

	for i, p := range proposals {
		if dists[i] > cutoff {
			res.Suspect.Set(uint(p.Node))
		} else {
			res.Honest.Set(uint(p.Node))
		}
	}

	res.Margin = byzantineBudget - int(res.Suspect.Count())
	return res
}

// robustCenter runs a Weiszfeld-style iteration:
// repeatedly recombine the points weighted by inverse distance
// from the current center estimate, until the estimate stops moving
// or the iteration cap is hit.
func (d *Detector) robustCenter(points []mgeo.Point) mgeo.Point {
	weights := make([]float64, len(points))
	for i := range weights {
		weights[i] = 1
	}
	center := d.geo.Combine(points, weights)

	for range d.iterationCap {
		for i, pt := range points {
			dist := d.geo.Distance(center, pt)
			weights[i] = 1 / math.Max(dist, d.epsilon)
		}

		next := d.geo.Combine(points, weights)
		moved := d.geo.Distance(center, next)
		center = next
		if moved < d.epsilon {
			break
		}
	}

	return center
}

func median(xs []float64) float64 {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
