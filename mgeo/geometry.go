package mgeo

import "slices"

// Point is a position in a provider's metric space.
// Consensus code never inspects coordinates;
// only the [Provider] that produced a point may interpret it.
type Point []float64

// Clone returns an independent copy of p.
func (p Point) Clone() Point {
	return slices.Clone(p)
}

// Provider supplies the point-to-point geometric primitives
// for one metric space.
//
// Implementations must be safe for concurrent use:
// proposal embedding runs in parallel across a round's proposals.
type Provider interface {
	// Embed maps a raw proposal value to a point.
	// It must be deterministic and must not depend on any node-local state,
	// so that every node embeds identical bytes to the identical point.
	Embed(raw []byte) Point

	// Distance returns the non-negative distance between two points.
	// It must be symmetric and satisfy the triangle inequality.
	Distance(a, b Point) float64

	// Combine returns the weighted combination of the given points,
	// the provider's closed-form step underneath iterative center finding.
	// Weights must be non-negative; a zero weight excludes the point.
	Combine(points []Point, weights []float64) Point
}
