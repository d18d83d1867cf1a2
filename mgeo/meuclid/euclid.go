package meuclid

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/meridian-engine/meridian/mgeo"
)

// DefaultDim is the embedding dimension used when a Provider
// is constructed with a non-positive dimension.
const DefaultDim = 8

// Provider is a flat Euclidean [mgeo.Provider].
//
// Embedding hashes the raw value and expands the digest into Dim
// coordinates in the unit cube, so that identical raw values land on
// the identical point on every node while distinct values are spread
// approximately uniformly.
type Provider struct {
	Dim int
}

// New returns a Provider with the given embedding dimension.
func New(dim int) Provider {
	if dim <= 0 {
		dim = DefaultDim
	}
	return Provider{Dim: dim}
}

func (p Provider) Embed(raw []byte) mgeo.Point {
	dim := p.Dim
	if dim <= 0 {
		dim = DefaultDim
	}

	sum := sha256.Sum256(raw)

	pt := make(mgeo.Point, dim)
	var block [sha256.Size]byte
	for i := range pt {
		// Re-derive a fresh digest block every four coordinates.
		if i%4 == 0 {
			h := sha256.New()
			h.Write(sum[:])
			var ctr [8]byte
			binary.BigEndian.PutUint64(ctr[:], uint64(i/4))
			h.Write(ctr[:])
			h.Sum(block[:0])
		}

		u := binary.BigEndian.Uint64(block[(i%4)*8:])
		pt[i] = float64(u) / float64(math.MaxUint64)
	}

	return pt
}

func (p Provider) Distance(a, b mgeo.Point) float64 {
	return floats.Distance(a, b, 2)
}

func (p Provider) Combine(points []mgeo.Point, weights []float64) mgeo.Point {
	if len(points) == 0 {
		return nil
	}

	out := make(mgeo.Point, len(points[0]))
	var total float64
	for i, pt := range points {
		w := weights[i]
		if w <= 0 {
			continue
		}
		floats.AddScaled(out, w, pt)
		total += w
	}

	if total == 0 {
		// All weights zero; fall back to the unweighted mean.
		for _, pt := range points {
			floats.Add(out, pt)
		}
		total = float64(len(points))
	}

	floats.Scale(1/total, out)
	return out
}
