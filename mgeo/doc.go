// Package mgeo defines the geometry provider interface consumed by the
// outlier-rejection fast path.
//
// The consensus core treats points as opaque: only a provider interprets
// coordinates. Providers for other manifolds (spherical, hyperbolic)
// can be substituted without touching consensus code, as long as
// Distance is symmetric and satisfies the triangle inequality
// and Embed is deterministic across every node in the cluster.
package mgeo
