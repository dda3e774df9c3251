package lsh

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

// bandMatch is the probability that two sets with Jaccard similarity s share
// at least one of b bands of r rows.
func bandMatch(s float64, bands, rows int) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(rows)), float64(bands))
}

// legendre holds Gauss-Legendre nodes and weights on [-1,1]. With n nodes it
// integrates polynomials up to degree 2n-1 exactly, and the band curve is a
// polynomial of degree bands*rows.
type legendre struct {
	x, w []float64
}

func newLegendre(degree int) legendre {
	n := degree/2 + 1
	if n < 2 {
		n = 2
	}
	g := legendre{x: make([]float64, n), w: make([]float64, n)}
	quad.Legendre{}.FixedLocations(g.x, g.w, -1, 1)
	return g
}

func (g legendre) integrate(f func(float64) float64, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	half, mid := (hi-lo)/2, (hi+lo)/2
	var sum float64
	for i, x := range g.x {
		sum += g.w[i] * f(mid+half*x)
	}
	return sum * half
}

func falsePositive(g legendre, threshold float64, bands, rows int) float64 {
	return g.integrate(func(s float64) float64 { return bandMatch(s, bands, rows) }, 0, threshold)
}

func falseNegative(g legendre, threshold float64, bands, rows int) float64 {
	return g.integrate(func(s float64) float64 { return 1 - bandMatch(s, bands, rows) }, threshold, 1)
}

// FalsePositiveProbability is the area under the band-match curve below the
// threshold: pairs less similar than threshold that still collide.
func FalsePositiveProbability(threshold float64, bands, rows int) float64 {
	return falsePositive(newLegendre(bands*rows), threshold, bands, rows)
}

// FalseNegativeProbability is the area above the band-match curve from the
// threshold to 1: pairs at least that similar that never collide.
func FalseNegativeProbability(threshold float64, bands, rows int) float64 {
	return falseNegative(newLegendre(bands*rows), threshold, bands, rows)
}

// OptimalParams picks the number of bands and rows per band, with
// bands*rows <= numPerm, that minimises the weighted sum of false positive
// and false negative probabilities at threshold.
func OptimalParams(threshold float64, numPerm int, fpWeight, fnWeight float64) (bands, rows int) {
	g := newLegendre(numPerm)
	minErr := math.Inf(1)
	for b := 1; b <= numPerm; b++ {
		for r := 1; r <= numPerm/b; r++ {
			fp := falsePositive(g, threshold, b, r)
			fn := falseNegative(g, threshold, b, r)
			if e := fp*fpWeight + fn*fnWeight; e < minErr {
				minErr = e
				bands, rows = b, r
			}
		}
	}
	return bands, rows
}
