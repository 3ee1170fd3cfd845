// Package piecewise factors the "walk the breakpoints of two piecewise
// functions, plus any interior crossing points between them, and emit a
// new piece wherever the active choice changes" stepper that both the
// Z-function algebra (internal/zfunc) and the D-function algebra
// (internal/dfunc) describe identically in spec §4.1/§4.2. The spec
// never names this as a shared module, but both algebras are the same
// stepping algorithm over different piece shapes, so factoring it out
// here avoids writing it twice — in the spirit of the teacher's shared
// scoring/ranking helpers reused across pkg/scheduler/load_balancer.go
// and scheduler_manager.go.
package piecewise

import (
	"math"
	"sort"
)

// Interval is one sub-range produced by Walk. Hi is math.Inf(1) for the
// final interval.
type Interval struct {
	Lo, Hi float64
}

// Mid returns a representative sample point inside the interval,
// suitable for evaluating both operands to decide which is active.
func (iv Interval) Mid() float64 {
	if math.IsInf(iv.Hi, 1) {
		return iv.Lo + 1.0
	}
	return (iv.Lo + iv.Hi) / 2.0
}

// Walk merges two strictly-increasing breakpoint sequences (the "l"
// values of each function's pieces; each function's final piece is
// assumed to extend to +Inf) together with any interior crossing
// points reported by crossings for each raw interval, and returns the
// resulting sequence of intervals in increasing order. crossings may
// return an empty slice; any values it returns outside (lo, hi) are
// ignored.
func Walk(leftBreaks, rightBreaks []float64, crossings func(lo, hi float64) []float64) []Interval {
	raw := mergeUnique(leftBreaks, rightBreaks)
	if len(raw) == 0 {
		return nil
	}

	var out []Interval
	for i := 0; i < len(raw); i++ {
		lo := raw[i]
		hi := math.Inf(1)
		if i+1 < len(raw) {
			hi = raw[i+1]
		}

		inner := []float64{lo}
		if crossings != nil {
			for _, c := range crossings(lo, hi) {
				if c > lo && c < hi {
					inner = append(inner, c)
				}
			}
		}
		sort.Float64s(inner)
		inner = dedupe(inner)

		for j := 0; j < len(inner); j++ {
			segLo := inner[j]
			segHi := hi
			if j+1 < len(inner) {
				segHi = inner[j+1]
			}
			out = append(out, Interval{Lo: segLo, Hi: segHi})
		}
	}
	return out
}

func mergeUnique(a, b []float64) []float64 {
	all := make([]float64, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Float64s(all)
	return dedupe(all)
}

func dedupe(xs []float64) []float64 {
	if len(xs) == 0 {
		return xs
	}
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// QuadraticRoots returns the real roots of a*x^2 + b*x + c = 0 in
// ascending order. If a is ~0 it falls back to the linear root. Returns
// no roots if the discriminant is negative or no coefficients produce a
// real solution.
func QuadraticRoots(a, b, c float64) []float64 {
	if a == 0 {
		if b == 0 {
			return nil
		}
		return []float64{-c / b}
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		return nil
	}
	sq := math.Sqrt(disc)
	r1 := (-b + sq) / (2 * a)
	r2 := (-b - sq) / (2 * a)
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	return []float64{r1, r2}
}
