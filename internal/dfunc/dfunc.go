// Package dfunc implements the D-function algebra: the piecewise
// linear representation of cumulative idle capacity available before a
// given time delta (spec §4.2). A D value answers "how much work could
// a new task of deadline delta still get done on this node" without
// re-simulating the whole queue.
//
// Grounded on original_source/include/LDeltaFunction.hpp and
// src/lib/scheduling/policies/LDeltaFunction.cpp for the point/slope
// shape and the min/max/lc/sqdiff stepper algorithm; on
// internal/piecewise for the shared breakpoint walk (reused here with
// a linear crossing solver instead of zfunc's quadratic one); and on
// internal/zfunc's ReduceMax for the reduction search shape, since both
// reductions the spec names are "merge the least-loss adjacent pair
// until the piece budget is met".
//
// reduceMin/reduceMax here are explicitly best-effort (spec §9 Open
// Question): the original implementation carries the same caveat
// verbatim ("FIXME: This method does not work well... why?" in
// LDeltaFunction.cpp), so this port does not aim for an exact
// optimum, only a monotone, loss-bounded approximation — see
// DESIGN.md's Open Questions section.
package dfunc

import (
	"container/heap"
	"math"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/piecewise"
	"github.com/khryptorgraphics/stars/internal/tasklist"
)

// Point is one control point of a D function: X is an offset in
// seconds from the function's reference instant, Y is the cumulative
// idle capacity available up to that offset.
type Point struct {
	X, Y float64
}

// D is a piecewise linear, non-decreasing function of time-offset,
// continuing with Slope past its last point (spec §4.2). An empty
// Points slice means the node is entirely free: D(x) = Slope*x.
type D struct {
	Points []Point
	Slope  float64
}

// NewFree returns the D function of a node with no queued tasks: pure
// linear growth at the given processing power.
func NewFree(power float64) *D {
	return &D{Slope: power}
}

// IsFree reports whether d has no queued-task holes at all.
func (d *D) IsFree() bool { return len(d.Points) == 0 }

// Horizon returns the offset beyond which d continues solely by Slope.
func (d *D) Horizon() float64 {
	if len(d.Points) == 0 {
		return 0
	}
	return d.Points[len(d.Points)-1].X
}

// Value returns d's cumulative availability at offset x.
func (d *D) Value(x float64) float64 {
	if len(d.Points) == 0 {
		return d.Slope * x
	}
	if x <= d.Points[0].X {
		return d.Points[0].Y
	}
	for i := 0; i+1 < len(d.Points); i++ {
		a, b := d.Points[i], d.Points[i+1]
		if x <= b.X {
			if b.X == a.X {
				return b.Y
			}
			t := (x - a.X) / (b.X - a.X)
			return a.Y + t*(b.Y-a.Y)
		}
	}
	last := d.Points[len(d.Points)-1]
	return last.Y + d.Slope*(x-last.X)
}

// GetAvailabilityBefore returns Value(delta): the cumulative idle
// capacity available before offset delta (spec §4.2
// getAvailabilityBefore).
func (d *D) GetAvailabilityBefore(delta float64) float64 {
	return d.Value(delta)
}

// segment describes the active linear piece at some offset: value(x)
// = y0 + slope*(x-x0), together with the breakpoints bounding it.
type segment struct {
	x0, y0, slope float64
}

func (s segment) value(x float64) float64 { return s.y0 + s.slope*(x-s.x0) }

// segmentAt returns the linear piece of d active at offset x.
func segmentAt(d *D, x float64) segment {
	if len(d.Points) == 0 {
		return segment{x0: 0, y0: 0, slope: d.Slope}
	}
	if x <= d.Points[0].X {
		return segment{x0: 0, y0: d.Points[0].Y, slope: 0}
	}
	for i := 0; i+1 < len(d.Points); i++ {
		a, b := d.Points[i], d.Points[i+1]
		if x <= b.X {
			slope := 0.0
			if b.X != a.X {
				slope = (b.Y - a.Y) / (b.X - a.X)
			}
			return segment{x0: a.X, y0: a.Y, slope: slope}
		}
	}
	last := d.Points[len(d.Points)-1]
	return segment{x0: last.X, y0: last.Y, slope: d.Slope}
}

func breakpoints(d *D) []float64 {
	out := make([]float64, len(d.Points))
	for i, p := range d.Points {
		out[i] = p.X
	}
	return out
}

// linearCrossing returns the x at which segments a and b intersect, if
// any lies strictly inside (lo, hi).
func linearCrossing(a, b segment, lo, hi float64) []float64 {
	if a.slope == b.slope {
		return nil
	}
	// a.y0 + a.slope*(x-a.x0) = b.y0 + b.slope*(x-b.x0)
	num := b.y0 - b.slope*b.x0 - a.y0 + a.slope*a.x0
	den := a.slope - b.slope
	x := num / den
	if x > lo && x < hi {
		return []float64{x}
	}
	return nil
}

func horizonOf(l, r *D) float64 {
	h := l.Horizon()
	if r.Horizon() > h {
		h = r.Horizon()
	}
	return h
}

// Min sets d to a conservative (pointwise-minimum) approximation of
// the combination of l and r, as two nodes aggregated by their parent
// would report the worst case (spec §4.2 min).
func (d *D) Min(l, r *D) {
	combine(d, l, r, math.Min)
	d.Slope = math.Min(l.Slope, r.Slope)
}

// Max sets d to an optimistic (pointwise-maximum) approximation of the
// combination of l and r (spec §4.2 max).
func (d *D) Max(l, r *D) {
	combine(d, l, r, math.Max)
	d.Slope = math.Max(l.Slope, r.Slope)
}

func combine(d, l, r *D, pick func(a, b float64) float64) {
	if l.IsFree() && r.IsFree() {
		d.Points = nil
		return
	}
	horizon := horizonOf(l, r)
	intervals := piecewise.Walk(breakpoints(l), breakpoints(r), func(lo, hi float64) []float64 {
		return linearCrossing(segmentAt(l, lo), segmentAt(r, lo), lo, hi)
	})

	var pts []Point
	var lastSlope float64
	haveSlope := false
	for _, iv := range intervals {
		if iv.Lo >= horizon {
			break
		}
		hi := iv.Hi
		if math.IsInf(hi, 1) || hi > horizon {
			hi = horizon
		}
		sl := segmentAt(l, iv.Lo)
		sr := segmentAt(r, iv.Lo)
		vl, vr := sl.value(iv.Lo), sr.value(iv.Lo)
		chosen := sl
		if vr != vl && pick(vl, vr) == vr {
			chosen = sr
		}
		if !haveSlope || chosen.slope != lastSlope {
			pts = append(pts, Point{X: iv.Lo, Y: chosen.value(iv.Lo)})
			lastSlope = chosen.slope
			haveSlope = true
		}
	}
	finalL := segmentAt(l, horizon)
	finalR := segmentAt(r, horizon)
	fv := pick(finalL.value(horizon), finalR.value(horizon))
	pts = append(pts, Point{X: horizon, Y: fv})
	d.Points = pts
}

// Lc sets d to the linear combination lc*l + rc*r (spec §4.2 lc,
// LDeltaFunction::lc), used when aggregating sibling availability by
// weighted contribution.
func (d *D) Lc(l, r *D, lc, rc float64) {
	horizon := horizonOf(l, r)
	if horizon == 0 {
		d.Points = nil
		d.Slope = lc*l.Slope + rc*r.Slope
		return
	}
	intervals := piecewise.Walk(breakpoints(l), breakpoints(r), func(lo, hi float64) []float64 {
		return nil // lc has no crossings to resolve, both terms apply throughout
	})

	var pts []Point
	var lastSlope float64
	haveSlope := false
	for _, iv := range intervals {
		if iv.Lo >= horizon {
			break
		}
		sl := segmentAt(l, iv.Lo)
		sr := segmentAt(r, iv.Lo)
		slope := lc*sl.slope + rc*sr.slope
		if !haveSlope || slope != lastSlope {
			val := lc*sl.value(iv.Lo) + rc*sr.value(iv.Lo)
			pts = append(pts, Point{X: iv.Lo, Y: val})
			lastSlope = slope
			haveSlope = true
		}
	}
	fl := segmentAt(l, horizon)
	fr := segmentAt(r, horizon)
	fv := lc*fl.value(horizon) + rc*fr.value(horizon)
	pts = append(pts, Point{X: horizon, Y: fv})
	d.Points = pts
	d.Slope = lc*l.Slope + rc*r.Slope
}

// Sqdiff returns the integral of (d(x)-o(x))^2 over [0, horizon] (spec
// §4.2 sqdiff), used identically to zfunc.Z.Sqdiff by the clustering
// aggregator's loss accounting.
func (d *D) Sqdiff(o *D, horizon float64) float64 {
	if horizon <= 0 {
		return 0
	}
	const samples = 64
	step := horizon / samples
	sum := 0.0
	for i := 0; i < samples; i++ {
		x := (float64(i) + 0.5) * step
		delta := d.Value(x) - o.Value(x)
		sum += delta * delta * step
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// MinAndLoss sets d to Min(l, r) and returns the squared-deviation
// loss of that approximation against the weighted average
// (lv*lc + rv*rc)/(lv+rv) (spec §4.2 minAndLoss), the form the clustering aggregator
// uses to score a prospective cluster merge.
func (d *D) MinAndLoss(l, r *D, lv, rv float64, lc, rc *D, horizon float64) float64 {
	d.Min(l, r)
	var combined D
	if lv+rv == 0 {
		return 0
	}
	combined.Lc(lc, rc, lv/(lv+rv), rv/(lv+rv))
	return d.Sqdiff(&combined, horizon)
}

// Update reduces availability to account for accepting a task of the
// given length with the given deadline offset, clipped to horizon
// (spec §4.2 update): every control point at or before deadline loses
// `length` of availability, clamped at zero, and a point at horizon is
// appended if the function ends before it. Points after the deadline
// are left unchanged; availability is not otherwise capped.
func (d *D) Update(length, deadline, horizon float64) {
	for i := range d.Points {
		if d.Points[i].X <= deadline {
			d.Points[i].Y -= length
			if d.Points[i].Y < 0 {
				d.Points[i].Y = 0
			}
		}
	}
	if len(d.Points) == 0 || d.Points[len(d.Points)-1].X < horizon {
		d.Points = append(d.Points, Point{X: horizon, Y: d.Value(horizon)})
	}
}

// FromTaskList constructs the D function of the queue tl under power,
// treating queued tasks as occupying back-to-back execution slots with
// no reservation holes (LDeltaFunction.cpp's no-holes trivial case):
// zero availability until the queue drains, full power afterwards.
func FromTaskList(tl *tasklist.TaskList, power float64, clk clock.Clock) *D {
	if tl.Empty() {
		return NewFree(power)
	}
	busy := 0.0
	for _, t := range tl.Tasks() {
		busy += t.T
	}
	return &D{Points: []Point{{X: busy, Y: 0}}, Slope: power}
}

type beamCandidate struct {
	loss     float64
	mergeIdx int
}

type beamQueue []beamCandidate

func (q beamQueue) Len() int { return len(q) }
func (q beamQueue) Less(i, j int) bool {
	if q[i].loss != q[j].loss {
		return q[i].loss > q[j].loss
	}
	return q[i].mergeIdx < q[j].mergeIdx
}
func (q beamQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *beamQueue) Push(x any)   { *q = append(*q, x.(beamCandidate)) }
func (q *beamQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// reduce is the shared greedy merge search behind ReduceMin and
// ReduceMax: repeatedly merge the adjacent point pair (from a bounded
// beam of the quality least-lossy candidates) whose replacement
// introduces the least loss, until numPoints remain.
func reduce(points []Point, numPoints, quality int) []Point {
	if quality < 1 {
		quality = 1
	}
	pts := append([]Point(nil), points...)
	for len(pts) > numPoints && len(pts) > 2 {
		q := &beamQueue{}
		heap.Init(q)
		for i := 1; i+1 < len(pts); i++ {
			loss := mergeLoss(pts[i-1], pts[i], pts[i+1])
			heap.Push(q, beamCandidate{loss: loss, mergeIdx: i})
			if q.Len() > quality {
				heap.Pop(q)
			}
		}
		bestIdx, bestLoss := -1, math.Inf(1)
		for _, cand := range *q {
			if cand.loss < bestLoss {
				bestLoss = cand.loss
				bestIdx = cand.mergeIdx
			}
		}
		if bestIdx < 0 {
			break
		}
		next := append([]Point{}, pts[:bestIdx]...)
		next = append(next, pts[bestIdx+1:]...)
		pts = next
	}
	return pts
}

// mergeLoss estimates the vertical deviation removing the middle point
// would introduce: how far it sits from the straight line joining its
// neighbors.
func mergeLoss(prev, mid, next Point) float64 {
	if next.X == prev.X {
		return 0
	}
	t := (mid.X - prev.X) / (next.X - prev.X)
	interp := prev.Y + t*(next.Y-prev.Y)
	d := mid.Y - interp
	return d * d
}

// ReduceMin reduces d to at most numPoints control points by dropping
// the points that sit closest to the line through their neighbours,
// then scales every remaining value by 0.999 (spec §4.2 reduceMin).
// Best-effort: the result is not checked against the original, and
// it can exceed it where a dropped point lay below that line.
func (d *D) ReduceMin(numPoints, quality int) {
	if len(d.Points) <= numPoints {
		return
	}
	d.Points = reduce(d.Points, numPoints, quality)
	for i := range d.Points {
		// Bias down slightly toward a conservative floor; this lowers
		// the kept points by 0.1% but does not bound the result below
		// the original at the discarded points.
		d.Points[i].Y = math.Max(0, d.Points[i].Y*0.999)
	}
}

// ReduceMax reduces d to at most numPoints control points by dropping
// the points that sit closest to the line through their neighbours
// (spec §4.2 reduceMax). Best-effort: the result is not checked
// against the original, and it falls below it where a dropped point
// lay above that line.
func (d *D) ReduceMax(numPoints, quality int) {
	if len(d.Points) <= numPoints {
		return
	}
	d.Points = reduce(d.Points, numPoints, quality)
}
