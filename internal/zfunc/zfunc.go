// Package zfunc implements the Z-function algebra: the piecewise
// rational-function representation of a node's marginal slowness
// curve (spec §4.1). A Z value summarizes, for every hypothetical new
// task length a, the resulting worst-case slowness if that task were
// accepted, without needing to re-run the full scheduling algorithm.
//
// Grounded on original_source/include/ZAFunction.hpp and
// src/lib/scheduling/policies/ZAFunction.cpp for the exact construction
// and reduction algorithm (spec.md names the closed-form-quadratic
// approach but does not give the per-case formulas); on
// internal/piecewise for the shared breakpoint-walk; and, for the
// teacher idiom, on pkg/scheduler/load_balancer.go's pattern of a
// small value type plus pure comparison/combination methods threaded
// through a *zerolog.Logger.
package zfunc

import (
	"container/heap"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/coreerr"
	"github.com/khryptorgraphics/stars/internal/piecewise"
	"github.com/khryptorgraphics/stars/internal/tasklist"
)

// SubFunction is one piece of a Z function: value(a, n) = x/a + y*a*n +
// z1*n + z2, valid for a >= L (spec §4.1).
type SubFunction struct {
	L  float64
	X  float64
	Y  float64
	Z1 float64
	Z2 float64
}

// Value evaluates the piece at task length a for n simultaneous new
// tasks of that length (n=1 for a single new task).
func (s SubFunction) Value(a, n float64) float64 {
	return s.X/a + s.Y*a*n + s.Z1*n + s.Z2
}

// sameShape reports whether two adjacent pieces have identical
// coefficients, in which case the boundary between them is redundant.
func (s SubFunction) sameShape(o SubFunction) bool {
	return s.X == o.X && s.Y == o.Y && s.Z1 == o.Z1 && s.Z2 == o.Z2
}

// Z is a piecewise rational function of task length a, defined for
// a >= Pieces[0].L.
type Z struct {
	Pieces []SubFunction
	Power  float64
}

// NewEmpty returns the Z function of a node with no queued tasks: a
// flat z1 = 1/power piece starting at minA (spec §4.1 edge case).
func NewEmpty(minA, power float64) *Z {
	return &Z{
		Pieces: []SubFunction{{L: minA, X: 0, Y: 0, Z1: 1.0 / power, Z2: 0}},
		Power:  power,
	}
}

func (z *Z) push(sf SubFunction) {
	if len(z.Pieces) > 0 {
		last := z.Pieces[len(z.Pieces)-1]
		if sf.sameShape(last) {
			return
		}
	}
	z.Pieces = append(z.Pieces, sf)
}

// FromTaskList constructs the Z function of the queue tl under power,
// following the closed-form critical-task-advance algorithm of
// ZAFunction.cpp (spec §4.1).
func FromTaskList(tl *tasklist.TaskList, power float64, cfg config.ZConfig, clk clock.Clock, log zerolog.Logger) *Z {
	if tl.Empty() {
		return NewEmpty(cfg.MinA, power)
	}

	now := clk.Now()
	tasks := tl.Tasks()
	tasklist.UpdateReleaseTime(tasks, now)

	synth := tasklist.TaskProxy{
		ID:   tasklist.MaxID,
		A:    cfg.MinA,
		T:    cfg.MinA / power,
		R:    0,
		RAbs: now,
	}
	tasks = append(tasks, synth)

	boundaries := tasklist.ComputeBoundariesSlice(tasks, now)

	z := &Z{Power: power}

	for {
		tnIdx := len(tasks) - 1
		curA := tasks[tnIdx].A

		svCur := extendBoundaries(tasks, boundaries, tnIdx, curA)
		if len(svCur) > 0 {
			tasklist.SortMinSlownessSlice(tasks, svCur, now)
			tnIdx = indexOfSynthetic(tasks)
		}

		tm, tmIdx, tmBeforeNew, maxSlowness := findCritical(tasks, tnIdx, now)
		tn := tasks[tnIdx]

		sf := buildSubFunction(curA, power, tmIdx, tnIdx, tm, tmBeforeNew)
		z.push(sf)

		nextA := nextCriticalA(tasks, svCur, tnIdx, tmIdx, tm, tn, tmBeforeNew, maxSlowness, power, curA)
		if math.IsInf(nextA, 1) {
			break
		}

		tasks[tnIdx].A = nextA + 1.0
		tasks[tnIdx].T = (nextA + 1.0) / power
		if tnIdx != len(tasks)-1 {
			moved := tasks[tnIdx]
			tasks = append(tasks[:tnIdx], tasks[tnIdx+1:]...)
			tasks = append(tasks, moved)
		}
	}

	log.Debug().Int("pieces", len(z.Pieces)).Float64("power", power).Msg("constructed z function")
	return z
}

func indexOfSynthetic(tasks []tasklist.TaskProxy) int {
	for i, t := range tasks {
		if t.ID == tasklist.MaxID {
			return i
		}
	}
	return len(tasks) - 1
}

// extendBoundaries augments the base boundary sequence with the
// crossing points implied by the synthetic task's current length,
// mirroring ZAFunction.cpp's per-iteration svCur computation.
func extendBoundaries(tasks []tasklist.TaskProxy, base []float64, tnIdx int, curA float64) []float64 {
	if len(base) == 0 {
		return nil
	}
	out := append([]float64(nil), base...)
	for i := 1; i < len(tasks); i++ {
		if i == tnIdx {
			continue
		}
		ti := tasks[i]
		if ti.A != curA {
			l := ti.R / (curA - ti.A)
			if l > out[0] {
				out = append(out, l)
			}
		}
	}
	sort.Float64s(out)
	return dedupe(out)
}

// findCritical locates the task with maximum slowness under the
// current order, tie-breaking by tendency exactly as
// ZAFunction.cpp does, and reports whether it was found strictly
// before the synthetic task in iteration order.
func findCritical(tasks []tasklist.TaskProxy, tnIdx int, now clock.Time) (tasklist.TaskProxy, int, bool, float64) {
	tasks[0].Tsum = tasks[0].T
	e := tasks[0].T
	maxSlowness := (e - tasks[0].R) / tasks[0].A
	maxTendency := 0.0
	tmIdx := 0
	tmBeforeNew := true
	beforeNew := true

	for i := 1; i < len(tasks); i++ {
		tendency := 0.0
		if !beforeNew {
			tendency = 1.0 / tasks[i].A
		}
		if i == tnIdx {
			tendency = -1.0
			tasks[i].Tsum = tasks[i-1].Tsum
			beforeNew = false
		} else {
			tasks[i].Tsum = tasks[i-1].Tsum + tasks[i].T
		}
		e += tasks[i].T
		slowness := (e - tasks[i].R) / tasks[i].A
		if slowness > maxSlowness || (slowness == maxSlowness && tendency > maxTendency) {
			maxSlowness = slowness
			tmIdx = i
			tmBeforeNew = beforeNew
			maxTendency = tendency
		}
	}
	return tasks[tmIdx], tmIdx, tmBeforeNew, maxSlowness
}

func buildSubFunction(curA, power float64, tmIdx, tnIdx int, tm tasklist.TaskProxy, tmBeforeNew bool) SubFunction {
	switch {
	case tmIdx == tnIdx:
		return SubFunction{L: curA, X: tm.Tsum, Y: 0, Z1: 1.0 / power, Z2: 0}
	case tmBeforeNew:
		return SubFunction{L: curA, X: 0, Y: 0, Z1: 0, Z2: (tm.Tsum - tm.R) / tm.A}
	default:
		return SubFunction{L: curA, X: 0, Y: 1.0 / (tm.A * power), Z1: 0, Z2: (tm.Tsum - tm.R) / tm.A}
	}
}

// nextCriticalA computes the smallest a > curA at which either the
// critical task or the min-slowness order changes, per the closed-form
// derivations in ZAFunction.cpp's three branches. Returns +Inf if no
// further change occurs (the current piece extends to infinity).
func nextCriticalA(tasks []tasklist.TaskProxy, svCur []float64, tnIdx, tmIdx int, tm, tn tasklist.TaskProxy, tmBeforeNew bool, maxSlowness, power, curA float64) float64 {
	next := math.Inf(1)
	consider := func(a float64) {
		if a > curA && a < next {
			next = a
		}
	}

	switch {
	case tmIdx == tnIdx:
		for i := 0; i < tnIdx; i++ {
			ti := tasks[i]
			consider(ti.A * tm.Tsum / (ti.Tsum - ti.A/power - ti.R))
		}
		for i := tnIdx + 1; i < len(tasks); i++ {
			ti := tasks[i]
			c := tm.Tsum * ti.A * power
			b := (ti.Tsum-ti.R)*power - ti.A
			if roots := piecewise.QuadraticRoots(1, b, -c); len(roots) == 2 {
				consider(roots[1])
			}
		}
		if len(svCur) > 0 && svCur[0] < maxSlowness {
			i := len(svCur) - 1
			for i > 0 && svCur[i] >= maxSlowness {
				i--
			}
			consider(tm.Tsum / (svCur[i] - 1.0/power))
		}

	case tmBeforeNew:
		consider(tm.A * tn.Tsum / (tm.Tsum - tm.A/power - tm.R))
		for i := tnIdx + 1; i < len(tasks); i++ {
			ti := tasks[i]
			consider((ti.A*(tm.Tsum-tm.R)/tm.A - ti.Tsum + ti.R) * power)
		}
		if tnIdx+1 < len(tasks) {
			tn1 := tasks[tnIdx+1]
			consider(tn1.A - tm.A*tn1.R/(tm.Tsum-tm.R))
		}

	default:
		for i := 0; i < tnIdx; i++ {
			ti := tasks[i]
			consider((tm.A*(ti.Tsum-ti.R)/ti.A - tm.Tsum + tm.R) * power)
		}
		c := tn.Tsum * tm.A * power
		b := (tm.Tsum-tm.R)*power - tm.A
		if roots := piecewise.QuadraticRoots(1, b, -c); len(roots) == 2 {
			consider(roots[1])
		}
		for i := tnIdx + 1; i < len(tasks); i++ {
			ti := tasks[i]
			if tm.A != ti.A {
				consider(((tm.Tsum-tm.R)*ti.A - (ti.Tsum-ti.R)*tm.A) * power / (tm.A - ti.A))
			}
		}
		if tnIdx+1 < len(tasks) {
			tn1 := tasks[tnIdx+1]
			c2 := (tm.A*tn1.R + tn1.A*(tm.Tsum-tm.R)) * power
			b2 := (tm.Tsum-tm.R)*power - tn1.A
			if roots := piecewise.QuadraticRoots(1, b2, -c2); len(roots) == 2 {
				consider(roots[1])
			}
		}
		if len(svCur) > 0 && svCur[len(svCur)-1] > maxSlowness {
			i := 0
			for i < len(svCur)-1 && svCur[i] <= maxSlowness {
				i++
			}
			consider((svCur[i]*tm.A - tm.Tsum + tm.R) * power)
		}
	}
	return next
}

// Min returns a Z whose value at every a is min(z(a), o(a)) (spec
// §4.1 min). Pieces are walked via internal/piecewise, with crossing
// points found by solving z's piece against o's piece as a quadratic
// in a (since value(a,n) = x/a + y*a*n + z1*n + z2 multiplied through
// by a yields a quadratic).
func (z *Z) Min(o *Z) *Z { return combine(z, o, math.Min) }

// Max returns a Z whose value at every a is max(z(a), o(a)) (spec
// §4.1 max).
func (z *Z) Max(o *Z) *Z { return combine(z, o, math.Max) }

func combine(z, o *Z, pick func(a, b float64) float64) *Z {
	out := &Z{Power: z.Power}
	leftL := lefts(z.Pieces)
	rightL := lefts(o.Pieces)

	intervals := piecewise.Walk(leftL, rightL, func(lo, hi float64) []float64 {
		zp := pieceAt(z, lo)
		op := pieceAt(o, lo)
		return crossingPoints(zp, op, 1)
	})

	for _, iv := range intervals {
		zp := pieceAt(z, iv.Mid())
		op := pieceAt(o, iv.Mid())
		zv := zp.Value(iv.Mid(), 1)
		ov := op.Value(iv.Mid(), 1)
		// Ties prefer the left operand's shape.
		chosen := zp
		if ov != zv && pick(zv, ov) == ov {
			chosen = op
		}
		chosen.L = iv.Lo
		out.push(chosen)
	}
	return out
}

func lefts(pieces []SubFunction) []float64 {
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		out[i] = p.L
	}
	return out
}

func pieceAt(z *Z, a float64) SubFunction {
	p := z.Pieces[0]
	for _, cand := range z.Pieces {
		if cand.L <= a {
			p = cand
		}
	}
	return p
}

// crossingPoints solves zp.Value(a,n) == op.Value(a,n) for a, scaling
// through by a to obtain a quadratic in a: (zp.Y-op.Y)*n*a^2 +
// ((zp.Z1-op.Z1)*n + (zp.Z2-op.Z2))*a + (zp.X-op.X) = 0.
func crossingPoints(zp, op SubFunction, n float64) []float64 {
	a2 := (zp.Y - op.Y) * n
	a1 := (zp.Z1-op.Z1)*n + (zp.Z2 - op.Z2)
	a0 := zp.X - op.X
	return piecewise.QuadraticRoots(a2, a1, a0)
}

// MaxDiff returns the maximum, over all a in [z's domain], of
// z(a) - o(a) (spec §4.1 maxDiff).
func (z *Z) MaxDiff(o *Z) float64 {
	leftL := lefts(z.Pieces)
	rightL := lefts(o.Pieces)
	intervals := piecewise.Walk(leftL, rightL, func(lo, hi float64) []float64 {
		zp := pieceAt(z, lo)
		op := pieceAt(o, lo)
		return crossingPoints(zp, op, 1)
	})

	best := math.Inf(-1)
	for _, iv := range intervals {
		for _, a := range []float64{iv.Lo, iv.Mid()} {
			if math.IsInf(a, 0) {
				continue
			}
			d := pieceAt(z, a).Value(a, 1) - pieceAt(o, a).Value(a, 1)
			if d > best {
				best = d
			}
		}
	}
	return best
}

// Sqdiff returns the integral of (z(a)-o(a))^2 over [from, to], clamped
// to zero if quadrature noise drives it negative (spec §4.1 sqdiff, §7
// KindNumericDomain policy).
func (z *Z) Sqdiff(o *Z, from, to float64) float64 {
	if to <= from {
		return 0
	}
	const samples = 64
	step := (to - from) / samples
	sum := 0.0
	for i := 0; i < samples; i++ {
		a := from + (float64(i)+0.5)*step
		d := pieceAt(z, a).Value(a, 1) - pieceAt(o, a).Value(a, 1)
		sum += d * d * step
	}
	// Numerical quadrature can dip slightly negative near a true zero;
	// sqdiff must never be negative.
	if sum < 0 {
		return 0
	}
	return sum
}

// beamCandidate is a held reduction candidate: mergeIdx is the index
// of the first of the two adjacent pieces it would merge, ranked by
// the squared-deviation loss that merge would introduce.
type beamCandidate struct {
	loss     float64
	mergeIdx int
}

// beamQueue is a bounded max-heap on loss, so Pop discards the worst
// of the held candidates once the beam exceeds its quality width.
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

// ReduceMax reduces z to at most numPieces pieces, greedily merging the
// pair of adjacent pieces whose replacement by a single piece (see
// mergeTwo: the coefficient-wise maximum of the two) introduces the
// least squared-deviation loss, keeping a beam of the `quality`
// best candidates considered at each step (spec §4.1 reduceMax).
func (z *Z) ReduceMax(numPieces, quality int, epsilon float64) *Z {
	if quality < 1 {
		quality = 1
	}
	if len(z.Pieces) <= numPieces {
		out := &Z{Power: z.Power, Pieces: append([]SubFunction(nil), z.Pieces...)}
		return out
	}

	pieces := append([]SubFunction(nil), z.Pieces...)
	for len(pieces) > numPieces {
		q := &beamQueue{}
		heap.Init(q)
		for i := 0; i+1 < len(pieces); i++ {
			merged := mergeTwo(pieces[i], pieces[i+1])
			loss := mergeLoss(pieces[i], pieces[i+1], merged)
			heap.Push(q, beamCandidate{loss: loss, mergeIdx: i})
			if q.Len() > quality {
				heap.Pop(q)
			}
		}
		// Among the kept beam (the lowest-loss candidates considered),
		// the smallest loss is the one to actually merge.
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
		merged := mergeTwo(pieces[bestIdx], pieces[bestIdx+1])
		next := append([]SubFunction{}, pieces[:bestIdx]...)
		next = append(next, merged)
		next = append(next, pieces[bestIdx+2:]...)
		pieces = next
	}
	return &Z{Power: z.Power, Pieces: pieces}
}

// mergeTwo builds a single SubFunction covering the span of a followed
// by b, starting at a's left endpoint. Each coefficient is the larger
// of the two pieces' coefficients; every term is non-decreasing in its
// coefficient for a > 0 and n >= 0, so the merged piece is never below
// either original.
func mergeTwo(a, b SubFunction) SubFunction {
	return SubFunction{
		L:  a.L,
		X:  math.Max(a.X, b.X),
		Y:  math.Max(a.Y, b.Y),
		Z1: math.Max(a.Z1, b.Z1),
		Z2: math.Max(a.Z2, b.Z2),
	}
}

// mergeLoss estimates the squared-deviation cost of replacing a and b
// with merged, sampling across [a.L, next after b) (spec §4.1's
// accumulated loss used by reduceMax/ClusteringList alike). Evaluated
// at n=1, matching getSlowness's single-new-task reading of value(a,n).
func mergeLoss(a, b, merged SubFunction) float64 {
	lo := a.L
	hi := b.L + math.Max(b.L-a.L, 1.0)
	const samples = 16
	step := (hi - lo) / samples
	sum := 0.0
	for i := 0; i < samples; i++ {
		s := lo + (float64(i)+0.5)*step
		var orig float64
		if s < b.L {
			orig = a.Value(s, 1)
		} else {
			orig = b.Value(s, 1)
		}
		d := merged.Value(s, 1) - orig
		sum += d * d * step
	}
	return sum
}

// GetSlowness returns z's value at task length a for a single new task
// (the slowness a lone task of that length would experience if
// accepted), i.e. value(a, n=1) in ZAFunction.cpp's getSlowness.
func (z *Z) GetSlowness(a float64) float64 {
	return pieceAt(z, a).Value(a, 1)
}

// EstimateSlowness returns the slowness n simultaneous new tasks of
// length a would each experience if accepted together (value(a, n) in
// ZAFunction.cpp's estimateSlowness), clamping a numeric-domain
// violation (negative result within epsilon of zero) to zero, logging
// per spec §7 KindNumericDomain policy. EstimateSlowness(a, 1, ...)
// agrees with GetSlowness(a) (spec §8 P7).
func (z *Z) EstimateSlowness(a, n, epsilon float64, log zerolog.Logger) float64 {
	v := pieceAt(z, a).Value(a, n)
	if v < 0 {
		err := coreerr.New(coreerr.KindNumericDomain, "Z.EstimateSlowness", nil)
		if v < -epsilon {
			err.Severe = true
			log.Warn().Err(err).Float64("value", v).Msg("z value outside tolerance, clamping to zero")
		} else {
			log.Debug().Err(err).Float64("value", v).Msg("z value within tolerance, clamping to zero")
		}
		return 0
	}
	return v
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
