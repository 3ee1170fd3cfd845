// Package cluster implements the clustering aggregator: a bounded-size
// summary of the (memory, disk, slowness-availability) triples offered
// by a subtree, built by successively merging the least-lossy pair of
// clusters whenever the summary would otherwise exceed its configured
// size (spec §4.4 MDZCluster / ClusteringList / Summary).
//
// Grounded on original_source/include/FSPAvailabilityInformation.hpp's
// MDLCluster (value/minM/minD/maxL/accumLsq/accumMaxL field shape,
// renamed here to the spec's MDZ vocabulary) and
// include/IBPAvailabilityInformation.hpp's MDCluster
// (distance/far/aggregate algorithm, MINIMUM aggregation method);
// reduction search follows internal/zfunc.Z.ReduceMax's beam shape.
// Per the back-pointer-elimination design note (spec §4.4), MDZCluster
// never stores a pointer back to its owning Summary — the axis ranges
// needed by distance/far are passed explicitly as a Context argument,
// mirroring the teacher's preference for pure value types over
// back-referencing structs in pkg/scheduler/node_selector.go.
package cluster

import (
	"container/heap"
	"math"

	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/zfunc"
)

// farPenalty is the additive loss penalty per axis on which two
// clusters fall in different coarse grid cells (spec §4.4 distance).
const farPenalty = 100.0

// Context carries the axis ranges a Summary's clusters are scored
// against, replacing the back-pointer the original MDCluster::reference
// carried.
type Context struct {
	MinM, MaxM float64
	MinD, MaxD float64
	MinSlowness, MaxSlowness float64
	// ZFrom, ZTo bound the task-length window over which Z-function
	// loss is integrated when merging two clusters' maxZ curves.
	ZFrom, ZTo float64
}

func (c Context) memRange() float64      { return c.MaxM - c.MinM }
func (c Context) diskRange() float64     { return c.MaxD - c.MinD }
func (c Context) slownessRange() float64 { return c.MaxSlowness - c.MinSlowness }

// MDZCluster is one entry of a Summary: the worst-case (minimum)
// memory and disk and the worst-case (maximum) slowness curve offered
// by Value aggregated nodes, plus the accumulated squared-deviation loss that
// approximation has introduced so far (spec §4.4).
type MDZCluster struct {
	Value int

	MinM, MinD float64
	AccumMsq, AccumDsq float64
	AccumMln, AccumDln float64

	// MaxZ is the representative (pointwise-maximum, i.e. worst-case
	// slowness) curve of the aggregated nodes.
	MaxZ *zfunc.Z
	// AccumZsq is the accumulated squared-deviation loss from
	// approximating every aggregated node's curve by MaxZ.
	AccumZsq float64
	// AccumMaxZ is the running pointwise maximum of the aggregated
	// nodes' curves, folded in on every merge without rescanning every
	// prior member.
	AccumMaxZ *zfunc.Z
}

// NewLeaf builds the single-node cluster for one execution node (spec
// §4.5 getAvailability: value=1, minM=mem, minD=disk,
// maxZ=accumMaxZ=Z, accumZsq=0).
func NewLeaf(mem, disk float64, z *zfunc.Z) MDZCluster {
	return MDZCluster{Value: 1, MinM: mem, MinD: disk, MaxZ: z, AccumMaxZ: z}
}

// Fulfills reports whether this cluster can satisfy a request needing
// at least reqMem memory and reqDisk disk.
func (c MDZCluster) Fulfills(reqMem, reqDisk float64) bool {
	return c.MinM >= reqMem && c.MinD >= reqDisk
}

// far reports whether c and r fall in different coarse grid cells of
// ctx's axis ranges on ANY axis, meaning they should be excluded from
// the clusterize candidate shortlist (spec §4.4 far).
func (c MDZCluster) far(r MDZCluster, ctx Context, cells int) bool {
	return farAxes(c, r, ctx, cells) > 0
}

// farAxes counts how many axes c and r fall in different grid cells
// on, used both by far() (any mismatch excludes the pair) and by the
// distance penalty (each mismatch adds farPenalty, per spec §4.4).
func farAxes(c, r MDZCluster, ctx Context, cells int) int {
	n := 0
	if mr := ctx.memRange(); mr > 0 {
		if cellOf(c.MinM, ctx.MinM, mr, cells) != cellOf(r.MinM, ctx.MinM, mr, cells) {
			n++
		}
	}
	if dr := ctx.diskRange(); dr > 0 {
		if cellOf(c.MinD, ctx.MinD, dr, cells) != cellOf(r.MinD, ctx.MinD, dr, cells) {
			n++
		}
	}
	if sr := ctx.slownessRange(); sr > 0 && ctx.ZTo > ctx.ZFrom {
		cs := sampleSlowness(c.MaxZ, ctx)
		rs := sampleSlowness(r.MaxZ, ctx)
		if cellOf(cs, ctx.MinSlowness, sr, cells) != cellOf(rs, ctx.MinSlowness, sr, cells) {
			n++
		}
	}
	return n
}

func sampleSlowness(z *zfunc.Z, ctx Context) float64 {
	if z == nil {
		return 0
	}
	return z.GetSlowness(ctx.ZFrom)
}

func cellOf(v, min, rng float64, cells int) int {
	cell := int((v - min) / rng * float64(cells))
	if cell >= cells {
		cell = cells - 1
	}
	if cell < 0 {
		cell = 0
	}
	return cell
}

// aggregate merges r into a copy of c using the MINIMUM aggregation
// method (spec §4.4: the default and only method this core supports),
// mirroring MDCluster::aggregate's incremental variance decomposition
// for the memory and disk axes, and folding AccumMaxZ/AccumZsq via
// direct Z.Sqdiff integration for the slowness axis (Z deviations are
// functions, not scalars, so the closed-form int64 recurrence the
// original uses for mem/disk does not carry over — see DESIGN.md).
func (c MDZCluster) aggregate(r MDZCluster, ctx Context) MDZCluster {
	out := c
	newMinM := math.Min(c.MinM, r.MinM)
	newMinD := math.Min(c.MinD, r.MinD)

	dm, rdm := c.MinM-newMinM, r.MinM-newMinM
	out.AccumMsq = c.AccumMsq + float64(c.Value)*dm*dm + 2*dm*c.AccumMln +
		r.AccumMsq + float64(r.Value)*rdm*rdm + 2*rdm*r.AccumMln
	out.AccumMln = float64(c.Value)*dm + c.AccumMln + float64(r.Value)*rdm + r.AccumMln

	dd, rdd := c.MinD-newMinD, r.MinD-newMinD
	out.AccumDsq = c.AccumDsq + float64(c.Value)*dd*dd + 2*dd*c.AccumDln +
		r.AccumDsq + float64(r.Value)*rdd*rdd + 2*rdd*r.AccumDln
	out.AccumDln = float64(c.Value)*dd + c.AccumDln + float64(r.Value)*rdd + r.AccumDln

	out.MinM = newMinM
	out.MinD = newMinD
	out.Value = c.Value + r.Value

	switch {
	case c.MaxZ != nil && r.MaxZ != nil:
		merged := c.MaxZ.Max(r.MaxZ)
		out.MaxZ = merged
		switch {
		case c.AccumMaxZ == nil:
			out.AccumMaxZ = r.AccumMaxZ
		case r.AccumMaxZ != nil:
			out.AccumMaxZ = c.AccumMaxZ.Max(r.AccumMaxZ)
		}
		from := merged.Pieces[0].L
		out.AccumZsq = c.AccumZsq + r.AccumZsq +
			merged.Sqdiff(c.MaxZ, from, ctx.ZTo) +
			merged.Sqdiff(r.MaxZ, from, ctx.ZTo)
	case r.MaxZ != nil:
		out.MaxZ, out.AccumMaxZ = r.MaxZ, r.MaxZ
	}

	return out
}

// loss is the score a merge candidate is ranked by: the total
// accumulated squared-deviation loss the merged cluster carries,
// normalized by axis range, plus farPenalty for every axis on which
// c and r fell in different grid cells (spec §4.4 distance).
func (c MDZCluster) loss(r MDZCluster, ctx Context, cells int) (float64, MDZCluster) {
	merged := c.aggregate(r, ctx)
	total := 0.0
	if mr := ctx.memRange(); mr > 0 {
		total += merged.AccumMsq / (float64(merged.Value) * mr * mr)
	}
	if dr := ctx.diskRange(); dr > 0 {
		total += merged.AccumDsq / (float64(merged.Value) * dr * dr)
	}
	if sr := ctx.slownessRange(); sr > 0 {
		total += merged.AccumZsq / (float64(merged.Value) * sr * sr)
	}
	total += farPenalty * float64(farAxes(c, r, ctx, cells))
	return total, merged
}

// List is a bounded-size collection of MDZCluster, reduced by greedy
// loss-minimizing merges whenever it exceeds its target size (spec
// §4.4 ClusteringList).
type List struct {
	Clusters []MDZCluster
}

// Add appends the clusters of other to l, deferring any size reduction
// to a subsequent Clusterize call (spec §4.4 add / §7 KindClusterOverflow
// policy: clusterize down rather than reject).
func (l *List) Add(other List) {
	l.Clusters = append(l.Clusters, other.Clusters...)
}

// PushBack appends a single cluster, e.g. for one execution node.
func (l *List) PushBack(c MDZCluster) {
	l.Clusters = append(l.Clusters, c)
}

// Purge drops clusters with zero aggregated nodes, a defensive sweep
// mirroring ClusteringList::purge against stale entries.
func (l *List) Purge() {
	out := l.Clusters[:0]
	for _, c := range l.Clusters {
		if c.Value > 0 {
			out = append(out, c)
		}
	}
	l.Clusters = out
}

type beamCandidate struct {
	loss   float64
	i, j   int
	merged MDZCluster
}

type beamQueue []beamCandidate

func (q beamQueue) Len() int { return len(q) }
func (q beamQueue) Less(i, j int) bool {
	if q[i].loss != q[j].loss {
		return q[i].loss > q[j].loss
	}
	if q[i].i != q[j].i {
		return q[i].i > q[j].i
	}
	return q[i].j > q[j].j
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

// Clusterize reduces l to at most numClusters entries, repeatedly
// merging the non-far pair of clusters with the least loss, keeping a
// bounded beam of the `quality` best candidates considered at each
// step (spec §4.4 clusterize). distVectorSize is the beam width, and
// at most distVectorSize² non-far pairs are scored per pass; far
// pairs are skipped before scoring. Ties break by insertion order (lower
// (i,j) wins), matching the spec's stated tie-break rule.
func (l *List) Clusterize(numClusters int, ctx Context, cfg config.ClusterConfig) {
	if numClusters < 1 {
		numClusters = 1
	}
	quality := cfg.DistVectorSize
	if quality < 1 {
		quality = 1
	}
	cells := cfg.GridCellsMDZ()

	for len(l.Clusters) > numClusters {
		q := &beamQueue{}
		heap.Init(q)
		considered := 0
		budget := cfg.DistVectorSize * cfg.DistVectorSize
		for i := 0; i < len(l.Clusters) && considered < budget; i++ {
			for j := i + 1; j < len(l.Clusters); j++ {
				if l.Clusters[i].far(l.Clusters[j], ctx, cells) {
					continue
				}
				loss, merged := l.Clusters[i].loss(l.Clusters[j], ctx, cells)
				heap.Push(q, beamCandidate{loss: loss, i: i, j: j, merged: merged})
				if q.Len() > quality {
					heap.Pop(q)
				}
				considered++
				if considered >= budget {
					break
				}
			}
		}
		if q.Len() == 0 {
			// Nothing shares a grid cell; fall back to the globally
			// least-lossy pair so the list still shrinks (spec §7
			// KindClusterOverflow: clusterize must always converge).
			bestI, bestJ, bestLoss := -1, -1, math.Inf(1)
			var bestMerged MDZCluster
			for i := 0; i < len(l.Clusters); i++ {
				for j := i + 1; j < len(l.Clusters); j++ {
					loss, merged := l.Clusters[i].loss(l.Clusters[j], ctx, cells)
					if loss < bestLoss {
						bestLoss, bestI, bestJ, bestMerged = loss, i, j, merged
					}
				}
			}
			if bestI < 0 {
				return
			}
			l.replace(bestI, bestJ, bestMerged)
			continue
		}

		best := (*q)[0]
		for _, cand := range *q {
			if cand.loss < best.loss || (cand.loss == best.loss && (cand.i < best.i || (cand.i == best.i && cand.j < best.j))) {
				best = cand
			}
		}
		l.replace(best.i, best.j, best.merged)
	}
}

func (l *List) replace(i, j int, merged MDZCluster) {
	next := make([]MDZCluster, 0, len(l.Clusters)-1)
	for k, c := range l.Clusters {
		if k == i || k == j {
			continue
		}
		next = append(next, c)
	}
	next = append(next, merged)
	l.Clusters = next
}

// Summary is the serialized availability summary a node sends its
// parent: a List plus the axis ranges its clusters were computed
// against (spec §4.4 Summary / §6 AvailabilityInfo payload).
type Summary struct {
	List List
	MinM, MaxM float64
	MinD, MaxD float64
	MinSlowness, MaxSlowness float64
	// LengthHorizon is the last meaningful task length observed, the
	// upper bound of the window over which maxZ curves are integrated.
	LengthHorizon float64
	// MinZ/MaxZ are the global envelope across every node folded into
	// this summary, distinct from any single MDZCluster.MaxZ (spec §3
	// Summary / §6 AvailabilityInfo minZ/maxZ, FSPAvailabilityInformation.hpp's
	// minL/maxL).
	MinZ, MaxZ *zfunc.Z
}

// Context returns the Context a Summary's clusters should be scored
// against, with the Z-integration window [minA, LengthHorizon].
func (s Summary) Context(minA float64) Context {
	return Context{
		MinM: s.MinM, MaxM: s.MaxM,
		MinD: s.MinD, MaxD: s.MaxD,
		MinSlowness: s.MinSlowness, MaxSlowness: s.MaxSlowness,
		ZFrom: minA, ZTo: s.LengthHorizon,
	}
}

// AddNode incorporates one execution node's offer into the summary
// (spec §4.4 addNode / §4.5 getAvailability).
func (s *Summary) AddNode(mem, disk float64, z *zfunc.Z) {
	slowness := z.GetSlowness(z.Pieces[0].L)
	if len(s.List.Clusters) == 0 {
		s.MinM, s.MaxM = mem, mem
		s.MinD, s.MaxD = disk, disk
		s.MinSlowness, s.MaxSlowness = slowness, slowness
		s.MinZ, s.MaxZ = z, z
	} else {
		s.MinM = math.Min(s.MinM, mem)
		s.MaxM = math.Max(s.MaxM, mem)
		s.MinD = math.Min(s.MinD, disk)
		s.MaxD = math.Max(s.MaxD, disk)
		s.MinSlowness = math.Min(s.MinSlowness, slowness)
		s.MaxSlowness = math.Max(s.MaxSlowness, slowness)
		s.MinZ = s.MinZ.Min(z)
		s.MaxZ = s.MaxZ.Max(z)
	}
	if last := z.Pieces[len(z.Pieces)-1].L; last > s.LengthHorizon {
		s.LengthHorizon = last
	}
	s.List.PushBack(NewLeaf(mem, disk, z))
}

// Join aggregates a child's summary into s (spec §4.4 join).
func (s *Summary) Join(r Summary) {
	if len(r.List.Clusters) == 0 {
		return
	}
	if len(s.List.Clusters) == 0 {
		*s = r
		return
	}
	s.MinM = math.Min(s.MinM, r.MinM)
	s.MaxM = math.Max(s.MaxM, r.MaxM)
	s.MinD = math.Min(s.MinD, r.MinD)
	s.MaxD = math.Max(s.MaxD, r.MaxD)
	s.MinSlowness = math.Min(s.MinSlowness, r.MinSlowness)
	s.MaxSlowness = math.Max(s.MaxSlowness, r.MaxSlowness)
	if r.LengthHorizon > s.LengthHorizon {
		s.LengthHorizon = r.LengthHorizon
	}
	s.MinZ = s.MinZ.Min(r.MinZ)
	s.MaxZ = s.MaxZ.Max(r.MaxZ)
	s.List.Add(r.List)
}

// Reduce clusterizes s down to cfg.NumClusters entries (spec §4.4
// reduce).
func (s *Summary) Reduce(cfg config.ClusterConfig, minA float64) {
	s.List.Clusterize(cfg.NumClusters, s.Context(minA), cfg)
}

// Updated purges stale zero-value clusters (spec §4.4 updated).
func (s *Summary) Updated() {
	s.List.Purge()
}

// GetAvailability returns every cluster able to satisfy a request for
// reqMem memory and reqDisk disk (spec §4.6 step 1: the dispatcher's
// caller is responsible for scoring/sorting by DecisionInfo).
func (s Summary) GetAvailability(reqMem, reqDisk float64) []MDZCluster {
	var out []MDZCluster
	for _, c := range s.List.Clusters {
		if c.Fulfills(reqMem, reqDisk) {
			out = append(out, c)
		}
	}
	return out
}
