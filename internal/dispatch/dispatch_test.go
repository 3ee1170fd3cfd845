package dispatch

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/logging"
)

func branchWith(id string, value int, minM, minD float64) Branch {
	return Branch{
		ID: id,
		Summary: cluster.Summary{
			List: cluster.List{Clusters: []cluster.MDZCluster{
				{Value: value, MinM: minM, MinD: minD},
			}},
		},
		IsEN: true,
	}
}

// P10: over a dispatch, allocated-to-branches + forwarded-up = requested,
// as long as total branch capacity covers the request (so nothing is
// silently dropped per spec §7's no-branch-no-parent policy).
func TestDispatch_Conservation(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("DispatchConservation", prop.ForAll(
		func(values []int, requested uint64) bool {
			branches := make([]Branch, len(values))
			total := uint64(0)
			for i, v := range values {
				branches[i] = branchWith(string(rune('a'+i)), v, 256, 1024)
				total += uint64(v)
			}
			bag := TaskBag{Requester: "r", FirstTask: 0, LastTask: requested - 1, Requirements: Requirements{Mem: 256, Disk: 1024}}

			result := Dispatch(bag, "", branches, "parent", logging.Nop())

			allocated := uint64(0)
			for _, piece := range result.ToBranch {
				allocated += piece.Count()
			}
			forwarded := uint64(0)
			if result.Residual != nil {
				forwarded = result.Residual.Count()
			}
			if total >= requested {
				// Capacity suffices; everything must be allocated or
				// forwarded, nothing dropped.
				return allocated+forwarded == requested && forwarded == 0
			}
			// Capacity insufficient: the shortfall is forwarded to the
			// parent (a parent was given), so conservation still holds.
			return allocated+forwarded == requested
		},
		gen.SliceOfN(4, gen.IntRange(0, 50)),
		gen.UInt64Range(1, 150),
	))
	properties.TestingRun(t)
}

// Regression: a branch whose qualifying clusters don't sort
// contiguously (another branch's cluster scores better in between)
// must still end up with one contiguous, non-overlapping range. Branch
// "a" offers two clusters (value 3 each) that bracket branch "b"'s one
// cluster (value 3) in score order: a1, b, a2.
func TestDispatch_NonContiguousClustersDontOverlap(t *testing.T) {
	a := Branch{
		ID: "a",
		Summary: cluster.Summary{List: cluster.List{Clusters: []cluster.MDZCluster{
			{Value: 3, MinM: 300, MinD: 1100}, // availability 516, sorts first
			{Value: 3, MinM: 320, MinD: 1100}, // availability 716, sorts last
		}}},
		IsEN: true,
	}
	b := Branch{
		ID: "b",
		Summary: cluster.Summary{List: cluster.List{Clusters: []cluster.MDZCluster{
			{Value: 3, MinM: 310, MinD: 1100}, // availability 616, sorts between a's two
		}}},
		IsEN: true,
	}

	bag := TaskBag{Requester: "r", FirstTask: 0, LastTask: 7, Requirements: Requirements{Mem: 256, Disk: 1024}}
	result := Dispatch(bag, "", []Branch{a, b}, "parent", logging.Nop())

	require.Contains(t, result.ToBranch, "a")
	require.Contains(t, result.ToBranch, "b")
	pa, pb := result.ToBranch["a"], result.ToBranch["b"]
	require.Equal(t, uint64(5), pa.Count())
	require.Equal(t, uint64(3), pb.Count())

	// The two ranges must not overlap.
	overlap := pa.FirstTask <= pb.LastTask && pb.FirstTask <= pa.LastTask
	require.False(t, overlap, "branch ranges overlap: a=[%d,%d] b=[%d,%d]", pa.FirstTask, pa.LastTask, pb.FirstTask, pb.LastTask)
	require.Nil(t, result.Residual)
}

// P10, multi-cluster variant: branches with several clusters scored
// arbitrarily (so clusters from different branches interleave in sort
// order) still produce non-overlapping per-branch ranges that conserve
// the total task count, exercising the normal post-reduce case where a
// branch's Summary holds more than one cluster.
func TestDispatch_ConservationMultiCluster(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("DispatchConservationMultiCluster", prop.ForAll(
		func(valuesPerBranch, offsetsPerBranch [][]int, requested uint64) bool {
			var branches []Branch
			total := uint64(0)
			for bi, values := range valuesPerBranch {
				var clusters []cluster.MDZCluster
				for ci, v := range values {
					if v < 0 {
						v = 0
					}
					clusters = append(clusters, cluster.MDZCluster{
						Value: v,
						MinM:  256 + float64(offsetsPerBranch[bi][ci]),
						MinD:  1024,
					})
					total += uint64(v)
				}
				branches = append(branches, Branch{
					ID:      string(rune('a' + bi)),
					Summary: cluster.Summary{List: cluster.List{Clusters: clusters}},
					IsEN:    true,
				})
			}
			bag := TaskBag{Requester: "r", FirstTask: 0, LastTask: requested - 1, Requirements: Requirements{Mem: 256, Disk: 1024}}
			result := Dispatch(bag, "", branches, "parent", logging.Nop())

			allocated := uint64(0)
			seen := make(map[uint64]bool)
			for _, piece := range result.ToBranch {
				allocated += piece.Count()
				for id := piece.FirstTask; id <= piece.LastTask; id++ {
					if seen[id] {
						return false // overlapping ranges
					}
					seen[id] = true
				}
			}
			forwarded := uint64(0)
			if result.Residual != nil {
				forwarded = result.Residual.Count()
			}
			if total >= requested {
				return allocated+forwarded == requested && forwarded == 0
			}
			return allocated+forwarded == requested
		},
		gen.SliceOfN(3, gen.SliceOfN(3, gen.IntRange(0, 20))),
		gen.SliceOfN(3, gen.SliceOfN(3, gen.IntRange(0, 200))),
		gen.UInt64Range(1, 100),
	))
	properties.TestingRun(t)
}

// scenario 6 (spec §8): a fully-loaded branch receives nothing, the
// free branch absorbs the whole bag, nothing is forwarded up.
func TestDispatch_ScenarioPartition(t *testing.T) {
	free := branchWith("free", 500, 1024, 4096)
	loaded := branchWith("loaded", 300, 0, 0)

	bag := TaskBag{Requester: "r", FirstTask: 0, LastTask: 399, Requirements: Requirements{Mem: 256, Disk: 1024}}
	result := Dispatch(bag, "", []Branch{free, loaded}, "parent", logging.Nop())

	require.Contains(t, result.ToBranch, "free")
	require.Equal(t, uint64(400), result.ToBranch["free"].Count())
	require.NotContains(t, result.ToBranch, "loaded")
	require.Nil(t, result.Residual)
}

func TestDispatch_SkipsSourceBranch(t *testing.T) {
	a := branchWith("a", 10, 256, 1024)
	bag := TaskBag{Requester: "r", FirstTask: 0, LastTask: 4, Requirements: Requirements{Mem: 256, Disk: 1024}}
	result := Dispatch(bag, "a", []Branch{a}, "parent", logging.Nop())
	require.Empty(t, result.ToBranch)
	require.NotNil(t, result.Residual)
	require.Equal(t, uint64(5), result.Residual.Count())
}
