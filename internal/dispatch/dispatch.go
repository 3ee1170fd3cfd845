// Package dispatch implements the IBP-variant dispatcher (spec §4.6):
// given a bag of tasks and a set of child-branch availability
// summaries, decide how many tasks go to each branch and how many (if
// any) must be forwarded to the parent.
//
// Grounded on original_source/src/lib/GlobalScheduler/SimpleDispatcher.cpp
// for the DecisionInfo scoring/sort/greedy-allocation algorithm (the
// ALPHA_MEM=10/ALPHA_DISK=1 weighting, ascending-availability best-fit
// ordering, and in-place cluster.value consumption are all taken
// directly from it), adapted from its in-tree overlay-node method into
// a pure function over an explicit branch list, in the style of the
// teacher's pkg/scheduler/load_balancer.go SelectNode.
package dispatch

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/coreerr"
)

// Scoring weights for DecisionInfo.Availability (spec §4.6 step 1).
const (
	AlphaMem  = 10.0
	AlphaDisk = 1.0
)

// Requirements describes a task bag's per-task resource needs.
type Requirements struct {
	Mem, Disk float64
}

// TaskBag is the unit of work routed through the overlay (spec §6
// TaskBag payload).
type TaskBag struct {
	Requester    string
	RequestID    uint64
	FirstTask    uint64
	LastTask     uint64
	Requirements Requirements
	ForEN        bool
	FromEN       bool
}

// Count returns the number of tasks in the bag.
func (b TaskBag) Count() uint64 {
	if b.LastTask < b.FirstTask {
		return 0
	}
	return b.LastTask - b.FirstTask + 1
}

// slice returns a clone of b covering the next n tasks starting at
// b.FirstTask, bound for a branch that is (or is not) an execution
// node leaf.
func (b TaskBag) slice(n uint64, toEN bool) TaskBag {
	out := b
	out.LastTask = out.FirstTask + n - 1
	out.ForEN = toEN
	return out
}

// Branch is one child (or parent) overlay link a dispatcher can route
// tasks through.
type Branch struct {
	ID       string
	Summary  cluster.Summary
	Distance float64
	IsEN     bool
}

// decisionInfo is one candidate (branch, cluster) allocation target
// (spec §4.6 step 1).
type decisionInfo struct {
	branchIdx  int
	clusterIdx int
	distance   float64
	availability float64
}

// Result is the outcome of one Dispatch call: per-branch task bags to
// send immediately, plus an optional residual to forward to the
// parent.
type Result struct {
	ToBranch map[string]TaskBag
	Residual *TaskBag
}

// Dispatch routes bag's tasks across branches, per spec §4.6. src is
// the id the bag arrived from (so that branch is skipped, avoiding
// bounce-back); parentID is this node's parent branch id, or "" at the
// root.
func Dispatch(bag TaskBag, src string, branches []Branch, parentID string, log zerolog.Logger) Result {
	remaining := bag.Count()
	res := Result{ToBranch: make(map[string]TaskBag)}

	var decisions []decisionInfo
	for bi, br := range branches {
		if br.ID == src {
			continue
		}
		if len(br.Summary.List.Clusters) == 0 {
			log.Warn().
				Err(coreerr.New(coreerr.KindMissingChildSummary, "Dispatch", nil)).
				Str("branch", br.ID).
				Msg("branch has no stored summary, skipping")
			continue
		}
		for ci, c := range br.Summary.List.Clusters {
			if !c.Fulfills(bag.Requirements.Mem, bag.Requirements.Disk) {
				continue
			}
			avail := (c.MinM-bag.Requirements.Mem)*AlphaMem + (c.MinD-bag.Requirements.Disk)*AlphaDisk
			decisions = append(decisions, decisionInfo{
				branchIdx: bi, clusterIdx: ci,
				distance: br.Distance, availability: avail,
			})
		}
	}

	// Best-fit ordering: least spare availability first, nearer
	// branches break ties, matching SimpleDispatcher's operator<.
	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].availability != decisions[j].availability {
			return decisions[i].availability < decisions[j].availability
		}
		return decisions[i].distance < decisions[j].distance
	})

	// First pass: consume cluster.Value in score order, accumulating one
	// task count per branch rather than carving a range per decision, so
	// a branch with several non-contiguously-sorted clusters still ends
	// up with a single count (matching SimpleDispatcher's accumulate-
	// then-assign two-pass design, avoiding the overlapping-range bug a
	// range-per-decision loop would produce).
	counts := make(map[int]uint64, len(branches))
	for _, d := range decisions {
		if remaining == 0 {
			break
		}
		c := &branches[d.branchIdx].Summary.List.Clusters[d.clusterIdx]
		if c.Value <= 0 {
			continue
		}
		assign := remaining
		if uint64(c.Value) < assign {
			assign = uint64(c.Value)
		}
		if assign == 0 {
			continue
		}
		c.Value -= int(assign)
		counts[d.branchIdx] += assign
		remaining -= assign
	}

	// Second pass: assign one contiguous range per branch, in fixed
	// (original branch list) order, so ranges never overlap.
	firstFree := bag.FirstTask
	for bi := range branches {
		count, ok := counts[bi]
		if !ok || count == 0 {
			continue
		}
		br := &branches[bi]
		piece := bag.slice(count, br.IsEN)
		piece.FirstTask = firstFree
		piece.LastTask = firstFree + count - 1
		piece.FromEN = bag.FromEN
		res.ToBranch[br.ID] = piece
		firstFree += count
	}

	if remaining > 0 && parentID != "" && src != parentID {
		residual := bag.slice(remaining, false)
		residual.FirstTask = firstFree
		residual.LastTask = firstFree + remaining - 1
		residual.FromEN = bag.FromEN
		res.Residual = &residual
	} else if remaining > 0 {
		log.Warn().
			Uint64("unallocated", remaining).
			Str("requester", bag.Requester).
			Msg("dropping request: no branch usable and no parent to forward to")
	}

	return res
}
