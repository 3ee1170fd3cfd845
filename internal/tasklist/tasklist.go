// Package tasklist implements the local task-queue model (spec §3
// TaskProxy/TaskList, §4.3 TaskList). It holds the queue of tasks a
// node is currently running or has accepted, and computes the ordering
// that minimizes the maximum slowness under a fixed set of task
// lengths, including the incremental boundary-cache update described
// in spec §4.3.
//
// Grounded structurally on the teacher's pkg/scheduler/task_queue.go
// (queue-config/metrics struct shape) and task_tracker.go (incremental
// state-update style), generalized from priority-channel dispatch to
// deadline/boundary arithmetic. The pure slice-level helpers
// (ComputeBoundariesSlice, SortMinSlownessSlice) are exported so
// internal/zfunc can run the identical ordering algorithm against a
// working copy of the queue plus a synthetic "new task" entry, without
// duplicating the sort/bisection logic.
package tasklist

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/coreerr"
)

// MaxID is the sentinel task id denoting the hypothetical "new task"
// used during Z-function construction (spec §3 TaskProxy).
const MaxID = ^uint32(0)

// TaskProxy is a lightweight descriptor of a queued task.
type TaskProxy struct {
	// ID is unique within a TaskList; MaxID denotes the synthetic
	// "new task" used while constructing a Z function.
	ID uint32
	// A is the task length, in units of work.
	A float64
	// T is remaining execution time on this node. For the running
	// (first) task this is the remaining time; for all others it is
	// A/power.
	T float64
	// R is the release delay relative to "now", in seconds; negative
	// for already-released tasks.
	R float64
	// RAbs is the absolute release instant.
	RAbs clock.Time
	// Tsum is a scratch field: the cumulative execution-time prefix,
	// recomputed during sorting.
	Tsum float64
}

// Deadline returns the absolute instant by which this task must finish
// for the queue to have slowness exactly s: r + s*a.
func (p TaskProxy) Deadline(slowness float64) clock.Time {
	return p.RAbs.Add(clock.Duration(slowness * p.A))
}

// UpdateReleaseTime recomputes R for every task relative to now,
// mirroring FSPTaskList::updateReleaseTime — used once at the start of
// a Z-function construction so every formula in the pass operates on a
// single consistent time snapshot.
func UpdateReleaseTime(tasks []TaskProxy, now clock.Time) {
	for i := range tasks {
		tasks[i].R = float64(tasks[i].RAbs.Sub(now))
	}
}

// ComputeBoundariesSlice computes the slowness boundary sequence for an
// arbitrary task slice (spec §4.3), without requiring a TaskList.
func ComputeBoundariesSlice(tasks []TaskProxy, now clock.Time) []float64 {
	if len(tasks) == 0 {
		return nil
	}
	first := tasks[0]
	firstEnd := now.Add(clock.Duration(first.T))
	base := float64(firstEnd.Sub(first.RAbs)) / first.A
	out := []float64{base}

	for i := 1; i < len(tasks); i++ {
		for j := i; j < len(tasks); j++ {
			ti, tj := tasks[i], tasks[j]
			if ti.A != tj.A {
				l := float64(tj.RAbs.Sub(ti.RAbs)) / (ti.A - tj.A)
				if l > base {
					out = append(out, l)
				}
			}
		}
	}
	sort.Float64s(out)
	return dedupe(out)
}

// sortBySlowness orders tasks[1:] by Deadline(slowness) ascending,
// leaving the running (first) task pinned.
func sortBySlowness(tasks []TaskProxy, slowness float64) {
	if len(tasks) <= 1 {
		return
	}
	rest := tasks[1:]
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Deadline(slowness).Before(rest[j].Deadline(slowness))
	})
}

// meetDeadlines reports whether, starting from instant start and
// iterating the list in its current order, every task's cumulative
// completion time is no later than its Deadline(slowness) (spec §4.3).
func meetDeadlines(tasks []TaskProxy, slowness float64, start clock.Time) bool {
	e := start
	for _, t := range tasks {
		e = e.Add(clock.Duration(t.T))
		if e.After(t.Deadline(slowness)) {
			return false
		}
	}
	return true
}

// SortMinSlownessSlice reorders tasks (pinning tasks[0]) to minimize
// the maximum slowness under the given boundary sequence, per spec
// §4.3 sortMinSlowness. boundaries must be the strictly increasing,
// deduplicated sequence returned by ComputeBoundariesSlice (or an
// equivalent augmented sequence, as internal/zfunc uses).
func SortMinSlownessSlice(tasks []TaskProxy, boundaries []float64, now clock.Time) {
	if len(tasks) == 0 || len(boundaries) == 0 {
		return
	}
	if len(boundaries) == 1 {
		sortBySlowness(tasks, boundaries[0]+1.0)
		return
	}

	minLi, maxLi := 0, len(boundaries)-1
	for maxLi > minLi+1 {
		medLi := (minLi + maxLi) >> 1
		sortBySlowness(tasks, (boundaries[medLi]+boundaries[medLi+1])/2.0)
		if meetDeadlines(tasks, boundaries[medLi], now) {
			maxLi = medLi
		} else {
			minLi = medLi
		}
	}
	sortBySlowness(tasks, (boundaries[minLi]+boundaries[maxLi])/2.0)
	if maxLi == len(boundaries)-1 && !meetDeadlines(tasks, boundaries[len(boundaries)-1], now) {
		sortBySlowness(tasks, boundaries[len(boundaries)-1]+1.0)
	}
}

// SlownessOf returns the maximum slowness of tasks in their current
// order, i.e. max_i (cumulative_end_i - r_i)/a_i (spec P12).
func SlownessOf(tasks []TaskProxy, now clock.Time) float64 {
	if len(tasks) == 0 {
		return 0
	}
	e := now
	max := math.Inf(-1)
	for _, t := range tasks {
		e = e.Add(clock.Duration(t.T))
		s := float64(e.Sub(t.RAbs)) / t.A
		if s > max {
			max = s
		}
	}
	return max
}

// Config bounds how a TaskList logs recoverable conditions.
type Config struct {
	Logger zerolog.Logger
}

// TaskList is the ordered queue of TaskProxy plus its boundary cache
// (spec §3 TaskList invariant: boundaries reflects the list modulo the
// first, running task whenever dirty is false).
type TaskList struct {
	clk        clock.Clock
	log        zerolog.Logger
	tasks      []TaskProxy
	boundaries []float64
	dirty      bool
}

// New builds an empty TaskList.
func New(clk clock.Clock, cfg Config) *TaskList {
	return &TaskList{clk: clk, log: cfg.Logger}
}

// Len returns the number of queued tasks.
func (tl *TaskList) Len() int { return len(tl.tasks) }

// Empty reports whether the queue holds no tasks.
func (tl *TaskList) Empty() bool { return len(tl.tasks) == 0 }

// Tasks returns a defensive copy of the current ordering.
func (tl *TaskList) Tasks() []TaskProxy {
	out := make([]TaskProxy, len(tl.tasks))
	copy(out, tl.tasks)
	return out
}

// First returns the running (first) task and true, or the zero value
// and false if the queue is empty.
func (tl *TaskList) First() (TaskProxy, bool) {
	if len(tl.tasks) == 0 {
		return TaskProxy{}, false
	}
	return tl.tasks[0], true
}

// SetRunningRemaining updates the first task's remaining time, as FSP's
// reschedule step 1 does against the backend's current estimate.
func (tl *TaskList) SetRunningRemaining(t float64) {
	if len(tl.tasks) == 0 {
		return
	}
	tl.tasks[0].T = t
}

// AddTasks appends n copies of task, incrementally extending the
// boundary cache rather than rebuilding it from scratch (spec §4.3
// addTasks).
func (tl *TaskList) AddTasks(task TaskProxy, n int) {
	if n <= 0 {
		n = 1
	}
	if len(tl.tasks) == 0 {
		firstEnd := tl.clk.Now().Add(clock.Duration(task.T))
		tl.boundaries = []float64{float64(firstEnd.Sub(task.RAbs)) / task.A}
		tl.dirty = false
	} else if !tl.dirty {
		base := tl.boundaries[0]
		for _, it := range tl.tasks[1:] {
			if it.A != task.A {
				l := float64(task.RAbs.Sub(it.RAbs)) / (it.A - task.A)
				if l > base {
					tl.boundaries = append(tl.boundaries, l)
				}
			}
		}
		sort.Float64s(tl.boundaries)
		tl.boundaries = dedupe(tl.boundaries)
	}
	for i := 0; i < n; i++ {
		tl.tasks = append(tl.tasks, task)
	}
}

// RemoveTask removes the task with the given id, if present, and marks
// the boundary cache dirty. Removing an unknown id is a no-op (spec §7
// KindUnknownTaskID policy: idempotent).
func (tl *TaskList) RemoveTask(id uint32) {
	for i, t := range tl.tasks {
		if t.ID == id {
			tl.tasks = append(tl.tasks[:i:i], tl.tasks[i+1:]...)
			tl.dirty = true
			return
		}
	}
	tl.log.Debug().
		Err(coreerr.New(coreerr.KindUnknownTaskID, "TaskList.RemoveTask", nil)).
		Uint32("task_id", id).
		Msg("remove of unknown task id is a no-op")
}

// GetBoundaries returns the strictly increasing, deduplicated sequence
// of slowness values at which the min-slowness-sort order of the
// non-first tasks changes, recomputing first if the cache is dirty
// (spec §4.3).
func (tl *TaskList) GetBoundaries() []float64 {
	tl.computeBoundaries()
	out := make([]float64, len(tl.boundaries))
	copy(out, tl.boundaries)
	return out
}

func (tl *TaskList) computeBoundaries() {
	if !tl.dirty {
		return
	}
	tl.dirty = false
	tl.boundaries = ComputeBoundariesSlice(tl.tasks, tl.clk.Now())
}

// SortMinSlowness reorders the queue (pinning the first, running task)
// to minimize the maximum slowness, per spec §4.3.
func (tl *TaskList) SortMinSlowness() {
	bounds := tl.GetBoundaries()
	SortMinSlownessSlice(tl.tasks, bounds, tl.clk.Now())
}

// Slowness returns the maximum slowness of the queue in its current
// order (spec P12).
func (tl *TaskList) Slowness() float64 {
	return SlownessOf(tl.tasks, tl.clk.Now())
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
