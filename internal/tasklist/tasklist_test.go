package tasklist

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/logging"
)

var testNow = clock.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

// scenario 2 (spec §8): single running task, unchanged by sorting.
func TestSingleRunningTask(t *testing.T) {
	clk := clock.Fixed{At: testNow}
	tl := New(clk, Config{Logger: logging.Nop()})
	tl.AddTasks(TaskProxy{ID: 1, A: 10000, T: 5, RAbs: testNow.Add(clock.Duration(-5))}, 1)

	tl.SortMinSlowness()
	// Slowness is (cumulative_end - release)/a (P12); the task ran at
	// full power with no wait, so this reduces to 1/power.
	require.InDelta(t, 1.0/1000, tl.Slowness(), 1e-9)
}

// scenario 3 (spec §8): two-task reorder, tighter-deadline task sorts
// after the pinned running task.
func TestTwoTaskReorder(t *testing.T) {
	clk := clock.Fixed{At: testNow}
	tl := New(clk, Config{Logger: logging.Nop()})
	tl.AddTasks(TaskProxy{ID: 1, A: 10000, T: 5, RAbs: testNow.Add(clock.Duration(-5))}, 1)
	tl.AddTasks(TaskProxy{ID: 2, A: 5000, T: 5, RAbs: testNow}, 1)

	tl.SortMinSlowness()
	tasks := tl.Tasks()
	require.Equal(t, uint32(1), tasks[0].ID)
	require.Equal(t, uint32(2), tasks[1].ID)
	require.InDelta(t, 2e-3, tl.Slowness(), 1e-9)
}

// P12: after sortMinSlowness, the computed slowness equals the
// definition max_i (cumulative_end_i - r_i)/a_i.
func TestSortMinSlowness_MatchesDefinition(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("SlownessMatchesDefinition", prop.ForAll(
		func(lengths []float64) bool {
			clk := clock.Fixed{At: testNow}
			tl := New(clk, Config{Logger: logging.Nop()})
			tl.AddTasks(TaskProxy{ID: 1, A: lengths[0], T: 3, RAbs: testNow.Add(clock.Duration(-3))}, 1)
			for i, a := range lengths[1:] {
				tl.AddTasks(TaskProxy{ID: uint32(i + 2), A: a, T: a / 1000, RAbs: testNow}, 1)
			}
			tl.SortMinSlowness()

			tasks := tl.Tasks()
			want := math.Inf(-1)
			e := testNow
			for _, task := range tasks {
				e = e.Add(clock.Duration(task.T))
				s := float64(e.Sub(task.RAbs)) / task.A
				if s > want {
					want = s
				}
			}
			got := tl.Slowness()
			return math.Abs(got-want) < 1e-6
		},
		gen.SliceOfN(5, gen.Float64Range(1000, 50000)),
	))
	properties.TestingRun(t)
}

func TestRemoveTask_UnknownIDIsNoop(t *testing.T) {
	clk := clock.Fixed{At: testNow}
	tl := New(clk, Config{Logger: logging.Nop()})
	tl.AddTasks(TaskProxy{ID: 1, A: 1000, T: 1, RAbs: testNow}, 1)
	tl.RemoveTask(999)
	require.Equal(t, 1, tl.Len())
	tl.RemoveTask(1)
	require.Equal(t, 0, tl.Len())
}
