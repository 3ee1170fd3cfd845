package fsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/logging"
	"github.com/khryptorgraphics/stars/internal/tasklist"
)

var testNow = clock.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

type fakeBackend struct {
	mem, disk, power, remaining float64
}

func (f *fakeBackend) AvailableMemory() float64   { return f.mem }
func (f *fakeBackend) AvailableDisk() float64      { return f.disk }
func (f *fakeBackend) AveragePower() float64       { return f.power }
func (f *fakeBackend) EstimatedRemaining() float64 { return f.remaining }

type fakeController struct {
	paused  []uint32
	started []uint32
}

func (c *fakeController) Pause(id uint32) {
	c.paused = append(c.paused, id)
}

func (c *fakeController) Start(id uint32) bool {
	c.started = append(c.started, id)
	return true
}

func testCfg() config.Config {
	cfg := config.Default()
	return *cfg
}

func TestAcceptable_AcceptsEveryTask(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000, remaining: 0}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)

	bag := dispatch.TaskBag{Requester: "x", FirstTask: 10, LastTask: 19}
	require.Equal(t, uint32(10), s.Acceptable(bag))
}

func TestAcceptTask_RemoveTask(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)

	s.AcceptTask(tasklist.TaskProxy{ID: 1, A: 5000, T: 5, RAbs: testNow})
	s.Reschedule()
	require.Equal(t, []uint32{1}, s.Queue())

	s.RemoveTask(1)
	s.Reschedule()
	require.Empty(t, s.Queue())
}

// Reschedule step 1: the running (first) task's remaining time is
// refreshed from the backend's current estimate before re-sorting.
func TestReschedule_RefreshesRunningTaskRemaining(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000, remaining: 2}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)

	s.AcceptTask(tasklist.TaskProxy{ID: 1, A: 10000, T: 9999, RAbs: testNow.Add(clock.Duration(-5))})
	backend.remaining = 2
	s.Reschedule()

	tasks := s.tasks.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, 2.0, tasks[0].T)
}

// Reschedule steps 3-4: every task but the head is paused, and the
// head is (re)started.
func TestReschedule_PausesTailStartsHead(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)

	s.AcceptTask(tasklist.TaskProxy{ID: 1, A: 10000, T: 10, RAbs: testNow.Add(clock.Duration(-5))})
	s.AcceptTask(tasklist.TaskProxy{ID: 2, A: 5000, T: 5, RAbs: testNow})
	ctrl.paused = nil
	ctrl.started = nil
	s.Reschedule()

	require.Equal(t, s.Queue()[1:], ctrl.paused)
	require.Equal(t, []uint32{s.Queue()[0]}, ctrl.started)
}

// Reschedule step 5: the self-reschedule timer is armed using the
// configured timeout, relative to the injected clock's current time.
func TestReschedule_ArmsTimerAtConfiguredTimeout(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000}
	ctrl := &fakeController{}
	cfg := testCfg()
	cfg.FSP.RescheduleTimeout = 30 * time.Second

	var firedAt clock.Time
	fired := false
	s := New(clock.Fixed{At: testNow}, logging.Nop(), cfg, backend, ctrl, func(at clock.Time) {
		firedAt = at
		fired = true
	})
	s.AcceptTask(tasklist.TaskProxy{ID: 1, A: 1000, T: 1, RAbs: testNow})
	s.Reschedule()

	require.True(t, fired)
	require.Equal(t, testNow.Add(clock.Duration(30)), firedAt)
}

func TestQueue_ReturnsACopy(t *testing.T) {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)
	s.AcceptTask(tasklist.TaskProxy{ID: 1, A: 1000, T: 1, RAbs: testNow})
	s.Reschedule()

	q := s.Queue()
	q[0] = 999
	require.Equal(t, uint32(1), s.Queue()[0])
}

func TestGetAvailability_ReflectsBackendResources(t *testing.T) {
	backend := &fakeBackend{mem: 2048, disk: 8192, power: 1000}
	ctrl := &fakeController{}
	s := New(clock.Fixed{At: testNow}, logging.Nop(), testCfg(), backend, ctrl, nil)

	summary := s.GetAvailability()
	require.Len(t, summary.List.Clusters, 1)
	require.Equal(t, 2048.0, summary.List.Clusters[0].MinM)
	require.Equal(t, 8192.0, summary.List.Clusters[0].MinD)
}
