// Package fsp implements the Fair Slowness Policy local scheduler
// (spec §4.5): the per-node admission and ordering rule that accepts
// every offered task and orders the queue to minimize the maximum
// slowness under the current set of task lengths.
//
// Grounded on original_source/include/FSPScheduler.hpp and
// src/lib/scheduling/policies/FSPScheduler.cpp for the
// acceptable/reschedule/getAvailability algorithm, generalized from a
// concrete OverlayLeaf-bound class into a plain struct taking a
// Backend and TaskController interface at construction, the way the
// teacher's pkg/scheduler packages take a storage/runtime interface
// rather than reaching into a concrete node type.
package fsp

import (
	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/tasklist"
	"github.com/khryptorgraphics/stars/internal/zfunc"
)

// Backend exposes the per-node resource facts FSP needs; an external
// collaborator (the execution backend) implements it.
type Backend interface {
	AvailableMemory() float64
	AvailableDisk() float64
	AveragePower() float64
	// EstimatedRemaining returns the backend's current estimate of the
	// running task's remaining execution time, in seconds.
	EstimatedRemaining() float64
}

// TaskController lets the scheduler drive the lifecycle of the tasks
// it orders, without owning their execution itself.
type TaskController interface {
	// Pause suspends a queued, non-running task.
	Pause(taskID uint32)
	// Start transitions a prepared task to running, and reports
	// whether it actually did so (a no-op if it was already running).
	Start(taskID uint32) bool
}

// Scheduler is the FSP local scheduler for one node.
type Scheduler struct {
	clk     clock.Clock
	log     zerolog.Logger
	cfg     config.Config
	backend Backend
	ctrl    TaskController

	tasks *tasklist.TaskList
	queue []uint32

	onReschedule func(at clock.Time)
}

// New builds a Scheduler with an empty queue and performs the initial
// reschedule, mirroring FSPScheduler's constructor.
func New(clk clock.Clock, log zerolog.Logger, cfg config.Config, backend Backend, ctrl TaskController, onReschedule func(at clock.Time)) *Scheduler {
	s := &Scheduler{
		clk:          clk,
		log:          log,
		cfg:          cfg,
		backend:      backend,
		ctrl:         ctrl,
		tasks:        tasklist.New(clk, tasklist.Config{Logger: log}),
		onReschedule: onReschedule,
	}
	s.Reschedule()
	return s
}

// Acceptable always accepts every task in the bag (spec §4.5
// acceptable): returns last-first+1.
func (s *Scheduler) Acceptable(bag dispatch.TaskBag) uint32 {
	n := bag.Count()
	s.log.Info().Uint64("count", n).Str("requester", bag.Requester).Msg("accepting tasks")
	return uint32(n)
}

// AcceptTask enqueues a newly accepted task.
func (s *Scheduler) AcceptTask(task tasklist.TaskProxy) {
	s.tasks.AddTasks(task, 1)
}

// RemoveTask drops a completed or cancelled task from the queue.
func (s *Scheduler) RemoveTask(id uint32) {
	s.tasks.RemoveTask(id)
}

// Reschedule reorders the queue to minimize maximum slowness, drives
// the task lifecycle accordingly, and arms the self-reschedule timer
// (spec §4.5 reschedule, steps 1-5).
func (s *Scheduler) Reschedule() {
	s.tasks.SetRunningRemaining(s.backend.EstimatedRemaining())

	s.tasks.SortMinSlowness()

	all := s.tasks.Tasks()
	s.queue = make([]uint32, len(all))
	for i, t := range all {
		s.queue[i] = t.ID
	}
	s.log.Debug().Float64("min_slowness", s.tasks.Slowness()).Msg("rescheduled")

	if len(all) > 0 {
		for _, t := range all[1:] {
			s.ctrl.Pause(t.ID)
		}
		s.ctrl.Start(all[0].ID)
	}

	if s.onReschedule != nil {
		s.onReschedule(s.clk.Now().Add(clock.Duration(s.cfg.FSP.RescheduleTimeout.Seconds())))
	}
}

// Queue returns the current externally-visible task ordering.
func (s *Scheduler) Queue() []uint32 {
	out := make([]uint32, len(s.queue))
	copy(out, s.queue)
	return out
}

// GetAvailability builds this node's single-cluster availability
// summary: (memory, disk, TaskList) -> Z via §4.1, wrapped as a
// one-cluster Summary (spec §4.5 getAvailability).
func (s *Scheduler) GetAvailability() cluster.Summary {
	z := zfunc.FromTaskList(s.tasks, s.backend.AveragePower(), s.cfg.Zfunc, s.clk, s.log)
	var summary cluster.Summary
	summary.AddNode(s.backend.AvailableMemory(), s.backend.AvailableDisk(), z)
	return summary
}
