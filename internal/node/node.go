// Package node glues the core algebra (zfunc, dfunc, cluster, fsp,
// dispatch, wire) into a single runnable overlay participant: one
// node in the tree, talking to its parent and children over whatever
// transport a Sender implements.
//
// Grounded on
// ollama-distributed/pkg/scheduler/task_queue.go's
// context/cancel/sync.WaitGroup Start/Stop shape, scaled from that
// package's multi-goroutine worker pool down to the single
// message-processing goroutine spec §5 requires (no suspension inside
// core algorithms; suspension only at message-send boundaries). The
// self-reschedule timer reuses the same package's time.Timer-driven
// loop idiom (task_queue.go's metricsLoop ticker), generalized from a
// periodic tick to a one-shot timer that fsp.Scheduler rearms on every
// Reschedule call.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/coreerr"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/fsp"
	"github.com/khryptorgraphics/stars/internal/wire"
)

// Sender delivers an encoded message to another overlay participant.
// Implementations own the transport; the core never blocks inside an
// algorithm waiting on one (spec §5).
type Sender interface {
	Send(to string, msgType string, payload []byte)
}

// Inbound is one message arriving at a Node, handed to Deliver by
// whatever goroutine is reading the transport.
type Inbound struct {
	From    string
	Type    string
	Payload []byte
}

type childLink struct {
	id       string
	distance float64
	isEN     bool
	summary  cluster.Summary
	have     bool
}

// Node is one participant in the overlay tree: it runs its own FSP
// scheduler (so it is itself an execution node) and, if it has
// children, merges their summaries and dispatches task bags across
// them (spec §4.4/§4.6 composed together, per spec §1's "data flow").
type Node struct {
	id       string
	parentID string
	clk      clock.Clock
	log      zerolog.Logger
	cfg      config.Config
	sched    *fsp.Scheduler
	sender   Sender

	// OnLocalAccept is invoked with the slice of a task bag this node
	// decided to run itself. Materializing that slice into TaskProxy
	// entries in the scheduler is an execution-backend concern (spec
	// §1 Non-goals), so the caller wires this hook rather than the
	// core doing it directly.
	OnLocalAccept func(bag dispatch.TaskBag)

	children map[string]*childLink
	childIDs []string // insertion order, for deterministic branch iteration

	inbox        chan Inbound
	rescheduleCh chan struct{}
	timer        *time.Timer
	timerMu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Node. parentID is "" at the tree root. backend and ctrl
// are the execution-backend collaborators fsp.Scheduler needs.
func New(id, parentID string, clk clock.Clock, log zerolog.Logger, cfg config.Config, backend fsp.Backend, ctrl fsp.TaskController, sender Sender) *Node {
	n := &Node{
		id:           id,
		parentID:     parentID,
		clk:          clk,
		log:          log,
		cfg:          cfg,
		sender:       sender,
		children:     make(map[string]*childLink),
		inbox:        make(chan Inbound, 256),
		rescheduleCh: make(chan struct{}, 1),
	}
	n.sched = fsp.New(clk, log, cfg, backend, ctrl, n.armReschedule)
	return n
}

// AddChild registers a branch this node forwards tasks to and expects
// AvailabilityInfo updates from.
func (n *Node) AddChild(id string, distance float64, isEN bool) {
	if _, exists := n.children[id]; exists {
		return
	}
	n.children[id] = &childLink{id: id, distance: distance, isEN: isEN}
	n.childIDs = append(n.childIDs, id)
}

// Scheduler exposes the node's FSP scheduler, e.g. so the execution
// backend can report task completion via RemoveTask.
func (n *Node) Scheduler() *fsp.Scheduler { return n.sched }

// Deliver enqueues an inbound message for processing by the node's
// loop. The inbox is buffered so a burst of sends doesn't stall the
// caller; Deliver only blocks if the inbox is full or the node has
// stopped, at which point it returns once ctx is done.
func (n *Node) Deliver(msg Inbound) {
	select {
	case n.inbox <- msg:
	case <-n.ctx.Done():
	}
}

// Run establishes ctx and launches the node's single processing
// goroutine, returning immediately; callers wait for shutdown via
// Stop. ctx/cancel are set synchronously before Run returns, so a
// Deliver call made right after Run (even from another goroutine)
// never sees a nil context.
func (n *Node) Run(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.loop()
}

// Stop cancels the processing goroutine and waits for it to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.timerMu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timerMu.Unlock()
	n.wg.Wait()
}

func (n *Node) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.inbox:
			n.handle(msg)
		case <-n.rescheduleCh:
			n.sched.Reschedule()
			n.publishToParent()
		}
	}
}

// armReschedule is fsp.Scheduler's onReschedule hook: it arms a
// one-shot wall-clock timer that posts to rescheduleCh when due,
// rearming (not accumulating) on every call, matching the idempotent
// self-reschedule timer semantics of spec §5.
func (n *Node) armReschedule(at clock.Time) {
	delay := at.Sub(n.clk.Now()).AsTimeDuration()
	if delay < 0 {
		delay = 0
	}
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(delay, func() {
		select {
		case n.rescheduleCh <- struct{}{}:
		default:
		}
	})
}

func (n *Node) handle(msg Inbound) {
	switch msg.Type {
	case wire.TagAvailabilityInfo:
		ai, err := wire.DecodeAvailabilityInfo(msg.Payload)
		if err != nil {
			n.log.Warn().Err(err).Str("from", msg.From).Msg("dropping malformed AvailabilityInfo")
			return
		}
		n.handleAvailability(msg.From, ai)
	case wire.TagTaskBag:
		bag, err := wire.DecodeTaskBag(msg.Payload)
		if err != nil {
			n.log.Warn().Err(err).Str("from", msg.From).Msg("dropping malformed TaskBag")
			return
		}
		n.handleTaskBag(msg.From, bag)
	default:
		n.log.Warn().
			Err(coreerr.New(coreerr.KindMalformedMessage, "Node.handle", nil)).
			Str("from", msg.From).Str("type", msg.Type).
			Msg("dropping message of unknown type")
	}
}

// handleAvailability stores the sender's summary (replacing, never
// merging, any prior one from that sender — spec §5 ordering
// guarantee) and republishes this node's own merged summary upward.
func (n *Node) handleAvailability(from string, ai wire.AvailabilityInfo) {
	c, ok := n.children[from]
	if !ok {
		n.log.Warn().Str("from", from).Msg("AvailabilityInfo from unregistered branch, ignoring")
		return
	}
	c.summary = cluster.Summary{
		List:          cluster.List{Clusters: ai.Clusters},
		MinM:          0,
		MaxM:          ai.MemRange,
		MinD:          0,
		MaxD:          ai.DiskRange,
		MinSlowness:   0,
		MaxSlowness:   ai.SlownessRange,
		LengthHorizon: ai.LengthHorizon,
		MinZ:          ai.MinZ,
		MaxZ:          ai.MaxZ,
	}
	c.have = true
	n.publishToParent()
}

// mergedSummary joins this node's own FSP availability with every
// child's last-known summary and reduces the result, per spec §4.4
// join/reduce composed across the tree.
func (n *Node) mergedSummary() cluster.Summary {
	summary := n.sched.GetAvailability()
	for _, id := range n.childIDs {
		c := n.children[id]
		if c.have {
			summary.Join(c.summary)
		}
	}
	summary.Updated()
	summary.Reduce(n.cfg.Cluster, n.cfg.Zfunc.MinA)
	return summary
}

// publishToParent sends this node's merged availability summary to
// its parent, if it has one.
func (n *Node) publishToParent() {
	if n.parentID == "" || n.sender == nil {
		return
	}
	summary := n.mergedSummary()
	ai := wire.AvailabilityInfo{
		Clusters:      summary.List.Clusters,
		MemRange:      summary.MaxM - summary.MinM,
		DiskRange:     summary.MaxD - summary.MinD,
		MinZ:          summary.MinZ,
		MaxZ:          summary.MaxZ,
		LengthHorizon: summary.LengthHorizon,
		SlownessRange: summary.MaxSlowness - summary.MinSlowness,
	}
	n.sender.Send(n.parentID, wire.TagAvailabilityInfo, wire.EncodeAvailabilityInfo(ai))
}

// handleTaskBag routes an incoming task bag across this node's own
// local capacity and its children, forwarding any residual to the
// parent (spec §4.6, with this node itself standing in as one of the
// dispatcher's branches).
func (n *Node) handleTaskBag(from string, bag dispatch.TaskBag) {
	n.sched.Acceptable(bag)

	// A node with no children runs every task FSP accepts: all of them.
	if len(n.childIDs) == 0 {
		if n.OnLocalAccept != nil {
			n.OnLocalAccept(bag)
		}
		return
	}

	branches := make([]dispatch.Branch, 0, len(n.childIDs)+1)
	branches = append(branches, dispatch.Branch{
		ID:       n.id,
		Summary:  n.sched.GetAvailability(),
		Distance: 0,
		IsEN:     true,
	})
	for _, id := range n.childIDs {
		c := n.children[id]
		if !c.have {
			continue
		}
		branches = append(branches, dispatch.Branch{
			ID:       c.id,
			Summary:  c.summary,
			Distance: c.distance,
			IsEN:     c.isEN,
		})
	}

	result := dispatch.Dispatch(bag, from, branches, n.parentID, n.log)

	for branchID, piece := range result.ToBranch {
		if branchID == n.id {
			if n.OnLocalAccept != nil {
				n.OnLocalAccept(piece)
			}
			continue
		}
		if n.sender != nil {
			n.sender.Send(branchID, wire.TagTaskBag, wire.EncodeTaskBag(piece))
		}
	}

	if result.Residual != nil && n.sender != nil && n.parentID != "" {
		n.sender.Send(n.parentID, wire.TagTaskBag, wire.EncodeTaskBag(*result.Residual))
	}
}
