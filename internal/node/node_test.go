package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/stars/internal/clock"
	"github.com/khryptorgraphics/stars/internal/cluster"
	"github.com/khryptorgraphics/stars/internal/config"
	"github.com/khryptorgraphics/stars/internal/dispatch"
	"github.com/khryptorgraphics/stars/internal/logging"
	"github.com/khryptorgraphics/stars/internal/wire"
)

type fakeBackend struct {
	mem, disk, power float64
}

func (f *fakeBackend) AvailableMemory() float64 { return f.mem }
func (f *fakeBackend) AvailableDisk() float64 { return f.disk }
func (f *fakeBackend) AveragePower() float64 { return f.power }
func (f *fakeBackend) EstimatedRemaining() float64 { return 0 }

type fakeController struct{}

func (fakeController) Pause(uint32)      {}
func (fakeController) Start(uint32) bool { return true }

type sentMsg struct {
	to      string
	msgType string
	payload []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (s *fakeSender) Send(to, msgType string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMsg{to, msgType, payload})
}

func (s *fakeSender) messagesTo(to string) []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMsg
	for _, m := range s.sent {
		if m.to == to {
			out = append(out, m)
		}
	}
	return out
}

func testCfg() config.Config {
	return *config.Default()
}

func newTestNode(id, parentID string, sender Sender) *Node {
	backend := &fakeBackend{mem: 4096, disk: 16384, power: 1000}
	clk := clock.Fixed{At: clock.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	return New(id, parentID, clk, logging.Nop(), testCfg(), backend, fakeController{}, sender)
}

// handleAvailability stores, never merges, a child's summary, and
// republishes this node's own merged summary upward (spec §5 ordering
// guarantee).
func TestHandleAvailability_ReplacesNotMerges(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.AddChild("leaf", 1, true)

	ai1 := wire.AvailabilityInfo{MemRange: 1024, DiskRange: 2048}
	n.handleAvailability("leaf", ai1)
	require.True(t, n.children["leaf"].have)
	require.Equal(t, 1024.0, n.children["leaf"].summary.MaxM)

	ai2 := wire.AvailabilityInfo{MemRange: 4096, DiskRange: 8192}
	n.handleAvailability("leaf", ai2)
	require.Equal(t, 4096.0, n.children["leaf"].summary.MaxM)

	msgs := sender.messagesTo("root")
	require.Len(t, msgs, 2)
	require.Equal(t, wire.TagAvailabilityInfo, msgs[0].msgType)
}

func TestHandleAvailability_UnregisteredBranchIgnored(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.handleAvailability("stranger", wire.AvailabilityInfo{})
	require.Empty(t, sender.sent)
}

func TestPublishToParent_NoopAtRoot(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("root", "", sender)
	n.publishToParent()
	require.Empty(t, sender.sent)
}

// handleTaskBag routes the whole bag to this node's own synthetic
// branch when it has no children and capacity covers the request.
func TestHandleTaskBag_LocalAcceptWhenNoChildren(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("leaf", "root", sender)

	var accepted []dispatch.TaskBag
	n.OnLocalAccept = func(bag dispatch.TaskBag) {
		accepted = append(accepted, bag)
	}

	bag := dispatch.TaskBag{Requester: "root", FirstTask: 0, LastTask: 9, Requirements: dispatch.Requirements{Mem: 256, Disk: 1024}}
	n.handleTaskBag("root", bag)

	require.Len(t, accepted, 1)
	require.Equal(t, uint64(10), accepted[0].Count())
	require.Empty(t, sender.messagesTo("root"))
}

// A node with children and insufficient own+child capacity forwards
// the residual to its parent.
func TestHandleTaskBag_ForwardsResidualToParent(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.AddChild("leaf", 1, true)

	bag := dispatch.TaskBag{Requester: "root", FirstTask: 0, LastTask: 999999, Requirements: dispatch.Requirements{Mem: 256, Disk: 1024}}
	n.handleTaskBag("leaf", bag)

	msgs := sender.messagesTo("root")
	require.NotEmpty(t, msgs)
	require.Equal(t, wire.TagTaskBag, msgs[len(msgs)-1].msgType)
}

func TestHandleTaskBag_ForwardsToChildBranch(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.AddChild("leaf", 1, true)
	n.handleAvailability("leaf", wire.AvailabilityInfo{
		Clusters: []cluster.MDZCluster{
			{Value: 1000, MinM: 1024, MinD: 4096},
		},
		MemRange:  4096,
		DiskRange: 16384,
	})
	sender.sent = nil // drop the republish-on-availability send before dispatching

	bag := dispatch.TaskBag{Requester: "root", FirstTask: 0, LastTask: 9, Requirements: dispatch.Requirements{Mem: 256, Disk: 1024}}
	n.handleTaskBag("root", bag)

	msgs := sender.messagesTo("leaf")
	require.Len(t, msgs, 1)
	require.Equal(t, wire.TagTaskBag, msgs[0].msgType)
}

// Run/Stop/Deliver lifecycle: a delivered message is processed by the
// node's loop goroutine, and Stop waits for that goroutine to exit
// cleanly.
func TestRunDeliverStop_ProcessesMessage(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.AddChild("leaf", 1, true)

	n.Run(context.Background())
	defer n.Stop()

	n.Deliver(Inbound{From: "leaf", Type: wire.TagAvailabilityInfo, Payload: wire.EncodeAvailabilityInfo(wire.AvailabilityInfo{MemRange: 512, DiskRange: 1024})})

	require.Eventually(t, func() bool {
		return len(sender.messagesTo("root")) > 0
	}, time.Second, time.Millisecond)
}

// A malformed payload is dropped rather than crashing the loop; the
// node keeps processing subsequent messages.
func TestDeliver_MalformedPayloadDropped(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode("mid", "root", sender)
	n.AddChild("leaf", 1, true)

	n.Run(context.Background())
	defer n.Stop()

	n.Deliver(Inbound{From: "leaf", Type: wire.TagAvailabilityInfo, Payload: []byte{0xFF, 0xFF}})
	n.Deliver(Inbound{From: "leaf", Type: wire.TagAvailabilityInfo, Payload: wire.EncodeAvailabilityInfo(wire.AvailabilityInfo{MemRange: 256, DiskRange: 512})})

	require.Eventually(t, func() bool {
		return len(sender.messagesTo("root")) > 0
	}, time.Second, time.Millisecond)
}
