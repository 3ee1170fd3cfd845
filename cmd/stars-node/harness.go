package main

import (
	"github.com/khryptorgraphics/stars/internal/fsp"
	"github.com/khryptorgraphics/stars/internal/node"
)

// hub is an in-process, in-memory transport: it delivers a Send call
// straight into the target Node's inbox, standing in for the network
// transport spec §1 explicitly puts out of scope for the core.
type hub struct {
	nodes map[string]*node.Node
}

func newHub() *hub {
	return &hub{nodes: make(map[string]*node.Node)}
}

func (h *hub) register(n *node.Node, id string) {
	h.nodes[id] = n
}

// senderFor returns a node.Sender that tags outbound messages with
// from's id, so the recipient can identify the branch they arrived on
// (spec §5 ordering guarantee: per-sender-per-recipient order).
func (h *hub) senderFor(from string) node.Sender {
	return &hubSender{hub: h, from: from}
}

type hubSender struct {
	hub  *hub
	from string
}

func (s *hubSender) Send(to string, msgType string, payload []byte) {
	target, ok := s.hub.nodes[to]
	if !ok {
		return
	}
	target.Deliver(node.Inbound{From: s.from, Type: msgType, Payload: payload})
}

// staticBackend is a fixed-capacity stand-in for the execution backend
// collaborator spec §1 places out of scope: it reports constant
// resource facts rather than querying a real runtime.
type staticBackend struct {
	mem, disk, power float64
	remaining        float64
}

func (b *staticBackend) AvailableMemory() float64    { return b.mem }
func (b *staticBackend) AvailableDisk() float64       { return b.disk }
func (b *staticBackend) AveragePower() float64        { return b.power }
func (b *staticBackend) EstimatedRemaining() float64  { return b.remaining }

var _ fsp.Backend = (*staticBackend)(nil)

// logController logs task lifecycle transitions instead of driving a
// real executor, for the smoke-run harness.
type logController struct {
	onPause func(taskID uint32)
	onStart func(taskID uint32)
}

func (c *logController) Pause(taskID uint32) {
	if c.onPause != nil {
		c.onPause(taskID)
	}
}

func (c *logController) Start(taskID uint32) bool {
	if c.onStart != nil {
		c.onStart(taskID)
	}
	return true
}

var _ fsp.TaskController = (*logController)(nil)
